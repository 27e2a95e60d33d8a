package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/St-Ryzen/MNL/config"
	"github.com/St-Ryzen/MNL/profile"
	"github.com/St-Ryzen/MNL/telemetry"
)

// ErrObjectNotFound is returned by an ObjectStore when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the blob store the mirror writes to.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// S3Objects implements ObjectStore on an S3-compatible bucket.
type S3Objects struct {
	client *s3.Client
	bucket string
}

// NewS3Objects builds a path-style client. A custom endpoint (MinIO and similar) is used when set.
func NewS3Objects(ctx context.Context, cfg config.S3Config) (*S3Objects, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	o := &S3Objects{client: client, bucket: cfg.Bucket}
	if err := o.ensureBucket(ctx); err != nil {
		slog.Default().Warn("s3 bucket check failed", slog.String("component", "store"), slog.Any("err", err))
	}
	return o, nil
}

func (o *S3Objects) ensureBucket(ctx context.Context) error {
	_, err := o.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.bucket)})
	if err == nil {
		return nil
	}
	if _, createErr := o.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(o.bucket)}); createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", o.bucket, createErr)
	}
	slog.Default().Info("created s3 bucket", slog.String("component", "store"), slog.String("bucket", o.bucket))
	return nil
}

func (o *S3Objects) PutObject(ctx context.Context, key string, data []byte) error {
	_, err := o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(o.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (o *S3Objects) GetObject(ctx context.Context, key string) ([]byte, error) {
	result, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer result.Body.Close()
	return io.ReadAll(result.Body)
}

// MirrorKey is the object key holding an account's archive.
func MirrorKey(accountID int64) string {
	return fmt.Sprintf("profiles/account_%d.zip", accountID)
}

// S3Mirror copies every stored archive to an object store and reads it back
// when the primary store has none. Mirror failures are logged, never returned.
type S3Mirror struct {
	Store
	Objects ObjectStore
	Logger  *slog.Logger
}

// NewS3Mirror wraps primary.
func NewS3Mirror(primary Store, objects ObjectStore) *S3Mirror {
	return &S3Mirror{Store: primary, Objects: objects}
}

func (m *S3Mirror) logger(ctx context.Context) *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return telemetry.LoggerWithCorr(ctx).With(slog.String("component", "store"))
}

func (m *S3Mirror) PutBackup(ctx context.Context, id int64, encoded string) error {
	if err := m.Store.PutBackup(ctx, id, encoded); err != nil {
		return err
	}
	data, err := profile.Decode(encoded)
	if err != nil {
		m.logger(ctx).Warn("mirror skipped: archive not decodable", slog.Int64("account_id", id), slog.Any("err", err))
		return nil
	}
	if err := m.Objects.PutObject(ctx, MirrorKey(id), data); err != nil {
		m.logger(ctx).Warn("mirror upload failed", slog.Int64("account_id", id), slog.Any("err", err))
		return nil
	}
	m.logger(ctx).Info("archive mirrored", slog.Int64("account_id", id), slog.String("key", MirrorKey(id)))
	return nil
}

func (m *S3Mirror) GetBackup(ctx context.Context, id int64) (string, error) {
	encoded, err := m.Store.GetBackup(ctx, id)
	if err != nil || encoded != "" {
		return encoded, err
	}
	data, err := m.Objects.GetObject(ctx, MirrorKey(id))
	if errors.Is(err, ErrObjectNotFound) {
		return "", nil
	}
	if err != nil {
		m.logger(ctx).Warn("mirror read failed", slog.Int64("account_id", id), slog.Any("err", err))
		return "", nil
	}
	m.logger(ctx).Info("archive recovered from mirror", slog.Int64("account_id", id))
	return profile.Encode(data), nil
}
