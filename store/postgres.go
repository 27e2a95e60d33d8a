package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/St-Ryzen/MNL/db"
	"github.com/St-Ryzen/MNL/retry"
	"github.com/St-Ryzen/MNL/telemetry"
)

// Postgres keeps archives and session state on the model_accounts row.
// Every call runs under retry.StorePolicy unless Policy is set.
type Postgres struct {
	DB     *sql.DB
	Policy retry.Policy
}

// NewPostgres returns a Postgres store over database.
func NewPostgres(database *sql.DB) *Postgres {
	return &Postgres{DB: database, Policy: retry.StorePolicy()}
}

func (p *Postgres) policy() retry.Policy {
	if p.Policy.MaxAttempts == 0 {
		return retry.StorePolicy()
	}
	return p.Policy
}

// notFoundIsFinal stops retries on a missing account row.
func notFoundIsFinal(err error) error {
	if errors.Is(err, db.ErrNotFound) {
		return retry.Permanent(err)
	}
	return err
}

func (p *Postgres) GetBackup(ctx context.Context, id int64) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerStore, "store.GetBackup", telemetry.AccountAttr(id))
	defer span.End()
	v, err := retry.DoValue(ctx, p.policy(), func() (string, error) {
		v, err := db.GetProfileBackup(ctx, p.DB, id)
		return v, notFoundIsFinal(err)
	})
	telemetry.RecordError(span, err)
	return v, err
}

func (p *Postgres) PutBackup(ctx context.Context, id int64, encoded string) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerStore, "store.PutBackup",
		telemetry.AccountAttr(id), telemetry.ArchiveBytesAttr(len(encoded)))
	defer span.End()
	err := retry.Do(ctx, p.policy(), func() error {
		return notFoundIsFinal(db.SetProfileBackup(ctx, p.DB, id, encoded))
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	slog.Default().Info("profile backup stored",
		slog.String("component", "store"),
		slog.Int64("account_id", id),
		slog.Int("encoded_bytes", len(encoded)))
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id int64) (*SessionRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerStore, "store.GetSession", telemetry.AccountAttr(id))
	defer span.End()
	cols, err := retry.DoValue(ctx, p.policy(), func() (*db.SessionColumns, error) {
		c, err := db.GetSessionColumns(ctx, p.DB, id)
		return c, notFoundIsFinal(err)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	return decodeSession(cols)
}

func (p *Postgres) PutSession(ctx context.Context, id int64, rec SessionRecord) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerStore, "store.PutSession", telemetry.AccountAttr(id))
	defer span.End()
	cols, err := encodeSession(rec)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, p.policy(), func() error {
		return notFoundIsFinal(db.SetSessionColumns(ctx, p.DB, id, *cols))
	})
	telemetry.RecordError(span, err)
	return err
}

func encodeSession(rec SessionRecord) (*db.SessionColumns, error) {
	var (
		cols db.SessionColumns
		err  error
	)
	if cols.Cookies, err = json.Marshal(nonNilCookies(rec.Cookies)); err != nil {
		return nil, fmt.Errorf("encode cookies: %w", err)
	}
	if cols.LocalStorage, err = json.Marshal(nonNilMap(rec.LocalStorage)); err != nil {
		return nil, fmt.Errorf("encode local storage: %w", err)
	}
	if cols.SessionStorage, err = json.Marshal(nonNilMap(rec.SessionStorage)); err != nil {
		return nil, fmt.Errorf("encode session storage: %w", err)
	}
	return &cols, nil
}

func decodeSession(cols *db.SessionColumns) (*SessionRecord, error) {
	if cols == nil || (len(cols.Cookies) == 0 && len(cols.LocalStorage) == 0 && len(cols.SessionStorage) == 0) {
		return nil, nil
	}
	rec := &SessionRecord{UpdatedAt: cols.UpdatedAt}
	if len(cols.Cookies) > 0 {
		if err := json.Unmarshal(cols.Cookies, &rec.Cookies); err != nil {
			return nil, fmt.Errorf("decode cookies: %w", err)
		}
	}
	if len(cols.LocalStorage) > 0 {
		if err := json.Unmarshal(cols.LocalStorage, &rec.LocalStorage); err != nil {
			return nil, fmt.Errorf("decode local storage: %w", err)
		}
	}
	if len(cols.SessionStorage) > 0 {
		if err := json.Unmarshal(cols.SessionStorage, &rec.SessionStorage); err != nil {
			return nil, fmt.Errorf("decode session storage: %w", err)
		}
	}
	return rec, nil
}

func nonNilCookies(c []Cookie) []Cookie {
	if c == nil {
		return []Cookie{}
	}
	return c
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
