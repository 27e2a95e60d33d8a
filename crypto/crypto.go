// Package crypto seals model-account credentials at rest with AES-256-GCM.
// Sealed values are base64 text so they fit the encrypted_password column, and every sealed value
// records the key id that produced it so a rotated key is detected instead of silently failing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrKeyMismatch is returned when a value was sealed with a different key than the one loaded.
var ErrKeyMismatch = errors.New("sealed with a different encryption key")

// Encryptor is an AEAD over raw bytes.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	// KeyID identifies the key without revealing it.
	KeyID() string
}

// AESEncryptor implements Encryptor using AES-256-GCM with a random 12-byte nonce prefix.
type AESEncryptor struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (generate one with `openssl rand -base64 32`).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESEncryptor{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID returns the first four bytes of the key's SHA-256 in hex.
func (e *AESEncryptor) KeyID() string { return e.keyID }

// Encrypt returns nonce || ciphertext || tag.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt authenticates and decrypts a value produced by Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(ciphertext) < ns+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes", len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], nil)
	if err != nil {
		// no detail: the GCM error would only hint at what was tampered with
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// Sealed is a credential as persisted: base64 ciphertext plus the id of the key that sealed it.
type Sealed struct {
	Value string
	KeyID string
}

// Seal encrypts a credential for storage. Empty input seals to an empty value.
func Seal(enc Encryptor, plaintext string) (Sealed, error) {
	if plaintext == "" {
		return Sealed{}, nil
	}
	ct, err := enc.Encrypt([]byte(plaintext))
	if err != nil {
		return Sealed{}, err
	}
	return Sealed{Value: base64.StdEncoding.EncodeToString(ct), KeyID: enc.KeyID()}, nil
}

// Open reverses Seal. A non-empty KeyID that differs from the encryptor's yields ErrKeyMismatch.
func Open(enc Encryptor, s Sealed) (string, error) {
	if s.Value == "" {
		return "", nil
	}
	if s.KeyID != "" && s.KeyID != enc.KeyID() {
		return "", fmt.Errorf("key %s: %w", s.KeyID, ErrKeyMismatch)
	}
	ct, err := base64.StdEncoding.DecodeString(s.Value)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	pt, err := enc.Decrypt(ct)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// GenerateKey returns a fresh base64-encoded 32-byte key.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
