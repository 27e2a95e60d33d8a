// Package store persists profile archives and captured session state per model account.
// Writes are last-write-wins; there is no versioning.
package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Cookie is a browser cookie as captured from a logged-in session.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expiry,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// SessionRecord is the site state needed to resume a login without the profile archive.
type SessionRecord struct {
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"local_storage"`
	SessionStorage map[string]string `json:"session_storage"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Empty reports whether nothing was captured.
func (r *SessionRecord) Empty() bool {
	return r == nil || (len(r.Cookies) == 0 && len(r.LocalStorage) == 0 && len(r.SessionStorage) == 0)
}

// Store is the remote store of archives and session state.
type Store interface {
	// GetBackup returns the base64 archive, or "" when none exists.
	GetBackup(ctx context.Context, accountID int64) (string, error)
	PutBackup(ctx context.Context, accountID int64, encoded string) error
	// GetSession returns nil when no state was captured.
	GetSession(ctx context.Context, accountID int64) (*SessionRecord, error)
	PutSession(ctx context.Context, accountID int64, rec SessionRecord) error
}

// Memory is an in-process Store.
type Memory struct {
	mu       sync.Mutex
	backups  map[int64]string
	sessions map[int64][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{backups: map[int64]string{}, sessions: map[int64][]byte{}}
}

func (m *Memory) GetBackup(_ context.Context, id int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backups[id], nil
}

func (m *Memory) PutBackup(_ context.Context, id int64, encoded string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups[id] = encoded
	return nil
}

func (m *Memory) GetSession(_ context.Context, id int64) (*SessionRecord, error) {
	m.mu.Lock()
	b, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var rec SessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *Memory) PutSession(_ context.Context, id int64, rec SessionRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = b
	return nil
}
