package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Activity is one audit-log entry.
type Activity struct {
	ID        int64           `json:"id"`
	UserID    *int64          `json:"user_id,omitempty"`
	Username  string          `json:"username,omitempty"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details,omitempty"`
	IPAddress string          `json:"ip_address,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// LogActivity records an action. userID 0 means an anonymous or token caller.
func LogActivity(ctx context.Context, dbx *sql.DB, userID int64, action string, details map[string]any, ip string) error {
	var uid any
	if userID != 0 {
		uid = userID
	}
	var det any
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal activity details: %w", err)
		}
		det = string(b)
	}
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO activity_logs (user_id, action, details, ip_address) VALUES ($1,$2,$3,$4)`,
		uid, action, det, ip)
	return err
}

// ListActivity returns the most recent entries, newest first.
func ListActivity(ctx context.Context, dbx *sql.DB, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := dbx.QueryContext(ctx, `
		SELECT a.id, a.user_id, COALESCE(u.username, ''), a.action, a.details, COALESCE(a.ip_address, ''), a.created_at
		FROM activity_logs a LEFT JOIN users u ON u.id = a.user_id
		ORDER BY a.created_at DESC, a.id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Activity
	for rows.Next() {
		var (
			a   Activity
			uid sql.NullInt64
			det []byte
		)
		if err := rows.Scan(&a.ID, &uid, &a.Username, &a.Action, &det, &a.IPAddress, &a.CreatedAt); err != nil {
			return nil, err
		}
		if uid.Valid {
			v := uid.Int64
			a.UserID = &v
		}
		if len(det) > 0 {
			a.Details = json.RawMessage(det)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
