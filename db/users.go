package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is an operator of the service: an admin or a chatter.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

const userCols = `id, username, password_hash, is_admin, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user. A taken username yields ErrDuplicate.
func CreateUser(ctx context.Context, dbx *sql.DB, username, passwordHash string, isAdmin bool) (*User, error) {
	row := dbx.QueryRowContext(ctx,
		`INSERT INTO users (username, password_hash, is_admin) VALUES ($1,$2,$3) RETURNING `+userCols,
		username, passwordHash, isAdmin)
	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %q: %w", username, ErrDuplicate)
		}
		return nil, err
	}
	return u, nil
}

// GetUser loads a user by id.
func GetUser(ctx context.Context, dbx *sql.DB, id int64) (*User, error) {
	return scanUser(dbx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
}

// GetUserByUsername loads a user by username.
func GetUserByUsername(ctx context.Context, dbx *sql.DB, username string) (*User, error) {
	return scanUser(dbx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE username=$1`, username))
}

// ListUsers returns all users, oldest first. With chattersOnly set admins are left out.
func ListUsers(ctx context.Context, dbx *sql.DB, chattersOnly bool) ([]User, error) {
	q := `SELECT ` + userCols + ` FROM users`
	if chattersOnly {
		q += ` WHERE NOT is_admin`
	}
	q += ` ORDER BY id`
	rows, err := dbx.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

// DeleteUser removes a user and drops it from every account assignment.
func DeleteUser(ctx context.Context, dbx *sql.DB, id int64) error {
	tx, err := dbx.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE model_accounts SET assigned_chatter_ids = array_remove(assigned_chatter_ids, $1::bigint)
		 WHERE $1::bigint = ANY(assigned_chatter_ids)`, id); err != nil {
		return fmt.Errorf("remove assignments: %w", err)
	}
	return tx.Commit()
}

// AdminExists reports whether at least one admin user exists.
func AdminExists(ctx context.Context, dbx *sql.DB) (bool, error) {
	var ok bool
	err := dbx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE is_admin)`).Scan(&ok)
	return ok, err
}
