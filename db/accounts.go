package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/St-Ryzen/MNL/crypto"
)

// ModelAccount is a creator account operated through a browser profile.
type ModelAccount struct {
	ID                 int64      `json:"id"`
	ModelUsername      string     `json:"model_username"`
	ActualUsername     string     `json:"actual_username"`
	AssignedChatterIDs []int64    `json:"assigned_chatter_ids"`
	HasBackup          bool       `json:"has_backup"`
	LastSessionUpdate  *time.Time `json:"last_session_update,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// IsAssigned reports whether the chatter may use the account.
func (a *ModelAccount) IsAssigned(userID int64) bool {
	return slices.Contains(a.AssignedChatterIDs, userID)
}

const accountCols = `id, model_username, actual_username, COALESCE(assigned_chatter_ids, '{}'),
	COALESCE(browser_profile_backup, '') <> '', last_session_update, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*ModelAccount, error) {
	var (
		a    ModelAccount
		ids  []int64
		last sql.NullTime
	)
	err := row.Scan(&a.ID, &a.ModelUsername, &a.ActualUsername, pgtype.NewMap().SQLScanner(&ids), &a.HasBackup, &last, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.AssignedChatterIDs = ids
	if a.AssignedChatterIDs == nil {
		a.AssignedChatterIDs = []int64{}
	}
	if last.Valid {
		t := last.Time
		a.LastSessionUpdate = &t
	}
	return &a, nil
}

// CreateAccount inserts a model account with its password sealed by enc.
// A taken model username yields ErrDuplicate.
func CreateAccount(ctx context.Context, dbx *sql.DB, enc crypto.Encryptor, modelUsername, actualUsername, password string, chatterIDs []int64) (*ModelAccount, error) {
	if enc == nil {
		return nil, errors.New("account passwords require an encryption key")
	}
	sealed, err := crypto.Seal(enc, password)
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}
	if chatterIDs == nil {
		chatterIDs = []int64{}
	}
	row := dbx.QueryRowContext(ctx,
		`INSERT INTO model_accounts (model_username, actual_username, encrypted_password, encryption_version, encryption_key_id, assigned_chatter_ids)
		 VALUES ($1,$2,$3,1,$4,$5) RETURNING `+accountCols,
		modelUsername, actualUsername, sealed.Value, sealed.KeyID, chatterIDs)
	a, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("model account %q: %w", modelUsername, ErrDuplicate)
		}
		return nil, err
	}
	return a, nil
}

// GetAccount loads one account.
func GetAccount(ctx context.Context, dbx *sql.DB, id int64) (*ModelAccount, error) {
	return scanAccount(dbx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM model_accounts WHERE id=$1`, id))
}

// ListAccounts returns all accounts, or only those assigned to chatterID when it is non-zero.
func ListAccounts(ctx context.Context, dbx *sql.DB, chatterID int64) ([]ModelAccount, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if chatterID == 0 {
		rows, err = dbx.QueryContext(ctx, `SELECT `+accountCols+` FROM model_accounts ORDER BY id`)
	} else {
		rows, err = dbx.QueryContext(ctx, `SELECT `+accountCols+` FROM model_accounts WHERE $1::bigint = ANY(assigned_chatter_ids) ORDER BY id`, chatterID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []ModelAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// AccountPassword returns the decrypted login password of an account.
func AccountPassword(ctx context.Context, dbx *sql.DB, enc crypto.Encryptor, id int64) (string, error) {
	var (
		s       crypto.Sealed
		keyID   sql.NullString
		version int
	)
	err := dbx.QueryRowContext(ctx,
		`SELECT encrypted_password, encryption_key_id, encryption_version FROM model_accounts WHERE id=$1`, id).
		Scan(&s.Value, &keyID, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if version == 0 {
		return s.Value, nil
	}
	if enc == nil {
		return "", errors.New("password is encrypted but no encryption key is configured")
	}
	s.KeyID = keyID.String
	pw, err := crypto.Open(enc, s)
	if err != nil {
		return "", fmt.Errorf("decrypt password for account %d: %w", id, err)
	}
	return pw, nil
}

// SetAssignments replaces the chatter list of an account.
func SetAssignments(ctx context.Context, dbx *sql.DB, id int64, chatterIDs []int64) error {
	if chatterIDs == nil {
		chatterIDs = []int64{}
	}
	res, err := dbx.ExecContext(ctx, `UPDATE model_accounts SET assigned_chatter_ids=$2 WHERE id=$1`, id, chatterIDs)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Assignment actions accepted by ApplyAssignment.
const (
	ActionAssign      = "assign"
	ActionUnassign    = "unassign"
	ActionUnassignAll = "unassign_all"
)

// ApplyAssignment returns the chatter list after applying action for chatterID.
// Assigning an already assigned chatter is a no-op.
func ApplyAssignment(current []int64, action string, chatterID int64) ([]int64, error) {
	out := slices.Clone(current)
	switch action {
	case ActionAssign:
		if !slices.Contains(out, chatterID) {
			out = append(out, chatterID)
		}
	case ActionUnassign:
		out = slices.DeleteFunc(out, func(id int64) bool { return id == chatterID })
	case ActionUnassignAll:
		out = []int64{}
	default:
		return nil, fmt.Errorf("invalid action %q", action)
	}
	if out == nil {
		out = []int64{}
	}
	return out, nil
}

// DeleteAccount removes an account row.
func DeleteAccount(ctx context.Context, dbx *sql.DB, id int64) error {
	res, err := dbx.ExecContext(ctx, `DELETE FROM model_accounts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProfileBackup returns the stored base64 archive; empty when none.
func GetProfileBackup(ctx context.Context, dbx *sql.DB, id int64) (string, error) {
	var v sql.NullString
	err := dbx.QueryRowContext(ctx, `SELECT browser_profile_backup FROM model_accounts WHERE id=$1`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v.String, err
}

// SetProfileBackup overwrites the stored archive.
func SetProfileBackup(ctx context.Context, dbx *sql.DB, id int64, encoded string) error {
	res, err := dbx.ExecContext(ctx, `UPDATE model_accounts SET browser_profile_backup=$2 WHERE id=$1`, id, encoded)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SessionColumns is the raw JSON session state of an account.
type SessionColumns struct {
	Cookies        []byte
	LocalStorage   []byte
	SessionStorage []byte
	UpdatedAt      time.Time
}

// GetSessionColumns loads the session state; nil slices when never captured.
func GetSessionColumns(ctx context.Context, dbx *sql.DB, id int64) (*SessionColumns, error) {
	var (
		sc   SessionColumns
		last sql.NullTime
	)
	err := dbx.QueryRowContext(ctx,
		`SELECT session_cookies, auth_tokens, session_storage, last_session_update FROM model_accounts WHERE id=$1`, id).
		Scan(&sc.Cookies, &sc.LocalStorage, &sc.SessionStorage, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sc.UpdatedAt = last.Time
	return &sc, nil
}

// SetSessionColumns stores session state and stamps last_session_update.
func SetSessionColumns(ctx context.Context, dbx *sql.DB, id int64, sc SessionColumns) error {
	res, err := dbx.ExecContext(ctx,
		`UPDATE model_accounts SET session_cookies=$2, auth_tokens=$3, session_storage=$4, last_session_update=NOW() WHERE id=$1`,
		id, jsonArg(sc.Cookies), jsonArg(sc.LocalStorage), jsonArg(sc.SessionStorage))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
