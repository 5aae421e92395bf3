package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"touroffice.org/internal/auth"
)

type userStore struct{ db *sql.DB }

const userColumns = `id, username, email, password_hash, first_name, last_name, phone, active, last_login_at, created_at, updated_at`

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, username, email, password_hash, first_name, last_name, phone, active)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning created_at, updated_at
	`, u.ID, u.Username, u.Email, u.PasswordHash,
		nullIfEmpty(u.FirstName), nullIfEmpty(u.LastName), nullIfEmpty(u.Phone), u.Active)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "email") {
				return fmt.Errorf("%w: email already in use", auth.ErrConflict)
			}
			return fmt.Errorf("%w: username already in use", auth.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id = $1`, id))
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(username) = lower($1)`, username))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(email) = lower($1)`, email))
}

func (s *userStore) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update users set last_login_at = $2, updated_at = now() where id = $1`, userID, at)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *userStore) SetActive(ctx context.Context, userID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update users set active = $2, updated_at = now() where id = $1`, userID, active)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// UpdatePasswordAndRevokeSessions commits the new hash and the session purge
// together: a password change with surviving sessions is an inconsistent
// state this transaction makes impossible.
func (s *userStore) UpdatePasswordAndRevokeSessions(ctx context.Context, userID, passwordHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update users set password_hash = $2, updated_at = now() where id = $1`, userID, passwordHash)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`update refresh_sessions set revoked = true where user_id = $1 and not revoked`, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *userStore) scanOne(row *sql.Row) (*auth.User, error) {
	var (
		u         auth.User
		firstName sql.NullString
		lastName  sql.NullString
		phone     sql.NullString
		lastLogin sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&firstName, &lastName, &phone, &u.Active, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.Phone = phone.String
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func requireAffected(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}
