package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"touroffice.org/internal/auth"
)

type sessionStore struct{ db *sql.DB }

const sessionColumns = `id, user_id, token_hash, purpose, issued_at, expires_at, revoked, predecessor_id`

func (s *sessionStore) Create(ctx context.Context, sess *auth.RefreshSession) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_sessions (id, user_id, token_hash, purpose, issued_at, expires_at, revoked, predecessor_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.UserID, sess.TokenHash, sess.Purpose,
		sess.IssuedAt, sess.ExpiresAt, sess.Revoked, nullIfEmpty(sess.PredecessorID))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: session already exists", auth.ErrConflict)
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: user does not exist", auth.ErrNotFound)
			}
		}
		return err
	}
	return nil
}

func (s *sessionStore) Find(ctx context.Context, id string) (*auth.RefreshSession, error) {
	var (
		sess        auth.RefreshSession
		predecessor sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`select `+sessionColumns+` from refresh_sessions where id = $1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.Purpose,
		&sess.IssuedAt, &sess.ExpiresAt, &sess.Revoked, &predecessor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.PredecessorID = predecessor.String
	return &sess, nil
}

// Rotate retires a live session and records its successor in one transaction.
// The revoke update is the linearization point: it matches only a session
// that is still unrevoked and unexpired, so of N concurrent rotations exactly
// one sees a row affected and the rest get ErrUnauthorized.
func (s *sessionStore) Rotate(ctx context.Context, id string, now time.Time, successor *auth.RefreshSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_sessions
		set revoked = true
		where id = $1 and not revoked and expires_at > $2
	`, id, now)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: session expired, revoked or unknown", auth.ErrUnauthorized)
	}

	if _, err := tx.ExecContext(ctx, `
		insert into refresh_sessions (id, user_id, token_hash, purpose, issued_at, expires_at, revoked, predecessor_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, successor.ID, successor.UserID, successor.TokenHash, successor.Purpose,
		successor.IssuedAt, successor.ExpiresAt, successor.Revoked, nullIfEmpty(successor.PredecessorID)); err != nil {
		return err
	}
	return tx.Commit()
}

// Consume revokes a live session with no successor. Single-use tokens (reset
// flow) go through here; the same guarded update keeps it first-wins.
func (s *sessionStore) Consume(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_sessions
		set revoked = true
		where id = $1 and not revoked and expires_at > $2
	`, id, now)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: session expired, revoked or unknown", auth.ErrUnauthorized)
	}
	return nil
}

func (s *sessionStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_sessions set revoked = true where id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *sessionStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_sessions set revoked = true where user_id = $1 and not revoked`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
