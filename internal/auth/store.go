package auth

import (
	"context"
	"time"
)

// Store describes the persistence operations required by the auth subsystem.
// Writes that must be atomic across tables (password change plus session
// containment, refresh rotation) are single store methods so the
// implementation can wrap them in one transaction.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Sessions() SessionStore
}

// UserStore manages user records. Username and email lookups are
// case-insensitive; uniqueness is enforced by the storage layer the same way.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	SetActive(ctx context.Context, userID string, active bool) error
	// UpdatePasswordAndRevokeSessions persists the new hash and revokes every
	// outstanding session for the user in one transaction. Either both happen
	// or neither does.
	UpdatePasswordAndRevokeSessions(ctx context.Context, userID, passwordHash string) error
}

// RoleStore manages roles and the user-role join table.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	List(ctx context.Context) ([]Role, error)
	// Assign reports whether a new assignment row was created. Assigning an
	// already-held role is a no-op: the storage uniqueness constraint closes
	// the check-then-act race, not an application-level existence check.
	Assign(ctx context.Context, userID, roleID string) (bool, error)
	// Remove reports whether an assignment row was deleted.
	Remove(ctx context.Context, userID, roleID string) (bool, error)
	NamesForUser(ctx context.Context, userID string) ([]string, error)
}

// SessionStore manages the refresh-session ledger. No update beyond revocation
// is exposed; ledger rows are otherwise immutable.
type SessionStore interface {
	Create(ctx context.Context, s *RefreshSession) error
	Find(ctx context.Context, id string) (*RefreshSession, error)
	// Rotate atomically revokes the session iff it is still active at `now`
	// and inserts the successor row. When the compare-and-swap finds the row
	// already revoked, expired or missing it returns ErrUnauthorized and
	// writes nothing; under concurrent consumption at most one caller wins.
	Rotate(ctx context.Context, id string, now time.Time, successor *RefreshSession) error
	// Consume is Rotate without a successor, used for single-use reset tokens.
	Consume(ctx context.Context, id string, now time.Time) error
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}
