// Package memory holds an in-memory implementation of the auth and audit
// store contracts. It backs tests and local development; semantics mirror the
// PostgreSQL store, including the compare-and-swap rotation guarantee.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"touroffice.org/internal/audit"
	"touroffice.org/internal/auth"
)

// Store keeps everything behind one mutex; contention is irrelevant at the
// scale it serves.
type Store struct {
	mu       sync.Mutex
	users    map[string]*auth.User
	roles    map[string]*auth.Role
	grants   map[string]map[string]bool // userID -> roleID set
	sessions map[string]*auth.RefreshSession
	entries  []audit.Entry
}

var _ auth.Store = (*Store)(nil)
var _ audit.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]*auth.User),
		roles:    make(map[string]*auth.Role),
		grants:   make(map[string]map[string]bool),
		sessions: make(map[string]*auth.RefreshSession),
	}
}

func (s *Store) Users() auth.UserStore       { return (*userStore)(s) }
func (s *Store) Roles() auth.RoleStore       { return (*roleStore)(s) }
func (s *Store) Sessions() auth.SessionStore { return (*sessionStore)(s) }

// --- users ---

type userStore Store

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, u.Username) {
			return fmt.Errorf("%w: username already in use", auth.ErrConflict)
		}
		if strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("%w: email already in use", auth.ErrConflict)
		}
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *userStore) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	t := at.UTC()
	u.LastLoginAt = &t
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *userStore) SetActive(ctx context.Context, userID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.Active = active
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *userStore) UpdatePasswordAndRevokeSessions(ctx context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = time.Now().UTC()
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			sess.Revoked = true
		}
	}
	return nil
}

// --- roles ---

type roleStore Store

func (s *roleStore) Create(ctx context.Context, role *auth.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if strings.EqualFold(existing.Name, role.Name) {
			return fmt.Errorf("%w: role name already in use", auth.ErrConflict)
		}
	}
	now := time.Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	cp := *role
	s.roles[role.ID] = &cp
	return nil
}

func (s *roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (s *roleStore) List(ctx context.Context) ([]auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roles := make([]auth.Role, 0, len(s.roles))
	for _, role := range s.roles {
		roles = append(roles, *role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (s *roleStore) Assign(ctx context.Context, userID, roleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return false, auth.ErrNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return false, auth.ErrNotFound
	}
	set, ok := s.grants[userID]
	if !ok {
		set = make(map[string]bool)
		s.grants[userID] = set
	}
	if set[roleID] {
		return false, nil
	}
	set[roleID] = true
	return true, nil
}

func (s *roleStore) Remove(ctx context.Context, userID, roleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.grants[userID]
	if !ok || !set[roleID] {
		return false, nil
	}
	delete(set, roleID)
	return true, nil
}

func (s *roleStore) NamesForUser(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for roleID := range s.grants[userID] {
		if role, ok := s.roles[roleID]; ok {
			names = append(names, role.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// --- sessions ---

type sessionStore Store

func (s *sessionStore) Create(ctx context.Context, sess *auth.RefreshSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: session already exists", auth.ErrConflict)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *sessionStore) Find(ctx context.Context, id string) (*auth.RefreshSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// Rotate performs the revoke-and-insert under one lock, matching the
// transactional guarantee of the SQL store: exactly one concurrent caller
// observes the session live.
func (s *sessionStore) Rotate(ctx context.Context, id string, now time.Time, successor *auth.RefreshSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Revoked || !sess.ExpiresAt.After(now) {
		return fmt.Errorf("%w: session expired, revoked or unknown", auth.ErrUnauthorized)
	}
	sess.Revoked = true
	cp := *successor
	s.sessions[successor.ID] = &cp
	return nil
}

func (s *sessionStore) Consume(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Revoked || !sess.ExpiresAt.After(now) {
		return fmt.Errorf("%w: session expired, revoked or unknown", auth.ErrUnauthorized)
	}
	sess.Revoked = true
	return nil
}

func (s *sessionStore) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return auth.ErrNotFound
	}
	sess.Revoked = true
	return nil
}

func (s *sessionStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions {
		if sess.UserID == userID && !sess.Revoked {
			sess.Revoked = true
			n++
		}
	}
	return n, nil
}

// --- audit ---

func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return nil
}

func (s *Store) Find(ctx context.Context, id string) (*audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			cp := s.entries[i]
			return &cp, nil
		}
	}
	return nil, audit.ErrNotFound
}

func (s *Store) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := s.filtered(f)
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].OccurredAt.After(matched[j].OccurredAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if f.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *Store) Count(ctx context.Context, f audit.Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.filtered(f))), nil
}

func (s *Store) filtered(f audit.Filter) []audit.Entry {
	var matched []audit.Entry
	for _, e := range s.entries {
		if f.TableName != "" && e.TableName != f.TableName {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.RecordID != "" && e.RecordID != f.RecordID {
			continue
		}
		if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
			continue
		}
		matched = append(matched, e)
	}
	return matched
}
