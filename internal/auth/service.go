package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"touroffice.org/internal/audit"
	"touroffice.org/internal/ids"
	"touroffice.org/internal/obs"
)

const (
	defaultResetTTL   = 30 * time.Minute
	minPasswordLength = 8
)

const (
	tableUsers     = "users"
	tableUserRoles = "user_roles"
	tableSessions  = "refresh_sessions"
)

// Recorder appends entries to the audit trail. A failed append fails the
// operation that triggered it.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Sender delivers password-reset tokens out of band.
type Sender interface {
	SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error
}

// Service orchestrates credential issuance and session lifecycle. It is the
// only sanctioned entry point for anything touching credentials or sessions.
type Service struct {
	store    Store
	tokens   *TokenIssuer
	recorder Recorder
	mailer   Sender
	now      func() time.Time
	resetTTL time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithMailer sets the delivery channel for password-reset tokens. Without a
// mailer, reset tokens are only written to the operator log.
func WithMailer(m Sender) ServiceOption {
	return func(s *Service) { s.mailer = m }
}

// WithResetTTL configures the lifetime of password-reset tokens.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// NewService constructs the auth service.
func NewService(store Store, tokens *TokenIssuer, recorder Recorder, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if tokens == nil {
		return nil, errors.New("auth: token issuer is required")
	}
	if recorder == nil {
		return nil, errors.New("auth: audit recorder is required")
	}
	s := &Service{
		store:    store,
		tokens:   tokens,
		recorder: recorder,
		now:      time.Now,
		resetTTL: defaultResetTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Login authenticates username/password and issues a token pair. Unknown
// username, wrong password and inactive account all return ErrUnauthorized; a
// hash comparison runs on every path so latency does not reveal which check
// failed.
func (s *Service) Login(ctx context.Context, username, password string, origin Origin) (TokenPair, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return TokenPair{}, ErrUnauthorized
	}
	user, err := s.store.Users().FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			verifyDummy(password)
			s.recordLoginFailure(ctx, username, origin)
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, err
	}
	verifyErr := VerifyPassword(user.PasswordHash, password)
	if verifyErr != nil || !user.Active {
		s.recordLoginFailure(ctx, username, origin)
		return TokenPair{}, ErrUnauthorized
	}

	roles, err := s.store.Roles().NamesForUser(ctx, user.ID)
	if err != nil {
		return TokenPair{}, err
	}
	pair, session, err := s.mintPair(ctx, user, roles)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.store.Users().UpdateLastLogin(ctx, user.ID, s.now().UTC()); err != nil {
		return TokenPair{}, err
	}
	if err := s.recorder.Record(ctx, audit.Entry{
		TableName:     tableSessions,
		Action:        audit.ActionLogin,
		RecordID:      session.ID,
		ActorID:       user.ID,
		ActorUsername: user.Username,
		Origin:        origin.String(),
		Description:   "user logged in",
	}); err != nil {
		return TokenPair{}, err
	}
	obs.AuthLogins.WithLabelValues("success").Inc()
	return pair, nil
}

// Register creates a new, active user. Username and email must be unique
// (case-insensitive); conflicts name the offending field. No auto-login.
func (s *Service) Register(ctx context.Context, in RegisterInput, origin Origin) (*User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	email := strings.TrimSpace(strings.ToLower(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(in.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
		Phone:        strings.TrimSpace(in.Phone),
		Active:       true,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	if err := s.recorder.Record(ctx, audit.Entry{
		TableName:     tableUsers,
		Action:        audit.ActionRegister,
		RecordID:      user.ID,
		ActorID:       user.ID,
		ActorUsername: user.Username,
		Origin:        origin.String(),
		NewValue:      userSnapshot(user),
		Description:   "user registered",
	}); err != nil {
		return nil, err
	}
	return user, nil
}

// Refresh exchanges a valid refresh token for a new pair, revoking the one
// presented. Expired, revoked and unknown tokens are indistinguishable to the
// caller; the rotation compare-and-swap guarantees at most one concurrent
// consumer succeeds. Role claims are re-resolved here, so role changes take
// effect on the next rotation, not on access tokens already in flight.
func (s *Service) Refresh(ctx context.Context, refreshValue string, origin Origin) (TokenPair, error) {
	id, secret, err := splitSessionValue(refreshValue)
	if err != nil {
		obs.AuthRefreshes.WithLabelValues("failure").Inc()
		return TokenPair{}, ErrUnauthorized
	}
	sessions := s.store.Sessions()
	rec, err := sessions.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthRefreshes.WithLabelValues("failure").Inc()
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, err
	}
	if rec.Purpose != SessionPurposeRefresh {
		obs.AuthRefreshes.WithLabelValues("failure").Inc()
		return TokenPair{}, ErrUnauthorized
	}
	if !matchSessionSecret(rec.TokenHash, secret) {
		// Wrong secret for a known ledger row is tampering; kill the session.
		_ = sessions.Revoke(ctx, rec.ID)
		obs.AuthRefreshes.WithLabelValues("failure").Inc()
		return TokenPair{}, ErrUnauthorized
	}

	user, err := s.store.Users().Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.AuthRefreshes.WithLabelValues("failure").Inc()
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, err
	}
	if !user.Active {
		obs.AuthRefreshes.WithLabelValues("failure").Inc()
		return TokenPair{}, ErrUnauthorized
	}
	roles, err := s.store.Roles().NamesForUser(ctx, user.ID)
	if err != nil {
		return TokenPair{}, err
	}

	access, accessExp, err := s.tokens.IssueAccessToken(user, roles)
	if err != nil {
		return TokenPair{}, err
	}
	now := s.now()
	value, successor, err := newSession(user.ID, SessionPurposeRefresh, now, s.tokens.RefreshTTL())
	if err != nil {
		return TokenPair{}, err
	}
	successor.PredecessorID = rec.ID
	if err := sessions.Rotate(ctx, rec.ID, now, successor); err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) {
			obs.AuthRefreshes.WithLabelValues("failure").Inc()
			return TokenPair{}, ErrUnauthorized
		}
		return TokenPair{}, err
	}
	if err := s.recorder.Record(ctx, audit.Entry{
		TableName:     tableSessions,
		Action:        audit.ActionTokenRefresh,
		RecordID:      successor.ID,
		ActorID:       user.ID,
		ActorUsername: user.Username,
		Origin:        origin.String(),
		Description:   fmt.Sprintf("rotated session %s", rec.ID),
	}); err != nil {
		return TokenPair{}, err
	}
	obs.AuthRefreshes.WithLabelValues("success").Inc()
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: successor.ExpiresAt,
	}, nil
}

// ChangePassword verifies the current password, rehashes, and revokes every
// outstanding session for the user so a stolen device is cut off immediately.
// The hash update and the revocation share one transaction.
func (s *Service) ChangePassword(ctx context.Context, userID, current, newPassword string, origin Origin) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return ErrUnauthorized
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Users().UpdatePasswordAndRevokeSessions(ctx, userID, hash); err != nil {
		return err
	}
	return s.recorder.Record(ctx, audit.Entry{
		TableName:     tableUsers,
		Action:        audit.ActionPasswordChange,
		RecordID:      user.ID,
		ActorID:       user.ID,
		ActorUsername: user.Username,
		Origin:        origin.String(),
		Description:   "password changed, all sessions revoked",
	})
}

// RequestPasswordReset creates a single-use reset token for the account
// behind the email, if one exists. The return value never discloses account
// existence; delivery happens out of band.
func (s *Service) RequestPasswordReset(ctx context.Context, email string, origin Origin) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !user.Active {
		return nil
	}
	value, rec, err := newSession(user.ID, SessionPurposePasswordReset, s.now(), s.resetTTL)
	if err != nil {
		return err
	}
	if err := s.store.Sessions().Create(ctx, rec); err != nil {
		return err
	}
	if s.mailer != nil {
		if err := s.mailer.SendPasswordReset(ctx, user.Email, value, rec.ExpiresAt); err != nil {
			// Delivery failure must not leak account existence to the caller.
			obs.Logger().Printf(`{"level":"error","msg":"password reset delivery failed","user_id":%q}`, user.ID)
		}
	} else {
		obs.Logger().Printf(`{"level":"info","msg":"password reset token issued","user_id":%q,"expires_at":%q}`, user.ID, rec.ExpiresAt.Format(time.RFC3339))
	}
	return s.recorder.Record(ctx, audit.Entry{
		TableName:     tableSessions,
		Action:        audit.ActionPasswordResetRequest,
		RecordID:      rec.ID,
		ActorID:       user.ID,
		ActorUsername: user.Username,
		Origin:        origin.String(),
		Description:   "password reset requested",
	})
}

// CompletePasswordReset consumes a reset token and sets the new password,
// revoking all outstanding sessions. Reset tokens are single-use: the consume
// compare-and-swap rejects a second attempt.
func (s *Service) CompletePasswordReset(ctx context.Context, resetValue, newPassword string, origin Origin) error {
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	id, secret, err := splitSessionValue(resetValue)
	if err != nil {
		return ErrUnauthorized
	}
	sessions := s.store.Sessions()
	rec, err := sessions.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	if rec.Purpose != SessionPurposePasswordReset || !matchSessionSecret(rec.TokenHash, secret) {
		return ErrUnauthorized
	}
	if err := sessions.Consume(ctx, rec.ID, s.now()); err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	user, err := s.store.Users().Find(ctx, rec.UserID)
	if err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.Users().UpdatePasswordAndRevokeSessions(ctx, user.ID, hash); err != nil {
		return err
	}
	return s.recorder.Record(ctx, audit.Entry{
		TableName:     tableUsers,
		Action:        audit.ActionPasswordReset,
		RecordID:      user.ID,
		ActorID:       user.ID,
		ActorUsername: user.Username,
		Origin:        origin.String(),
		Description:   "password reset completed, all sessions revoked",
	})
}

// AssignRole grants a role to a user. Assigning an already-held role is a
// no-op success; the returned bool reports whether a new assignment was
// created. Missing user or role surfaces as ErrNotFound.
func (s *Service) AssignRole(ctx context.Context, userID, roleID string, actor Principal, origin Origin) (bool, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return false, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	if _, err := s.store.Users().Find(ctx, userID); err != nil {
		return false, err
	}
	role, err := s.store.Roles().Find(ctx, roleID)
	if err != nil {
		return false, err
	}
	assigned, err := s.store.Roles().Assign(ctx, userID, roleID)
	if err != nil {
		return false, err
	}
	if !assigned {
		return false, nil
	}
	newValue, _ := json.Marshal(map[string]string{"user_id": userID, "role_id": roleID, "role": role.Name})
	if err := s.recorder.Record(ctx, audit.Entry{
		TableName:     tableUserRoles,
		Action:        audit.ActionRoleAssign,
		RecordID:      userID,
		ActorID:       actorID(actor),
		ActorUsername: actorName(actor),
		Origin:        origin.String(),
		NewValue:      newValue,
		Description:   fmt.Sprintf("role %s assigned", role.Name),
	}); err != nil {
		return true, err
	}
	return true, nil
}

// RemoveRole revokes a role from a user. Removing a role the user does not
// hold returns (false, nil), not an error.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID string, actor Principal, origin Origin) (bool, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return false, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	removed, err := s.store.Roles().Remove(ctx, userID, roleID)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	oldValue, _ := json.Marshal(map[string]string{"user_id": userID, "role_id": roleID})
	if err := s.recorder.Record(ctx, audit.Entry{
		TableName:     tableUserRoles,
		Action:        audit.ActionRoleRemove,
		RecordID:      userID,
		ActorID:       actorID(actor),
		ActorUsername: actorName(actor),
		Origin:        origin.String(),
		OldValue:      oldValue,
		Description:   "role removed",
	}); err != nil {
		return true, err
	}
	return true, nil
}

// CreateRole adds a role to the catalog.
func (s *Service) CreateRole(ctx context.Context, name, description string, actor Principal, origin Origin) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role := &Role{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(description),
	}
	if err := s.store.Roles().Create(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// ListRoles returns the role catalog.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.Roles().List(ctx)
}

// Logout revokes the session behind the presented refresh token. Access
// tokens already issued stay valid until their short expiry elapses; that is
// the accepted trade-off of stateless access tokens, not a bug.
func (s *Service) Logout(ctx context.Context, refreshValue string, origin Origin) error {
	id, secret, err := splitSessionValue(refreshValue)
	if err != nil {
		return ErrUnauthorized
	}
	sessions := s.store.Sessions()
	rec, err := sessions.Find(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthorized
		}
		return err
	}
	if rec.Purpose != SessionPurposeRefresh || !matchSessionSecret(rec.TokenHash, secret) {
		return ErrUnauthorized
	}
	if err := sessions.Revoke(ctx, rec.ID); err != nil {
		return err
	}
	return s.recorder.Record(ctx, audit.Entry{
		TableName:   tableSessions,
		Action:      audit.ActionLogout,
		RecordID:    rec.ID,
		ActorID:     rec.UserID,
		Origin:      origin.String(),
		Description: "session revoked at logout",
	})
}

// LogoutAll revokes every outstanding session for the user.
func (s *Service) LogoutAll(ctx context.Context, userID string, origin Origin) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}
	n, err := s.store.Sessions().RevokeAllForUser(ctx, userID)
	if err != nil {
		return err
	}
	return s.recorder.Record(ctx, audit.Entry{
		TableName:     tableSessions,
		Action:        audit.ActionLogoutAll,
		RecordID:      userID,
		ActorID:       user.ID,
		ActorUsername: user.Username,
		Origin:        origin.String(),
		Description:   fmt.Sprintf("%d sessions revoked", n),
	})
}

// SetUserActive toggles the soft lifecycle flag. Deactivation also revokes
// every outstanding session; accounts are deactivated, never hard-deleted,
// so audit history keeps a valid reference.
func (s *Service) SetUserActive(ctx context.Context, userID string, active bool, actor Principal, origin Origin) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}
	if user.Active == active {
		return nil
	}
	if err := s.store.Users().SetActive(ctx, userID, active); err != nil {
		return err
	}
	action := audit.ActionUserActivate
	if !active {
		action = audit.ActionUserDeactivate
		if _, err := s.store.Sessions().RevokeAllForUser(ctx, userID); err != nil {
			return err
		}
	}
	oldValue, _ := json.Marshal(map[string]bool{"active": user.Active})
	newValue, _ := json.Marshal(map[string]bool{"active": active})
	return s.recorder.Record(ctx, audit.Entry{
		TableName:     tableUsers,
		Action:        action,
		RecordID:      userID,
		ActorID:       actorID(actor),
		ActorUsername: actorName(actor),
		Origin:        origin.String(),
		OldValue:      oldValue,
		NewValue:      newValue,
	})
}

// AuthenticateToken validates an access token and resolves its principal.
func (s *Service) AuthenticateToken(ctx context.Context, raw string) (Principal, error) {
	claims, err := s.tokens.ValidateAccessToken(raw)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	user, err := s.store.Users().Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrInvalidToken
		}
		return Principal{}, err
	}
	if !user.Active {
		return Principal{}, ErrInvalidToken
	}
	return Principal{User: user, Roles: claims.Roles}, nil
}

func (s *Service) mintPair(ctx context.Context, user *User, roles []string) (TokenPair, *RefreshSession, error) {
	access, accessExp, err := s.tokens.IssueAccessToken(user, roles)
	if err != nil {
		return TokenPair{}, nil, err
	}
	value, rec, err := newSession(user.ID, SessionPurposeRefresh, s.now(), s.tokens.RefreshTTL())
	if err != nil {
		return TokenPair{}, nil, err
	}
	if err := s.store.Sessions().Create(ctx, rec); err != nil {
		return TokenPair{}, nil, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, rec, nil
}

// recordLoginFailure audits a failed attempt with no actor reference. Audit
// trouble here is logged rather than surfaced: the caller already gets
// ErrUnauthorized.
func (s *Service) recordLoginFailure(ctx context.Context, username string, origin Origin) {
	obs.AuthLogins.WithLabelValues("failure").Inc()
	if err := s.recorder.Record(ctx, audit.Entry{
		TableName:   tableUsers,
		Action:      audit.ActionLoginFailed,
		Origin:      origin.String(),
		Description: fmt.Sprintf("failed login for %q", username),
	}); err != nil {
		obs.Logger().Printf(`{"level":"error","msg":"audit append failed","action":"login_failed"}`)
	}
}

func userSnapshot(u *User) json.RawMessage {
	data, err := json.Marshal(u)
	if err != nil {
		return nil
	}
	return data
}

func actorID(p Principal) string {
	if p.User == nil {
		return ""
	}
	return p.User.ID
}

func actorName(p Principal) string {
	if p.User == nil {
		return ""
	}
	return p.User.Username
}
