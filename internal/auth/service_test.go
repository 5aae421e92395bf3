package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"touroffice.org/internal/audit"
	"touroffice.org/internal/auth"
	"touroffice.org/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureSender struct {
	mu     sync.Mutex
	email  string
	token  string
	expiry time.Time
	calls  int
}

func (s *captureSender) SendPasswordReset(ctx context.Context, email, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.email = email
	s.token = token
	s.expiry = expiresAt
	s.calls++
	return nil
}

type fixture struct {
	svc      *auth.Service
	store    *memory.Store
	recorder *audit.Recorder
	clock    *testClock
	sender   *captureSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	recorder, err := audit.NewRecorder(store, audit.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		SigningKey: []byte("test-secret"),
		Issuer:     "test-issuer",
		Audience:   "test-audience",
	}, auth.WithTokenClock(clock.Now))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	sender := &captureSender{}
	svc, err := auth.NewService(store, issuer, recorder,
		auth.WithClock(clock.Now),
		auth.WithMailer(sender),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{svc: svc, store: store, recorder: recorder, clock: clock, sender: sender}
}

func (f *fixture) register(t *testing.T, username, email, password string) *auth.User {
	t.Helper()
	user, err := f.svc.Register(context.Background(), auth.RegisterInput{
		Username: username,
		Email:    email,
		Password: password,
	}, auth.Origin{IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Register %s: %v", username, err)
	}
	return user
}

func TestRegisterLoginRefreshLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := f.register(t, "alice", "alice@example.com", "initial-password")
	if !user.Active {
		t.Fatal("new users must be active")
	}
	if user.PasswordHash == "initial-password" {
		t.Fatal("password stored as plaintext")
	}

	pair, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	principal, err := f.svc.AuthenticateToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("AuthenticateToken: %v", err)
	}
	if principal.User.Username != "alice" {
		t.Fatalf("unexpected principal: %+v", principal.User)
	}

	// Rotate: a new pair comes back and the presented token dies.
	pair2, err := f.svc.Refresh(ctx, pair.RefreshToken, auth.Origin{})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair2.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh value was not rotated")
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("replayed refresh token accepted: %v", err)
	}

	// The successor chain keeps working.
	if _, err := f.svc.Refresh(ctx, pair2.RefreshToken, auth.Origin{}); err != nil {
		t.Fatalf("successor refresh: %v", err)
	}
}

func TestLoginFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "alice", "alice@example.com", "initial-password")

	cases := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "not-the-password"},
		{"unknown user", "nobody", "initial-password"},
		{"empty username", "", "initial-password"},
		{"empty password", "alice", ""},
	}
	for _, tc := range cases {
		if _, err := f.svc.Login(ctx, tc.username, tc.password, auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", tc.name, err)
		}
	}

	if err := f.svc.SetUserActive(ctx, user.ID, false, auth.Principal{}, auth.Origin{}); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	if _, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("inactive account logged in: %v", err)
	}
}

func TestRegisterConflictsAreCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "alice@example.com", "initial-password")

	_, err := f.svc.Register(ctx, auth.RegisterInput{
		Username: "ALICE",
		Email:    "other@example.com",
		Password: "whatever-pass",
	}, auth.Origin{})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected username conflict, got %v", err)
	}

	_, err = f.svc.Register(ctx, auth.RegisterInput{
		Username: "bob",
		Email:    "Alice@Example.COM",
		Password: "whatever-pass",
	}, auth.Origin{})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected email conflict, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []auth.RegisterInput{
		{Username: "", Email: "a@b.c", Password: "long-enough"},
		{Username: "bob", Email: "", Password: "long-enough"},
		{Username: "bob", Email: "not-an-email", Password: "long-enough"},
		{Username: "bob", Email: "a@b.c", Password: "short"},
	}
	for i, in := range cases {
		if _, err := f.svc.Register(ctx, in, auth.Origin{}); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestRefreshExpiredSessionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "alice@example.com", "initial-password")

	pair, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.clock.Advance(15 * 24 * time.Hour)
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expired refresh token accepted: %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "alice@example.com", "initial-password")

	pair, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		successes int
		failures  int
		mu        sync.Mutex
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(ctx, pair.RefreshToken, auth.Origin{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, auth.ErrUnauthorized):
				failures++
			default:
				t.Errorf("unexpected refresh error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d", successes)
	}
	if failures != workers-1 {
		t.Fatalf("expected %d rejections, got %d", workers-1, failures)
	}
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "alice", "alice@example.com", "initial-password")

	pair, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := f.svc.ChangePassword(ctx, user.ID, "wrong-current", "updated-password", auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("wrong current password accepted: %v", err)
	}
	if err := f.svc.ChangePassword(ctx, user.ID, "initial-password", "updated-password", auth.Origin{}); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	// Pre-change sessions are dead.
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("pre-change refresh token survived: %v", err)
	}
	if _, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := f.svc.Login(ctx, "alice", "updated-password", auth.Origin{}); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "alice@example.com", "initial-password")

	if err := f.svc.RequestPasswordReset(ctx, "alice@example.com", auth.Origin{}); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if f.sender.calls != 1 || f.sender.token == "" {
		t.Fatalf("expected one delivery, got %d", f.sender.calls)
	}
	if f.sender.email != "alice@example.com" {
		t.Fatalf("delivered to %s", f.sender.email)
	}

	if err := f.svc.CompletePasswordReset(ctx, f.sender.token, "reset-password", auth.Origin{}); err != nil {
		t.Fatalf("CompletePasswordReset: %v", err)
	}
	if _, err := f.svc.Login(ctx, "alice", "reset-password", auth.Origin{}); err != nil {
		t.Fatalf("login after reset: %v", err)
	}

	// Single use: the same token cannot reset again.
	if err := f.svc.CompletePasswordReset(ctx, f.sender.token, "another-password", auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("reset token replayed: %v", err)
	}
}

func TestPasswordResetTokenExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "alice@example.com", "initial-password")

	if err := f.svc.RequestPasswordReset(ctx, "alice@example.com", auth.Origin{}); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	f.clock.Advance(31 * time.Minute)
	if err := f.svc.CompletePasswordReset(ctx, f.sender.token, "reset-password", auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expired reset token accepted: %v", err)
	}
}

func TestPasswordResetTokenCannotRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "alice@example.com", "initial-password")

	if err := f.svc.RequestPasswordReset(ctx, "alice@example.com", auth.Origin{}); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, f.sender.token, auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("reset token accepted as refresh token: %v", err)
	}
}

func TestRequestPasswordResetHidesAccountExistence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.RequestPasswordReset(ctx, "nobody@example.com", auth.Origin{}); err != nil {
		t.Fatalf("unknown email must not error: %v", err)
	}
	if f.sender.calls != 0 {
		t.Fatalf("unexpected delivery for unknown email")
	}
}

func TestRoleAssignmentIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "alice", "alice@example.com", "initial-password")

	role, err := f.svc.CreateRole(ctx, "admin", "administration", auth.Principal{}, auth.Origin{})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := f.svc.CreateRole(ctx, "Admin", "", auth.Principal{}, auth.Origin{}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("duplicate role name accepted: %v", err)
	}

	created, err := f.svc.AssignRole(ctx, user.ID, role.ID, auth.Principal{}, auth.Origin{})
	if err != nil || !created {
		t.Fatalf("first assign: created=%v err=%v", created, err)
	}
	created, err = f.svc.AssignRole(ctx, user.ID, role.ID, auth.Principal{}, auth.Origin{})
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if created {
		t.Fatal("duplicate assignment reported as new")
	}

	// Role claims show up on the next issuance.
	pair, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	principal, err := f.svc.AuthenticateToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("AuthenticateToken: %v", err)
	}
	if !principal.HasRole("admin") {
		t.Fatalf("expected admin role, got %v", principal.Roles)
	}

	removed, err := f.svc.RemoveRole(ctx, user.ID, role.ID, auth.Principal{}, auth.Origin{})
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	removed, err = f.svc.RemoveRole(ctx, user.ID, role.ID, auth.Principal{}, auth.Origin{})
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if removed {
		t.Fatal("removing an unheld role reported as removed")
	}
}

func TestAssignRoleUnknownUserOrRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "alice", "alice@example.com", "initial-password")

	if _, err := f.svc.AssignRole(ctx, "missing-user", "missing-role", auth.Principal{}, auth.Origin{}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.AssignRole(ctx, user.ID, "missing-role", auth.Principal{}, auth.Origin{}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for role, got %v", err)
	}
}

func TestLogoutRevokesPresentedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "alice@example.com", "initial-password")

	pair, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.svc.Logout(ctx, pair.RefreshToken, auth.Origin{}); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("refresh after logout accepted: %v", err)
	}
	if err := f.svc.Logout(ctx, pair.RefreshToken+"x", auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("logout with wrong secret accepted: %v", err)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "alice", "alice@example.com", "initial-password")

	pair1, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{})
	if err != nil {
		t.Fatalf("Login 1: %v", err)
	}
	pair2, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{})
	if err != nil {
		t.Fatalf("Login 2: %v", err)
	}
	if err := f.svc.LogoutAll(ctx, user.ID, auth.Origin{}); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	for i, value := range []string{pair1.RefreshToken, pair2.RefreshToken} {
		if _, err := f.svc.Refresh(ctx, value, auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
			t.Fatalf("session %d survived LogoutAll: %v", i+1, err)
		}
	}
}

func TestDeactivationCutsAccessAndSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "alice", "alice@example.com", "initial-password")

	pair, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.svc.SetUserActive(ctx, user.ID, false, auth.Principal{}, auth.Origin{}); err != nil {
		t.Fatalf("SetUserActive: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("refresh for deactivated account accepted: %v", err)
	}
	if _, err := f.svc.AuthenticateToken(ctx, pair.AccessToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("access token for deactivated account accepted: %v", err)
	}

	// Re-activation restores login; dead sessions stay dead.
	if err := f.svc.SetUserActive(ctx, user.ID, true, auth.Principal{}, auth.Origin{}); err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if _, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{}); err != nil {
		t.Fatalf("login after re-activation: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, auth.Origin{}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("revoked session came back to life: %v", err)
	}
}

func TestAuditTrailCoversLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.register(t, "alice", "alice@example.com", "initial-password")

	if _, err := f.svc.Login(ctx, "alice", "wrong-password", auth.Origin{IP: "10.0.0.9"}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected failed login, got %v", err)
	}
	pair, err := f.svc.Login(ctx, "alice", "initial-password", auth.Origin{IP: "10.0.0.9"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken, auth.Origin{}); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := f.svc.ChangePassword(ctx, user.ID, "initial-password", "updated-password", auth.Origin{}); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	expect := map[string]int64{
		audit.ActionRegister:       1,
		audit.ActionLoginFailed:    1,
		audit.ActionLogin:          1,
		audit.ActionTokenRefresh:   1,
		audit.ActionPasswordChange: 1,
	}
	for action, want := range expect {
		got, err := f.recorder.Count(ctx, audit.Filter{Action: action})
		if err != nil {
			t.Fatalf("Count %s: %v", action, err)
		}
		if got != want {
			t.Fatalf("action %s: expected %d entries, got %d", action, want, got)
		}
	}

	entries, err := f.recorder.List(ctx, audit.Filter{Action: audit.ActionLogin})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one login entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ActorUsername != "alice" || e.ActorID != user.ID {
		t.Fatalf("login entry actor mismatch: %+v", e)
	}
	if e.Origin == "" {
		t.Fatal("expected origin on login entry")
	}
	if e.ID == "" || e.OccurredAt.IsZero() {
		t.Fatal("entry missing id or timestamp")
	}
}
