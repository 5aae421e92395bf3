package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"touroffice.org/internal/auth"
)

func TestUserCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "users_email_lower_idx"})

	err := store.Users().Create(context.Background(), &auth.User{
		ID:       "user-1",
		Username: "alice",
		Email:    "alice@example.com",
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err.Error() != "auth: resource conflict: email already in use" {
		t.Fatalf("conflict should name the email field: %v", err)
	}

	mock.ExpectQuery("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "users_username_lower_idx"})
	err = store.Users().Create(context.Background(), &auth.User{ID: "user-2", Username: "alice"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err.Error() != "auth: resource conflict: username already in use" {
		t.Fatalf("conflict should name the username field: %v", err)
	}
}

func TestUserFindByUsernameIsCaseInsensitive(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "username", "email", "password_hash", "first_name", "last_name",
		"phone", "active", "last_login_at", "created_at", "updated_at",
	}).AddRow("user-1", "alice", "alice@example.com", "hash", nil, nil, nil, true, nil, now, now)
	mock.ExpectQuery(`lower\(username\) = lower\(\$1\)`).
		WithArgs("ALICE").
		WillReturnRows(rows)

	user, err := store.Users().FindByUsername(context.Background(), "ALICE")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if user.Username != "alice" || user.FirstName != "" || user.LastLoginAt != nil {
		t.Fatalf("unexpected user: %+v", user)
	}
}

func TestUserUpdatePasswordAndRevokeSessionsIsTransactional(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update users set password_hash").
		WithArgs("user-1", "new-hash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update refresh_sessions set revoked = true").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	if err := store.Users().UpdatePasswordAndRevokeSessions(context.Background(), "user-1", "new-hash"); err != nil {
		t.Fatalf("UpdatePasswordAndRevokeSessions: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUserUpdatePasswordUnknownUserRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update users set password_hash").
		WithArgs("missing", "new-hash").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Users().UpdatePasswordAndRevokeSessions(context.Background(), "missing", "new-hash")
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
