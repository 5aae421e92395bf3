package pg

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"touroffice.org/internal/auth"
)

func TestRoleAssignReportsNewAssignment(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into user_roles").
		WithArgs("user-1", "role-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	created, err := store.Roles().Assign(context.Background(), "user-1", "role-1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if !created {
		t.Fatal("expected new assignment")
	}
}

func TestRoleAssignDuplicateIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	// `on conflict do nothing` reports zero affected rows for a duplicate.
	mock.ExpectExec("insert into user_roles").
		WithArgs("user-1", "role-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := store.Roles().Assign(context.Background(), "user-1", "role-1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if created {
		t.Fatal("duplicate assignment reported as new")
	}
}

func TestRoleAssignUnknownReferenceIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into user_roles").
		WithArgs("ghost", "role-1").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	if _, err := store.Roles().Assign(context.Background(), "ghost", "role-1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRoleRemoveReportsMissingAssignment(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("delete from user_roles").
		WithArgs("user-1", "role-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	removed, err := store.Roles().Remove(context.Background(), "user-1", "role-1")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed {
		t.Fatal("missing assignment reported as removed")
	}
}

func TestRoleNamesForUser(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"name"}).AddRow("admin").AddRow("manager")
	mock.ExpectQuery("select r.name").
		WithArgs("user-1").
		WillReturnRows(rows)

	names, err := store.Roles().NamesForUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("NamesForUser: %v", err)
	}
	if len(names) != 2 || names[0] != "admin" || names[1] != "manager" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestRoleCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("insert into roles").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "roles_name_lower_idx"})

	err := store.Roles().Create(context.Background(), &auth.Role{ID: "role-1", Name: "admin"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
