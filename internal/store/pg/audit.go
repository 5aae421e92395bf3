package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"touroffice.org/internal/audit"
)

type auditStore struct{ db *sql.DB }

const auditColumns = `id, table_name, action, record_id, actor_id, actor_username, origin, old_value, new_value, description, occurred_at`

// Append inserts an entry. There is no update or delete path: the trail only
// grows.
func (s *auditStore) Append(ctx context.Context, e *audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, table_name, action, record_id, actor_id, actor_username, origin, old_value, new_value, description, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.TableName, e.Action, nullIfEmpty(e.RecordID),
		nullIfEmpty(e.ActorID), nullIfEmpty(e.ActorUsername), nullIfEmpty(e.Origin),
		nullRaw(e.OldValue), nullRaw(e.NewValue),
		nullIfEmpty(e.Description), e.OccurredAt)
	return err
}

func (s *auditStore) Find(ctx context.Context, id string) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+auditColumns+` from audit_log where id = $1`, id)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, audit.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *auditStore) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	where, args := buildAuditWhere(f)
	query := `select ` + auditColumns + ` from audit_log` + where +
		fmt.Sprintf(` order by occurred_at desc, id desc limit $%d offset $%d`, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *auditStore) Count(ctx context.Context, f audit.Filter) (int64, error) {
	where, args := buildAuditWhere(f)
	var n int64
	err := s.db.QueryRowContext(ctx, `select count(*) from audit_log`+where, args...).Scan(&n)
	return n, err
}

func buildAuditWhere(f audit.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TableName != "" {
		add("table_name = $%d", f.TableName)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.RecordID != "" {
		add("record_id = $%d", f.RecordID)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}

func scanEntry(scan func(dest ...any) error) (*audit.Entry, error) {
	var (
		e             audit.Entry
		recordID      sql.NullString
		actorID       sql.NullString
		actorUsername sql.NullString
		origin        sql.NullString
		oldValue      []byte
		newValue      []byte
		description   sql.NullString
	)
	err := scan(&e.ID, &e.TableName, &e.Action, &recordID,
		&actorID, &actorUsername, &origin,
		&oldValue, &newValue, &description, &e.OccurredAt)
	if err != nil {
		return nil, err
	}
	e.RecordID = recordID.String
	e.ActorID = actorID.String
	e.ActorUsername = actorUsername.String
	e.Origin = origin.String
	e.OldValue = oldValue
	e.NewValue = newValue
	e.Description = description.String
	return &e, nil
}

func nullRaw(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
