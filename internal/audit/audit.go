// Package audit is the append-only trail of privileged actions. Entries are
// written once and never mutated: the store contract deliberately exposes no
// update or delete operation for them.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"touroffice.org/internal/ids"
	"touroffice.org/internal/obs"
)

// ErrNotFound marks a lookup for an entry that does not exist.
var ErrNotFound = errors.New("audit: entry not found")

// Actions recorded by the auth service. Other services may append their own.
const (
	ActionLogin                = "login"
	ActionLoginFailed          = "login_failed"
	ActionRegister             = "register"
	ActionTokenRefresh         = "token_refresh"
	ActionPasswordChange       = "password_change"
	ActionPasswordResetRequest = "password_reset_request"
	ActionPasswordReset        = "password_reset"
	ActionRoleAssign           = "role_assign"
	ActionRoleRemove           = "role_remove"
	ActionLogout               = "logout"
	ActionLogoutAll            = "logout_all"
	ActionUserActivate         = "user_activate"
	ActionUserDeactivate       = "user_deactivate"
)

// Entry is one immutable audit record. ActorID is empty for anonymous actions
// such as failed logins; ActorUsername is a snapshot taken at record time so
// the trail stays readable after accounts are renamed or removed.
type Entry struct {
	ID            string          `json:"id"`
	TableName     string          `json:"table_name"`
	Action        string          `json:"action"`
	RecordID      string          `json:"record_id,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
	ActorUsername string          `json:"actor_username,omitempty"`
	Origin        string          `json:"origin,omitempty"`
	OldValue      json.RawMessage `json:"old_value,omitempty"`
	NewValue      json.RawMessage `json:"new_value,omitempty"`
	Description   string          `json:"description,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Filter narrows List and Count results. Zero values mean "any".
type Filter struct {
	TableName string
	Action    string
	ActorID   string
	RecordID  string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Store persists entries. Append-only by construction.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Find(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
	Count(ctx context.Context, f Filter) (int64, error)
}

// Recorder stamps, persists and fans out entries. Append failures propagate
// to the triggering operation; an action that cannot be recorded must not
// report success.
type Recorder struct {
	store   Store
	now     func() time.Time
	publish func(Entry)
}

// Option configures Recorder behavior.
type Option func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithPublisher registers a callback invoked after every successful append,
// e.g. to feed live subscribers. The callback must not block.
func WithPublisher(fn func(Entry)) Option {
	return func(r *Recorder) {
		r.publish = fn
	}
}

// NewRecorder constructs a Recorder over the given store.
func NewRecorder(store Store, opts ...Option) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record validates the entry, stamps id and timestamp, and appends it.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	e.TableName = strings.TrimSpace(e.TableName)
	e.Action = strings.TrimSpace(e.Action)
	if e.TableName == "" || e.Action == "" {
		return errors.New("audit: table name and action are required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.OccurredAt)
	}
	if err := r.store.Append(ctx, &e); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	obs.AuditEntries.Inc()
	r.logLine(e)
	if r.publish != nil {
		r.publish(e)
	}
	return nil
}

// Find returns a single entry by id.
func (r *Recorder) Find(ctx context.Context, id string) (*Entry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("audit: id is required")
	}
	return r.store.Find(ctx, id)
}

// List returns entries matching the filter, newest first.
func (r *Recorder) List(ctx context.Context, f Filter) ([]Entry, error) {
	f = normalizeFilter(f)
	return r.store.List(ctx, f)
}

// Count returns the number of entries matching the filter.
func (r *Recorder) Count(ctx context.Context, f Filter) (int64, error) {
	f = normalizeFilter(f)
	return r.store.Count(ctx, f)
}

func normalizeFilter(f Filter) Filter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// logLine mirrors each entry into the operator log as a JSON line, so the
// trail is visible even when the database is the thing being investigated.
func (r *Recorder) logLine(e Entry) {
	line := map[string]any{
		"ts":     e.OccurredAt.Format(time.RFC3339Nano),
		"type":   "audit",
		"table":  e.TableName,
		"action": e.Action,
	}
	if e.ActorID != "" {
		line["actor_id"] = e.ActorID
	}
	if e.ActorUsername != "" {
		line["actor"] = e.ActorUsername
	}
	if e.RecordID != "" {
		line["record_id"] = e.RecordID
	}
	if e.Origin != "" {
		line["origin"] = e.Origin
	}
	obs.Line(line)
}
