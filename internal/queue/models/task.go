// Package models holds the persisted record types of the task queue:
// Task, Worker, and TaskLog, plus their JSON-typed field accessors.
package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Status is a task's position in the state machine of spec §4.5.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusLeased         Status = "leased"
	StatusCompleted      Status = "completed"
	StatusFailedRetrying Status = "failed_retrying"
	StatusFailedTerminal Status = "failed_terminal"
	StatusDeadLetter     Status = "dead_letter"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether a status is one of the immutable end states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailedTerminal, StatusDeadLetter, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a single unit of work. Identity is the monotonically increasing
// ID assigned by the store on enqueue. JSON-typed fields (Payload,
// Compatibility, Result) are stored and exposed as raw text; Compatibility
// also has a typed accessor (CompatAccessor) below.
type Task struct {
	ID             int64          `db:"id" json:"id"`
	Type           string         `db:"type" json:"type"`
	Priority       int            `db:"priority" json:"priority"`
	Payload        string         `db:"payload" json:"payload"`
	Compatibility  string         `db:"compatibility" json:"compatibility"`
	Status         Status         `db:"status" json:"status"`
	Attempts       int            `db:"attempts" json:"attempts"`
	MaxAttempts    int            `db:"max_attempts" json:"max_attempts"`
	LockedBy       sql.NullString `db:"locked_by" json:"-"`
	LeaseUntilUTC  sql.NullTime   `db:"lease_until_utc" json:"-"`
	RunAfterUTC    time.Time      `db:"run_after_utc" json:"run_after_utc"`
	CreatedUTC     time.Time      `db:"created_utc" json:"created_utc"`
	UpdatedUTC     time.Time      `db:"updated_utc" json:"updated_utc"`
	StartedUTC     sql.NullTime   `db:"started_utc" json:"-"`
	FinishedUTC    sql.NullTime   `db:"finished_utc" json:"-"`
	ErrorMessage   sql.NullString `db:"error_message" json:"-"`
	IdempotencyKey sql.NullString `db:"idempotency_key" json:"-"`
	Result         sql.NullString `db:"result" json:"-"`

	// Virtual columns, derived from JSON fields by the store for indexable
	// filtering (spec §3): region from compatibility.region, format from
	// payload.format.
	Region sql.NullString `db:"region" json:"-"`
	Format sql.NullString `db:"format" json:"-"`
}

// Compat is the structured view of the compatibility JSON blob.
type Compat struct {
	Region string   `json:"region,omitempty"`
	Format string   `json:"format,omitempty"`
	Extra  map[string]any `json:"-"`
}

// CompatAccessor decodes Compatibility into a Compat. An empty or invalid
// blob decodes to the zero value rather than erroring, since compatibility
// is advisory metadata, not a validated schema.
func (t *Task) CompatAccessor() Compat {
	var c Compat
	if t.Compatibility == "" {
		return c
	}
	_ = json.Unmarshal([]byte(t.Compatibility), &c)
	return c
}

// LockedByOrEmpty returns the worker id holding the lease, or "".
func (t *Task) LockedByOrEmpty() string {
	if t.LockedBy.Valid {
		return t.LockedBy.String
	}
	return ""
}

// ErrorOrEmpty returns the last recorded error message, or "".
func (t *Task) ErrorOrEmpty() string {
	if t.ErrorMessage.Valid {
		return t.ErrorMessage.String
	}
	return ""
}

// MarshalJSON renders the public wire shape of a Task (spec §6 GET
// /queue/tasks/{id}), including the nullable fields a client needs under
// their JSON name without exposing sql.Null* plumbing.
func (t *Task) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID            int64   `json:"id"`
		Type          string  `json:"type"`
		Priority      int     `json:"priority"`
		Status        Status  `json:"status"`
		Attempts      int     `json:"attempts"`
		MaxAttempts   int     `json:"max_attempts"`
		LockedBy      *string `json:"locked_by,omitempty"`
		Result        *string `json:"result,omitempty"`
		ErrorMessage  *string `json:"error_message,omitempty"`
		CreatedUTC    string  `json:"created_utc"`
		UpdatedUTC    string  `json:"updated_utc"`
		StartedUTC    *string `json:"started_utc,omitempty"`
		FinishedUTC   *string `json:"finished_utc,omitempty"`
		RunAfterUTC   string  `json:"run_after_utc"`
		Idempotency   *string `json:"idempotency_key,omitempty"`
	}
	w := wire{
		ID:          t.ID,
		Type:        t.Type,
		Priority:    t.Priority,
		Status:      t.Status,
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		CreatedUTC:  t.CreatedUTC.UTC().Format(time.RFC3339),
		UpdatedUTC:  t.UpdatedUTC.UTC().Format(time.RFC3339),
		RunAfterUTC: t.RunAfterUTC.UTC().Format(time.RFC3339),
	}
	if t.LockedBy.Valid {
		w.LockedBy = &t.LockedBy.String
	}
	if t.Result.Valid {
		w.Result = &t.Result.String
	}
	if t.ErrorMessage.Valid {
		w.ErrorMessage = &t.ErrorMessage.String
	}
	if t.StartedUTC.Valid {
		s := t.StartedUTC.Time.UTC().Format(time.RFC3339)
		w.StartedUTC = &s
	}
	if t.FinishedUTC.Valid {
		s := t.FinishedUTC.Time.UTC().Format(time.RFC3339)
		w.FinishedUTC = &s
	}
	if t.IdempotencyKey.Valid {
		w.Idempotency = &t.IdempotencyKey.String
	}
	return json.Marshal(w)
}

// Equal compares Tasks by primary key only, per spec §4.2.
func (t *Task) Equal(other *Task) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.ID == other.ID
}

// EnqueueRequest is the decoded body of POST /queue/enqueue.
type EnqueueRequest struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       *int            `json:"priority,omitempty"`
	Compatibility  json.RawMessage `json:"compatibility,omitempty"`
	MaxAttempts    *int            `json:"max_attempts,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RunAfterUTC    *time.Time      `json:"run_after_utc,omitempty"`
}

const (
	// DefaultPriority is applied when an EnqueueRequest omits Priority.
	DefaultPriority = 100
	// DefaultMaxAttempts is applied when an EnqueueRequest omits MaxAttempts.
	DefaultMaxAttempts = 3
)
