package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailedTerminal, StatusDeadLetter, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []Status{StatusQueued, StatusLeased, StatusFailedRetrying}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestTaskMarshalJSON_OmitsUnsetNullables(t *testing.T) {
	task := &Task{
		ID:          1,
		Type:        "sources.youtube",
		Priority:    100,
		Status:      StatusQueued,
		MaxAttempts: 3,
		CreatedUTC:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedUTC:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		RunAfterUTC: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, absent := range []string{"locked_by", "result", "error_message", "started_utc", "finished_utc", "idempotency_key"} {
		if _, ok := m[absent]; ok {
			t.Errorf("expected field %q to be omitted when unset", absent)
		}
	}
	if m["status"] != string(StatusQueued) {
		t.Errorf("status = %v, want %v", m["status"], StatusQueued)
	}
}

func TestCompatAccessor_EmptyBlob(t *testing.T) {
	task := &Task{}
	c := task.CompatAccessor()
	if c.Region != "" || c.Format != "" {
		t.Errorf("expected zero-value Compat for empty blob, got %+v", c)
	}
}

func TestCompatAccessor_Decodes(t *testing.T) {
	task := &Task{Compatibility: `{"region":"au","format":"mp4"}`}
	c := task.CompatAccessor()
	if c.Region != "au" || c.Format != "mp4" {
		t.Errorf("got %+v, want region=au format=mp4", c)
	}
}

func TestTaskEqual(t *testing.T) {
	a := &Task{ID: 1}
	b := &Task{ID: 1}
	c := &Task{ID: 2}
	if !a.Equal(b) {
		t.Error("expected tasks with the same ID to be equal")
	}
	if a.Equal(c) {
		t.Error("expected tasks with different IDs to not be equal")
	}
	var nilTask *Task
	if a.Equal(nilTask) {
		t.Error("expected a non-nil task to not equal a nil task")
	}
}
