package models

import (
	"encoding/json"
	"time"
)

// WorkDescriptor is the payload handed to the backend pipeline when a
// request is submitted. RequestID is the operator-facing identifier;
// Payload carries the document body or a reference to it.
type WorkDescriptor struct {
	RequestID    string          `json:"request_id"`
	DocumentType string          `json:"document_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Stage is one named step of the backend pipeline as seen for a single
// work item.
type Stage struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// WorkItem tracks one submitted request through the scheduler lifecycle.
// Exactly one of the queued/active/completed collections holds an item at
// any time; Status mirrors which one.
type WorkItem struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"request_id"`
	Descriptor WorkDescriptor `json:"descriptor"`
	Status     string         `json:"status"`
	Progress   int            `json:"progress"`
	Stages     []Stage        `json:"stages"`

	// Handle is the opaque execution identifier returned by the backend.
	// Empty until remote submission succeeds.
	Handle string `json:"handle,omitempty"`

	// Error is set only when Status is failed.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Duration returns end minus start, or zero while either is unset.
func (w *WorkItem) Duration() time.Duration {
	if w.StartedAt == nil || w.EndedAt == nil {
		return 0
	}
	return w.EndedAt.Sub(*w.StartedAt)
}

// RequestRecord mirrors a row of the processed_requests table.
type RequestRecord struct {
	ID         int64      `db:"id"`
	ItemID     string     `db:"item_id"`
	RequestID  string     `db:"request_id"`
	Status     string     `db:"status"`
	Error      *string    `db:"error"`
	StartedAt  *time.Time `db:"started_at"`
	EndedAt    *time.Time `db:"ended_at"`
	DurationMS *int64     `db:"duration_ms"`
	CreatedAt  time.Time  `db:"created_at"`
}
