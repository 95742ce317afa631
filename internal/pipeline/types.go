// Package pipeline defines the boundary to the backend document pipeline:
// one call to submit a work descriptor and one call to poll the status of a
// previously submitted request.
package pipeline

import (
	"context"

	"convoy/internal/models"
)

// Terminal outcomes reported by the backend.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// StatusReport is one poll result for an in-flight request.
type StatusReport struct {
	// Stage is the name of the pipeline stage the request is currently in.
	Stage string `json:"stage"`
	// Terminal indicates that the request has finished and Outcome is set.
	Terminal bool   `json:"terminal"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Client is the remote pipeline API the scheduler depends on.
type Client interface {
	// Submit sends a work descriptor to the backend and returns the opaque
	// execution handle used for subsequent status polls.
	Submit(ctx context.Context, desc models.WorkDescriptor) (string, error)
	// GetStatus polls the current status of the request behind a handle.
	GetStatus(ctx context.Context, handle string) (StatusReport, error)
}
