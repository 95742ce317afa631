package models

/*
Work item and stage status constants used throughout the codebase.
Centralizing these avoids magic strings and improves maintainability.
*/

// Work item lifecycle states. Exactly one is active at a time.
const (
	ItemStatusQueued     = "queued"
	ItemStatusProcessing = "processing"
	ItemStatusCompleted  = "completed"
	ItemStatusFailed     = "failed"
	ItemStatusCancelled  = "cancelled"
)

// Per-stage sub-states. Transitions are monotonic:
// pending -> processing -> completed, never regressing.
const (
	StageStatusPending    = "pending"
	StageStatusProcessing = "processing"
	StageStatusCompleted  = "completed"
)

// IsTerminalStatus reports whether a work item status permits no further
// transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case ItemStatusCompleted, ItemStatusFailed, ItemStatusCancelled:
		return true
	}
	return false
}
