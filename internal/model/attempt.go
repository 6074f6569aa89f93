package model

import "time"

// AttemptState represents the position of an ingestion attempt in the
// stage sequence.
type AttemptState string

const (
	StatePending     AttemptState = "pending"
	StateExtracting  AttemptState = "extracting"
	StateConverting  AttemptState = "converting"
	StateRegistering AttemptState = "registering"
	StatePersisting  AttemptState = "persisting"
	StateExporting   AttemptState = "exporting"
	StateCompleted   AttemptState = "completed"
	StateFailed      AttemptState = "failed"
)

// InFlight reports whether the state belongs to a running attempt.
func (s AttemptState) InFlight() bool {
	switch s {
	case StatePending, StateExtracting, StateConverting, StateRegistering, StatePersisting, StateExporting:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can happen without an
// explicit retry.
func (s AttemptState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s AttemptState) Valid() bool {
	return s.InFlight() || s.Terminal()
}

// MirrorStatus tracks the best-effort document mirror separately from the
// attempt state.
type MirrorStatus string

const (
	MirrorPending  MirrorStatus = "pending"
	MirrorDone     MirrorStatus = "mirrored"
	MirrorFailed   MirrorStatus = "failed"
	MirrorDisabled MirrorStatus = "disabled"
)

// Attempt is one logical run of the pipeline against one source path.
// Retries resume the same attempt; the fields under "resumable state" are
// what lets a retry skip stages that already succeeded.
type Attempt struct {
	ID         string       `json:"id"`
	SourcePath string       `json:"source_path"`
	State      AttemptState `json:"state"`

	FailedStage AttemptState `json:"failed_stage,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Permanent   bool         `json:"permanent"`

	// resumable state
	TiledPath    string `json:"tiled_path,omitempty"`
	ChunkedPath  string `json:"chunked_path,omitempty"`
	NotebookID   string `json:"notebook_id,omitempty"`
	ExperimentID string `json:"experiment_id,omitempty"`

	MirrorStatus MirrorStatus `json:"mirror_status,omitempty"`
	MirrorError  string       `json:"mirror_error,omitempty"`

	Tries       int        `json:"tries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Retryable reports whether the attempt ended in a failure that the retry
// sweep may resume without operator intervention.
func (a *Attempt) Retryable() bool {
	return a.State == StateFailed && !a.Permanent
}

// CanRetry returns true if the attempt has not used up its automatic
// retries.
func (a *Attempt) CanRetry(maxRetries int) bool {
	return a.Retryable() && a.Tries < maxRetries
}

// Clone returns a copy safe to hand out of the tracker.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	c := *a
	if a.NextRetryAt != nil {
		t := *a.NextRetryAt
		c.NextRetryAt = &t
	}
	return &c
}
