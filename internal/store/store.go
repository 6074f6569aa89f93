// Package store is the relational catalog: experiment records, their
// channel rows, and the persisted snapshots of ingest attempts.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/rtg-microscopy/mingest/internal/model"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = eris.New("store: not found")

// ExperimentFilter pages through the catalog.
type ExperimentFilter struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// AttemptFilter selects persisted attempts.
type AttemptFilter struct {
	State model.AttemptState `json:"state,omitempty"`
	Limit int                `json:"limit,omitempty"`
}

// AttemptStats summarizes attempts touched since a point in time.
type AttemptStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Permanent int `json:"permanent"`
	MirrorErr int `json:"mirror_failed"`
}

// Store defines the persistence interface for the ingest pipeline.
type Store interface {
	// Experiments. SaveExperiment writes the row and its channels in one
	// transaction and is a no-op if the ID already exists.
	SaveExperiment(ctx context.Context, rec *model.ExperimentRecord) error
	GetExperiment(ctx context.Context, id string) (*model.ExperimentRecord, error)
	// ListExperiments returns only experiments whose attempt completed.
	ListExperiments(ctx context.Context, filter ExperimentFilter) ([]model.ExperimentRecord, error)

	// Attempts, keyed by source path.
	SaveAttempt(ctx context.Context, a *model.Attempt) error
	GetAttempt(ctx context.Context, sourcePath string) (*model.Attempt, error)
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.Attempt, error)
	AttemptStats(ctx context.Context, since time.Time) (*AttemptStats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Columns shared by both backends, in bind order.
var (
	experimentColumns = []string{
		"id", "attempt_id", "user_name", "acquisition_date", "microscope", "objective",
		"numerical_aperture", "pixel_size_xy", "pixel_size_z", "filename",
		"raw_path", "ome_tiff_path", "ome_zarr_path", "eln_id", "created_at",
	}
	channelColumns = []string{"experiment_id", "position", "name"}
	attemptColumns = []string{
		"source_path", "id", "state", "failed_stage", "reason", "permanent",
		"tiled_path", "chunked_path", "notebook_id", "experiment_id",
		"mirror_status", "mirror_error", "tries", "next_retry_at",
		"created_at", "updated_at",
	}
)

var selectAttempt = "SELECT " + strings.Join(attemptColumns, ", ") + " FROM ingest_attempts"

func experimentArgs(rec *model.ExperimentRecord) []any {
	return []any{
		rec.ID, rec.AttemptID, rec.Operator, rec.AcquiredAt.UTC(), rec.Microscope, rec.Objective,
		rec.NumericalAperture, rec.PixelSizeXY, rec.PixelSizeZ, rec.Filename,
		rec.RawPath, rec.TiledPath, rec.ChunkedPath, rec.NotebookID, rec.CreatedAt.UTC(),
	}
}

func attemptArgs(a *model.Attempt) []any {
	var next any
	if a.NextRetryAt != nil {
		next = a.NextRetryAt.UTC()
	}
	return []any{
		a.SourcePath, a.ID, string(a.State), string(a.FailedStage), a.Reason, a.Permanent,
		a.TiledPath, a.ChunkedPath, a.NotebookID, a.ExperimentID,
		string(a.MirrorStatus), a.MirrorError, a.Tries, next,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	}
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
