package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptStateValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state    AttemptState
		want     string
		inFlight bool
	}{
		{StatePending, "pending", true},
		{StateExtracting, "extracting", true},
		{StateConverting, "converting", true},
		{StateRegistering, "registering", true},
		{StatePersisting, "persisting", true},
		{StateExporting, "exporting", true},
		{StateCompleted, "completed", false},
		{StateFailed, "failed", false},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.state))
			assert.Equal(t, tt.inFlight, tt.state.InFlight())
			assert.Equal(t, !tt.inFlight, tt.state.Terminal())
			assert.True(t, tt.state.Valid())
		})
	}
	assert.False(t, AttemptState("queued").Valid())
}

func TestAttemptCanRetry(t *testing.T) {
	t.Parallel()

	a := &Attempt{State: StateFailed, Tries: 2}
	assert.True(t, a.CanRetry(5))
	assert.False(t, a.CanRetry(2))

	a.Permanent = true
	assert.False(t, a.Retryable())
	assert.False(t, a.CanRetry(5))

	done := &Attempt{State: StateCompleted}
	assert.False(t, done.Retryable())
}

func TestAttemptCloneIsIndependent(t *testing.T) {
	t.Parallel()

	next := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	a := &Attempt{ID: "01J", SourcePath: "/data/a.dv", NextRetryAt: &next}
	c := a.Clone()
	require.NotNil(t, c)

	c.State = StateFailed
	*c.NextRetryAt = next.Add(time.Hour)

	assert.Equal(t, AttemptState(""), a.State)
	assert.Equal(t, next, *a.NextRetryAt)
	assert.Nil(t, (*Attempt)(nil).Clone())
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	md := &AcquisitionMetadata{Filename: "plain.tif"}
	md.ApplyDefaults("alice")

	assert.Equal(t, "alice", md.Operator)
	assert.Equal(t, Unknown, md.Microscope)
	assert.Equal(t, Unknown, md.Objective)
	assert.Nil(t, md.NumericalAperture)
	assert.NotNil(t, md.Channels)
	assert.Empty(t, md.Channels)
	assert.Equal(t, 1, md.SizeZ)
	assert.Equal(t, time.UTC, md.AcquiredAt.Location())
}

func TestApplyDefaultsKeepsValues(t *testing.T) {
	t.Parallel()

	na := 1.4
	md := &AcquisitionMetadata{
		Operator:          "bob",
		Microscope:        "DeltaVision",
		Objective:         "60x/1.4",
		NumericalAperture: &na,
		Channels:          []string{"DAPI", "GFP"},
		SizeX:             512,
	}
	md.ApplyDefaults("alice")

	assert.Equal(t, "bob", md.Operator)
	assert.Equal(t, "DeltaVision", md.Microscope)
	assert.Equal(t, "60x/1.4", md.Objective)
	require.NotNil(t, md.NumericalAperture)
	assert.InDelta(t, 1.4, *md.NumericalAperture, 1e-9)
	assert.Equal(t, []string{"DAPI", "GFP"}, md.Channels)
	assert.Equal(t, 512, md.SizeX)
}

func TestApplyDefaultsNoOperator(t *testing.T) {
	t.Parallel()

	md := &AcquisitionMetadata{}
	md.ApplyDefaults("")
	assert.Equal(t, Unknown, md.Operator)
}

func TestNewExperimentRecord(t *testing.T) {
	t.Parallel()

	na := 1.4
	md := &AcquisitionMetadata{
		Operator:          "alice",
		Microscope:        "DeltaVision",
		Objective:         "60x/1.4",
		NumericalAperture: &na,
		Channels:          []string{"DAPI", "GFP"},
		Filename:          "sample01.dv",
		SourcePath:        "/microscope_output/sample01.dv",
	}
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	rec := NewExperimentRecord("exp-1", "att-1", md, ConversionResult{
		TiledPath:   "/processed/ome-tiff/sample01.ome.tif",
		ChunkedPath: "/processed/ome-zarr/sample01",
	}, "nb-7", now)

	assert.Equal(t, "exp-1", rec.ID)
	assert.Equal(t, "att-1", rec.AttemptID)
	assert.Equal(t, "/microscope_output/sample01.dv", rec.RawPath)
	assert.Equal(t, "/processed/ome-tiff/sample01.ome.tif", rec.TiledPath)
	assert.Equal(t, "nb-7", rec.NotebookID)
	assert.Equal(t, now, rec.CreatedAt)

	md.Channels[0] = "changed"
	assert.Equal(t, "DAPI", rec.Channels[0])
}
