package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rtg-microscopy/mingest/internal/imaging/imagingtest"
	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/resilience"
	"github.com/rtg-microscopy/mingest/internal/store"
)

func attemptFor(t *testing.T, p *Pipeline, path string) *model.Attempt {
	t.Helper()
	_, key, err := resolve(path)
	require.NoError(t, err)
	a, ok := p.Tracker().Get(key)
	require.True(t, ok, "no attempt for %s", path)
	return a
}

func TestIngest_Sample01EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := imagingtest.Sample01(t, h.watch)

	h.notebook.On("Register", mock.Anything, mock.MatchedBy(func(e NotebookEntry) bool {
		return e.Title == "Microscopy: sample01.dv" &&
			e.User == "alice" &&
			e.Instrument == "DeltaVision" &&
			e.Metadata != nil && e.Metadata.Objective == "60x/1.4"
	})).Return("eln-1", nil).Once()
	h.mirror.On("Mirror", mock.Anything, mock.MatchedBy(func(d MirrorDocument) bool {
		return d.Title == "sample01.dv" &&
			d.RawPath == src &&
			d.ELNID == "eln-1" &&
			d.Objective == "60x/1.4" &&
			d.OMETIFF == filepath.Join(h.root, "ome-tiff", "sample01.ome.tif")
	})).Return(nil).Once()
	p := h.pipeline()

	rec, err := p.Ingest(ctx, src)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, filepath.Join(h.root, "ome-tiff", "sample01.ome.tif"), rec.TiledPath)
	assert.Equal(t, filepath.Join(h.root, "ome-zarr", "sample01"), rec.ChunkedPath)
	assert.FileExists(t, rec.TiledPath)
	assert.DirExists(t, rec.ChunkedPath)
	assert.Equal(t, "DeltaVision", rec.Microscope)
	assert.Equal(t, "60x/1.4", rec.Objective)
	require.NotNil(t, rec.NumericalAperture)
	assert.InDelta(t, 1.4, *rec.NumericalAperture, 1e-9)
	assert.Equal(t, []string{"DAPI", "GFP"}, rec.Channels)
	assert.Equal(t, "eln-1", rec.NotebookID)
	assert.Equal(t, src, rec.RawPath)
	_, err = uuid.Parse(rec.ID)
	assert.NoError(t, err)

	recs, err := h.store.ListExperiments(ctx, store.ExperimentFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)

	a := attemptFor(t, p, src)
	assert.Equal(t, model.StateCompleted, a.State)
	assert.Equal(t, model.MirrorDone, a.MirrorStatus)
	assert.Equal(t, rec.ID, a.ExperimentID)
	assert.Equal(t, rec.ID, recs[0].ID)
	assert.Empty(t, a.Reason)
	assert.Nil(t, a.NextRetryAt)

	persisted, err := h.store.GetAttempt(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, persisted.State)
	assert.Equal(t, "eln-1", persisted.NotebookID)

	h.notebook.AssertExpectations(t)
	h.mirror.AssertExpectations(t)
}

func TestIngest_ConcurrentDuplicatesProcessOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := imagingtest.Sample01(t, h.watch)

	h.notebook.On("Register", mock.Anything, entryFor("sample01.dv")).Return("eln-1", nil).Once()
	h.mirror.On("Mirror", mock.Anything, mock.Anything).Return(nil).Once()
	p := h.pipeline()

	const n = 8
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		mu      sync.Mutex
		ok      int
		skipped int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := p.Ingest(ctx, src)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateSkipped):
				skipped++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, skipped)
	h.notebook.AssertNumberOfCalls(t, "Register", 1)

	recs, err := h.store.ListExperiments(ctx, store.ExperimentFilter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// A later event for the same file returns the existing record.
	rec, err := p.Ingest(ctx, src)
	assert.True(t, errors.Is(err, ErrDuplicateSkipped))
	require.NotNil(t, rec)
	assert.Equal(t, recs[0].ID, rec.ID)
}

func TestIngest_DefaultSubstitution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := filepath.Join(h.watch, "bare.tif")
	imagingtest.WriteTIFF(t, src, imagingtest.TIFF{Width: 16, Height: 12, Pages: 2})

	h.notebook.On("Register", mock.Anything, mock.MatchedBy(func(e NotebookEntry) bool {
		return e.Instrument == model.Unknown && e.User == "alice"
	})).Return("eln-2", nil).Once()
	h.mirrorDep = nil
	p := h.pipeline()

	rec, err := p.Ingest(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, model.Unknown, rec.Microscope)
	assert.Equal(t, model.Unknown, rec.Objective)
	assert.Nil(t, rec.NumericalAperture)
	assert.Nil(t, rec.PixelSizeXY)
	assert.Empty(t, rec.Channels)
	assert.Equal(t, "alice", rec.Operator)
	assert.Equal(t, filepath.Join(h.root, "ome-tiff", "bare.ome.tif"), rec.TiledPath)

	a := attemptFor(t, p, src)
	assert.Equal(t, model.StateCompleted, a.State)
	assert.Equal(t, model.MirrorDisabled, a.MirrorStatus)
	h.mirror.AssertNotCalled(t, "Mirror", mock.Anything, mock.Anything)
}

func TestIngest_UnreadableFileFailsAtExtraction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := imagingtest.Corrupt(t, h.watch)
	p := h.pipeline()

	rec, err := p.Ingest(ctx, src)
	require.Error(t, err)
	assert.Nil(t, rec)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, model.StateExtracting, se.Stage)
	assert.True(t, se.Permanent)
	var uie *resilience.UnreadableImageError
	assert.True(t, errors.As(err, &uie))

	a := attemptFor(t, p, src)
	assert.Equal(t, model.StateFailed, a.State)
	assert.Equal(t, model.StateExtracting, a.FailedStage)
	assert.True(t, a.Permanent)
	assert.Nil(t, a.NextRetryAt)

	persisted, err := h.store.GetAttempt(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, persisted.State)
	assert.Equal(t, model.StateExtracting, persisted.FailedStage)

	recs, err := h.store.ListExperiments(ctx, store.ExperimentFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	h.notebook.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)

	// Permanent failures wait for the operator.
	_, err = p.Ingest(ctx, src)
	assert.True(t, errors.Is(err, ErrDuplicateSkipped))
	res, err := p.RetryDue(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Resumed)
}

func TestIngest_PartialConversionReusedOnRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := imagingtest.Sample01(t, h.watch)

	flaky := &flakyConverter{Converter: h.converter, chunkedFailures: 1}
	h.converter = flaky
	h.notebook.On("Register", mock.Anything, entryFor("sample01.dv")).Return("eln-3", nil).Once()
	h.mirror.On("Mirror", mock.Anything, mock.Anything).Return(nil).Once()
	p := h.pipeline()

	_, err := p.Ingest(ctx, src)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, model.StateConverting, se.Stage)
	assert.False(t, se.Permanent)

	a := attemptFor(t, p, src)
	assert.Equal(t, model.StateFailed, a.State)
	tiled := filepath.Join(h.root, "ome-tiff", "sample01.ome.tif")
	assert.Equal(t, tiled, a.TiledPath)
	assert.Empty(t, a.ChunkedPath)
	require.NotNil(t, a.NextRetryAt)
	assert.NoDirExists(t, filepath.Join(h.root, "ome-zarr", "sample01"))
	h.notebook.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)

	before, err := os.Stat(tiled)
	require.NoError(t, err)

	// Not due yet.
	res, err := p.RetryDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, res.Resumed)

	res, err = p.RetryDue(ctx, a.NextRetryAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resumed)
	assert.Equal(t, 1, res.Completed)

	after, err := os.Stat(tiled)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "existing pyramid is reused")
	assert.DirExists(t, filepath.Join(h.root, "ome-zarr", "sample01"))

	a = attemptFor(t, p, src)
	assert.Equal(t, model.StateCompleted, a.State)
	assert.Equal(t, 2, a.Tries)
	assert.Equal(t, 2, flaky.tiledCalls)
}

func TestIngest_RegistrationNotRepeatedAfterPersistFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := imagingtest.Sample01(t, h.watch)

	h.store.failNext(1, false)
	h.notebook.On("Register", mock.Anything, entryFor("sample01.dv")).Return("eln-7", nil).Once()
	h.mirror.On("Mirror", mock.Anything, mock.Anything).Return(nil).Once()
	p := h.pipeline()

	_, err := p.Ingest(ctx, src)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, model.StatePersisting, se.Stage)
	assert.False(t, se.Permanent)
	var pe *resilience.PersistenceError
	assert.True(t, errors.As(err, &pe))

	failed := attemptFor(t, p, src)
	assert.Equal(t, "eln-7", failed.NotebookID)
	require.NotEmpty(t, failed.ExperimentID)

	persisted, err := h.store.GetAttempt(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "eln-7", persisted.NotebookID, "notebook id survives a restart")
	assert.Equal(t, failed.ExperimentID, persisted.ExperimentID)

	rec, err := p.Retry(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, failed.ExperimentID, rec.ID)
	assert.Equal(t, "eln-7", rec.NotebookID)
	h.notebook.AssertNumberOfCalls(t, "Register", 1)
}

func TestIngest_AmbiguousCommitDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := imagingtest.Sample01(t, h.watch)

	h.store.failNext(1, true)
	h.notebook.On("Register", mock.Anything, mock.Anything).Return("eln-8", nil).Once()
	h.mirror.On("Mirror", mock.Anything, mock.Anything).Return(nil).Once()
	p := h.pipeline()

	_, err := p.Ingest(ctx, src)
	require.Error(t, err)
	first := attemptFor(t, p, src).ExperimentID

	_, err = p.RetryDue(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	recs, err := h.store.ListExperiments(ctx, store.ExperimentFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, first, recs[0].ID)
	assert.Equal(t, model.StateCompleted, attemptFor(t, p, src).State)
}

func TestIngest_MirrorFailureDoesNotFailAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := imagingtest.Sample01(t, h.watch)

	h.notebook.On("Register", mock.Anything, mock.Anything).Return("eln-4", nil).Once()
	h.mirror.On("Mirror", mock.Anything, mock.Anything).
		Return(&resilience.ExternalCallError{Service: "sharepoint", Status: 503, Err: errors.New("service unavailable")}).Once()
	p := h.pipeline()

	rec, err := p.Ingest(ctx, src)
	require.NoError(t, err)
	require.NotNil(t, rec)

	a := attemptFor(t, p, src)
	assert.Equal(t, model.StateCompleted, a.State)
	assert.Equal(t, model.MirrorFailed, a.MirrorStatus)
	assert.Contains(t, a.MirrorError, "503")

	got, err := h.store.GetExperiment(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	// The sweep re-mirrors without re-running the pipeline.
	h.mirror.On("Mirror", mock.Anything, mock.Anything).Return(nil).Once()
	res, err := p.RetryDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, res.Resumed)
	assert.Equal(t, 1, res.Mirrored)
	assert.Equal(t, model.MirrorDone, attemptFor(t, p, src).MirrorStatus)
	h.notebook.AssertNumberOfCalls(t, "Register", 1)
	h.mirror.AssertNumberOfCalls(t, "Mirror", 2)
}

func TestIngest_RegistrationRejectedIsPermanent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := imagingtest.Sample01(t, h.watch)

	h.notebook.On("Register", mock.Anything, mock.Anything).
		Return("", &resilience.ExternalCallError{Service: "eln", Status: 401, Err: errors.New("unauthorized")}).Once()
	p := h.pipeline()

	_, err := p.Ingest(ctx, src)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, model.StateRegistering, se.Stage)
	assert.True(t, se.Permanent)

	res, err := p.RetryDue(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Resumed)

	// Operator retry after the credentials are fixed.
	h.notebook.On("Register", mock.Anything, mock.Anything).Return("eln-5", nil).Once()
	h.mirror.On("Mirror", mock.Anything, mock.Anything).Return(nil).Once()
	rec, err := p.Retry(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "eln-5", rec.NotebookID)

	a := attemptFor(t, p, src)
	assert.Equal(t, model.StateCompleted, a.State)
	assert.False(t, a.Permanent)
	assert.Empty(t, a.FailedStage)
}

func TestIngest_TransientRegistrationRetriedInCall(t *testing.T) {
	h := newHarness(t)
	h.cfg.Retry = resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	ctx := context.Background()
	src := imagingtest.Sample01(t, h.watch)

	h.notebook.On("Register", mock.Anything, mock.Anything).
		Return("", &resilience.ExternalCallError{Service: "eln", Status: 503, Err: errors.New("busy")}).Once()
	h.notebook.On("Register", mock.Anything, mock.Anything).Return("eln-6", nil).Once()
	h.mirrorDep = nil
	p := h.pipeline()

	rec, err := p.Ingest(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "eln-6", rec.NotebookID)
	h.notebook.AssertNumberOfCalls(t, "Register", 2)
}

func TestRetryDue_RespectsMaxRetries(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxRetries = 1
	ctx := context.Background()
	src := imagingtest.Sample01(t, h.watch)

	h.converter = &flakyConverter{Converter: h.converter, chunkedFailures: 1}
	p := h.pipeline()

	_, err := p.Ingest(ctx, src)
	require.Error(t, err)

	res, err := p.RetryDue(ctx, time.Now().Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.Resumed)
	assert.Equal(t, 1, attemptFor(t, p, src).Tries)
}

func TestRecover_InterruptedAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Caught mid-conversion.
	converting := imagingtest.Sample01(t, h.watch)
	require.NoError(t, h.store.SaveAttempt(ctx, &model.Attempt{
		ID: "01JCONVERTING", SourcePath: converting, State: model.StateConverting,
		MirrorStatus: model.MirrorPending, Tries: 1, CreatedAt: now, UpdatedAt: now,
	}))

	// Caught after the catalog commit.
	exportingPath := filepath.Join(h.watch, "done.dv")
	rec := &model.ExperimentRecord{
		ID: uuid.NewString(), AttemptID: "01JEXPORTING", Operator: "alice",
		Microscope: "DeltaVision", Objective: "60x/1.4", Channels: []string{"DAPI"},
		Filename: "done.dv", RawPath: exportingPath, NotebookID: "eln-10", CreatedAt: now,
	}
	require.NoError(t, h.store.SaveExperiment(ctx, rec))
	require.NoError(t, h.store.SaveAttempt(ctx, &model.Attempt{
		ID: "01JEXPORTING", SourcePath: exportingPath, State: model.StateExporting,
		NotebookID: "eln-10", ExperimentID: rec.ID, MirrorStatus: model.MirrorPending,
		Tries: 1, CreatedAt: now, UpdatedAt: now,
	}))

	p := h.pipeline()
	res, err := p.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Loaded)
	assert.Equal(t, 1, res.Interrupted)
	assert.Equal(t, 1, res.Finished)

	a := attemptFor(t, p, converting)
	assert.Equal(t, model.StateFailed, a.State)
	assert.Equal(t, model.StateConverting, a.FailedStage)
	assert.Equal(t, Interrupted, a.Reason)
	assert.False(t, a.Permanent)

	done := attemptFor(t, p, exportingPath)
	assert.Equal(t, model.StateCompleted, done.State)
	assert.Equal(t, model.MirrorPending, done.MirrorStatus)

	// The sweep finishes both: the interrupted run is resumed and the
	// committed one is mirrored.
	h.notebook.On("Register", mock.Anything, entryFor("sample01.dv")).Return("eln-11", nil).Once()
	h.mirror.On("Mirror", mock.Anything, mock.Anything).Return(nil).Twice()
	sweep, err := p.RetryDue(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Completed)
	assert.Equal(t, 1, sweep.Mirrored)

	a = attemptFor(t, p, converting)
	assert.Equal(t, model.StateCompleted, a.State)
	assert.Equal(t, "01JCONVERTING", a.ID, "a resumed attempt keeps its identity")
	assert.Equal(t, model.MirrorDone, attemptFor(t, p, exportingPath).MirrorStatus)
}

func TestRetry_CompletedAttemptIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := imagingtest.Sample01(t, h.watch)

	h.notebook.On("Register", mock.Anything, mock.Anything).Return("eln-12", nil).Once()
	h.mirror.On("Mirror", mock.Anything, mock.Anything).Return(nil).Once()
	p := h.pipeline()

	first, err := p.Ingest(ctx, src)
	require.NoError(t, err)

	rec, err := p.Retry(ctx, src)
	assert.True(t, errors.Is(err, ErrDuplicateSkipped))
	require.NotNil(t, rec)
	assert.Equal(t, first.ID, rec.ID)
}

func TestRetry_UnknownPath(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline()

	_, err := p.Retry(context.Background(), filepath.Join(h.watch, "never-seen.dv"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestNewMirrorDocument_UsesRawPath(t *testing.T) {
	rec := &model.ExperimentRecord{
		Filename:    "a.dv",
		Operator:    "bob",
		Microscope:  "DeltaVision",
		Objective:   "100x/1.4",
		RawPath:     "/microscope_output/a.dv",
		TiledPath:   "/processed/ome-tiff/a.ome.tif",
		ChunkedPath: "/processed/ome-zarr/a",
		NotebookID:  "eln-1",
	}
	assert.Equal(t, MirrorDocument{
		Title:      "a.dv",
		User:       "bob",
		Microscope: "DeltaVision",
		Objective:  "100x/1.4",
		RawPath:    "/microscope_output/a.dv",
		OMETIFF:    "/processed/ome-tiff/a.ome.tif",
		OMEZarr:    "/processed/ome-zarr/a",
		ELNID:      "eln-1",
	}, NewMirrorDocument(rec))
}

func TestIngest_PanicFailsAttemptPermanently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := imagingtest.Sample01(t, h.watch)
	h.converter = panickingConverter{Converter: h.converter}
	p := h.pipeline()

	var rec *model.ExperimentRecord
	var err error
	require.NotPanics(t, func() { rec, err = p.Ingest(ctx, src) })
	assert.Nil(t, rec)

	var se *StageError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, model.StateConverting, se.Stage)
	assert.True(t, se.Permanent)
	assert.Contains(t, se.Error(), "makeslice")

	a := attemptFor(t, p, src)
	assert.Equal(t, model.StateFailed, a.State)
	assert.Equal(t, model.StateConverting, a.FailedStage)
	assert.True(t, a.Permanent)
	assert.Nil(t, a.NextRetryAt)

	persisted, err := h.store.GetAttempt(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, persisted.State)

	_, err = p.Ingest(ctx, src)
	assert.True(t, errors.Is(err, ErrDuplicateSkipped))
	h.notebook.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
}

func TestIngest_OversizedTIFFFailsAtExtraction(t *testing.T) {
	h := newHarness(t)
	src := filepath.Join(h.watch, "hostile.tif")
	imagingtest.WriteTIFF(t, src, imagingtest.TIFF{
		Width: 2, Height: 2,
		DeclaredWidth: 0xFFFFFFFF, DeclaredHeight: 0xFFFFFFFF,
	})
	p := h.pipeline()

	_, err := p.Ingest(context.Background(), src)

	var se *StageError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, model.StateExtracting, se.Stage)
	assert.True(t, se.Permanent)
	assert.Equal(t, model.StateFailed, attemptFor(t, p, src).State)
}
