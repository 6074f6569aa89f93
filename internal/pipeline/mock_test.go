package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rtg-microscopy/mingest/internal/convert"
	"github.com/rtg-microscopy/mingest/internal/metadata"
	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/resilience"
	"github.com/rtg-microscopy/mingest/internal/store"
)

// --- Notebook Mock ---

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) Register(ctx context.Context, entry NotebookEntry) (string, error) {
	args := m.Called(ctx, entry)
	return args.String(0), args.Error(1)
}

// --- Mirror Mock ---

type mockMirror struct {
	mock.Mock
}

func (m *mockMirror) Mirror(ctx context.Context, doc MirrorDocument) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

// --- Store with injected faults ---

type faultyStore struct {
	store.Store

	mu sync.Mutex
	// experimentFailures is the number of SaveExperiment calls to fail.
	experimentFailures int
	// commitThenFail writes the row before reporting the failure, like a
	// commit whose acknowledgement was lost.
	commitThenFail bool
}

func (s *faultyStore) failNext(n int, commitThenFail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.experimentFailures = n
	s.commitThenFail = commitThenFail
}

func (s *faultyStore) SaveExperiment(ctx context.Context, rec *model.ExperimentRecord) error {
	s.mu.Lock()
	fail := s.experimentFailures > 0
	if fail {
		s.experimentFailures--
	}
	commit := s.commitThenFail
	s.mu.Unlock()

	if !fail {
		return s.Store.SaveExperiment(ctx, rec)
	}
	if commit {
		if err := s.Store.SaveExperiment(ctx, rec); err != nil {
			return err
		}
	}
	return &resilience.PersistenceError{Op: "experiment " + rec.ID, Err: errors.New("connection reset by peer")}
}

// --- Converter with injected faults ---

type flakyConverter struct {
	Converter

	mu              sync.Mutex
	chunkedFailures int
	tiledCalls      int
}

func (c *flakyConverter) ToTiledPyramid(ctx context.Context, src string) (string, error) {
	c.mu.Lock()
	c.tiledCalls++
	c.mu.Unlock()
	return c.Converter.ToTiledPyramid(ctx, src)
}

func (c *flakyConverter) ToChunkedStore(ctx context.Context, src string) (string, error) {
	c.mu.Lock()
	fail := c.chunkedFailures > 0
	if fail {
		c.chunkedFailures--
	}
	c.mu.Unlock()
	if fail {
		return "", &resilience.ConversionError{Stage: convert.StageChunked, Path: src, Cause: errors.New("write chunk: no space left on device")}
	}
	return c.Converter.ToChunkedStore(ctx, src)
}

// panickingConverter panics while writing the OME-TIFF.
type panickingConverter struct {
	Converter
}

func (panickingConverter) ToTiledPyramid(context.Context, string) (string, error) {
	panic("runtime error: makeslice: len out of range")
}

// --- Harness ---

var testExtensions = []string{".dv", ".tif", ".ome.tif"}

type harness struct {
	watch string
	root  string

	store     *faultyStore
	converter Converter
	notebook  *mockRegistrar
	mirror    *mockMirror
	// mirrorDep is what the pipeline receives; nil disables export.
	mirrorDep DocumentMirror
	cfg       Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	watch := t.TempDir()
	root := filepath.Join(t.TempDir(), "processed")

	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck
	require.NoError(t, db.Migrate(context.Background()))

	mirror := new(mockMirror)
	return &harness{
		watch: watch,
		root:  root,
		store: &faultyStore{Store: db},
		converter: convert.New(convert.Options{
			Root:       root,
			SourceRoot: watch,
			Extensions: testExtensions,
			TileSize:   32,
		}),
		notebook:  new(mockRegistrar),
		mirror:    mirror,
		mirrorDep: mirror,
		cfg: Config{
			Deadline:        time.Minute,
			MaxRetries:      5,
			RetryInterval:   time.Minute,
			MaxConcurrency:  2,
			NotebookTimeout: 5 * time.Second,
			MirrorTimeout:   5 * time.Second,
			Retry:           resilience.RetryConfig{MaxAttempts: 1},
		},
	}
}

func (h *harness) pipeline() *Pipeline {
	return New(h.cfg, metadata.NewExtractor("alice"), h.converter, h.notebook, h.mirrorDep, h.store)
}

func entryFor(filename string) any {
	return mock.MatchedBy(func(e NotebookEntry) bool {
		return e.Title == "Microscopy: "+filename
	})
}
