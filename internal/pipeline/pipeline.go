// Package pipeline runs one raw acquisition through extract, convert,
// register, persist, and export, tracking each file as a resumable attempt.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/rtg-microscopy/mingest/internal/convert"
	"github.com/rtg-microscopy/mingest/internal/imaging"
	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/resilience"
	"github.com/rtg-microscopy/mingest/internal/store"
)

// Service names used for circuit breakers and error reporting.
const (
	ServiceNotebook = "notebook"
	ServiceMirror   = "mirror"
)

// Config holds the pipeline's timing and retry settings.
type Config struct {
	// Deadline bounds one run from Pending to Completed.
	Deadline time.Duration
	// MaxRetries caps automatic sweep retries per attempt.
	MaxRetries int
	// RetryInterval is the base spacing between sweep retries.
	RetryInterval time.Duration
	// MaxConcurrency bounds parallel runs inside RetryDue.
	MaxConcurrency int

	NotebookTimeout time.Duration
	MirrorTimeout   time.Duration

	Retry   resilience.RetryConfig
	Circuit resilience.CircuitBreakerConfig
}

func (c Config) withDefaults() Config {
	if c.Deadline <= 0 {
		c.Deadline = 15 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Minute
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.NotebookTimeout <= 0 {
		c.NotebookTimeout = 10 * time.Second
	}
	if c.MirrorTimeout <= 0 {
		c.MirrorTimeout = 15 * time.Second
	}
	return c
}

// StageError is what Ingest returns when a run ends in Failed.
type StageError struct {
	Stage     model.AttemptState
	Permanent bool
	Err       error
}

func (e *StageError) Error() string {
	kind := "retryable"
	if e.Permanent {
		kind = "permanent"
	}
	return "pipeline: " + string(e.Stage) + " failed (" + kind + "): " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline orchestrates the ingest stages for any number of files.
type Pipeline struct {
	cfg       Config
	extractor Extractor
	converter Converter
	notebook  NotebookRegistrar
	mirror    DocumentMirror
	store     store.Store
	tracker   *Tracker
	breakers  *resilience.ServiceBreakers
	now       func() time.Time
}

// New creates a Pipeline. A nil mirror disables export; every other
// dependency is required.
func New(cfg Config, ex Extractor, conv Converter, nb NotebookRegistrar, mirror DocumentMirror, st store.Store) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:       cfg,
		extractor: ex,
		converter: conv,
		notebook:  nb,
		mirror:    mirror,
		store:     st,
		tracker:   NewTracker(),
		breakers:  resilience.NewServiceBreakers(cfg.Circuit),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Tracker exposes the attempt tracker.
func (p *Pipeline) Tracker() *Tracker { return p.tracker }

// Breakers exposes the per-service circuit breakers.
func (p *Pipeline) Breakers() *resilience.ServiceBreakers { return p.breakers }

// Ingest runs path through every stage. A path that already completed
// returns its record with ErrDuplicateSkipped. A retryable failure is
// resumed; stages that already produced durable results are not redone.
func (p *Pipeline) Ingest(ctx context.Context, path string) (*model.ExperimentRecord, error) {
	abs, key, err := resolve(path)
	if err != nil {
		return nil, err
	}
	a, err := p.tracker.Begin(key, abs, false)
	if err != nil {
		if errors.Is(err, ErrDuplicateSkipped) {
			return p.existing(ctx, a), err
		}
		return nil, err
	}
	return p.start(ctx, key, a)
}

// Retry is the operator override: it resumes a failed attempt whether or
// not the failure was permanent. A completed attempt whose mirror did not
// succeed is re-mirrored instead.
func (p *Pipeline) Retry(ctx context.Context, path string) (*model.ExperimentRecord, error) {
	abs, key, err := resolve(path)
	if err != nil {
		return nil, err
	}
	a, ok := p.tracker.Get(key)
	if !ok {
		persisted, gerr := p.store.GetAttempt(ctx, abs)
		if gerr != nil {
			return nil, eris.Wrapf(gerr, "pipeline: retry %s", abs)
		}
		p.tracker.Load(persisted)
		a = persisted
	}

	if a.State == model.StateCompleted {
		if a.MirrorStatus == model.MirrorFailed || a.MirrorStatus == model.MirrorPending {
			return p.remirror(ctx, key)
		}
		return p.existing(ctx, a), ErrDuplicateSkipped
	}

	a, err = p.tracker.Begin(key, abs, true)
	if err != nil {
		return nil, err
	}
	return p.start(ctx, key, a)
}

func (p *Pipeline) start(ctx context.Context, key string, a *model.Attempt) (*model.ExperimentRecord, error) {
	p.snapshot(ctx, a)
	return p.run(ctx, key, a)
}

func (p *Pipeline) existing(ctx context.Context, a *model.Attempt) *model.ExperimentRecord {
	if a == nil || a.State != model.StateCompleted || a.ExperimentID == "" {
		return nil
	}
	rec, err := p.store.GetExperiment(ctx, a.ExperimentID)
	if err != nil {
		return nil
	}
	return rec
}

func (p *Pipeline) logger(a *model.Attempt) *zap.Logger {
	return zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("path", a.SourcePath),
		zap.String("attempt_id", a.ID),
	)
}

// run drives a claimed attempt from Pending. Every failure is recorded on
// the attempt and returned as a *StageError, including a panic in any
// stage, which fails the attempt permanently at the stage it was in.
func (p *Pipeline) run(parent context.Context, key string, a *model.Attempt) (rec *model.ExperimentRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, err = nil, p.recovered(parent, key, r)
		}
	}()
	return p.runStages(parent, key, a)
}

// recovered records a panic on the attempt held under key.
func (p *Pipeline) recovered(ctx context.Context, key string, r any) error {
	cause := eris.Errorf("pipeline: panic: %v", r)
	zap.L().Error("pipeline: stage panicked",
		zap.String("path", key),
		zap.Any("panic", r),
		zap.Stack("stack"),
	)
	a, ok := p.tracker.Get(key)
	if !ok || !a.State.InFlight() {
		return cause
	}
	return p.fail(ctx, key, a.State, cause, true)
}

func (p *Pipeline) runStages(parent context.Context, key string, a *model.Attempt) (*model.ExperimentRecord, error) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.Deadline)
	defer cancel()

	log := p.logger(a)
	log.Info("pipeline: starting ingest", zap.Int("try", a.Tries))
	start := time.Now()

	// Extract
	if _, err := p.advance(ctx, key, model.StatePending, model.StateExtracting, nil); err != nil {
		return nil, err
	}
	md, err := p.extractor.Extract(ctx, a.SourcePath)
	if err != nil {
		return nil, p.fail(ctx, key, model.StateExtracting, err, !isContextErr(err))
	}
	log.Debug("pipeline: metadata extracted",
		zap.String("microscope", md.Microscope),
		zap.Strings("channels", md.Channels),
	)

	// Convert: both formats are attempted even when the first fails.
	if _, err := p.advance(ctx, key, model.StateExtracting, model.StateConverting, nil); err != nil {
		return nil, err
	}
	tiled, terr := p.converter.ToTiledPyramid(ctx, a.SourcePath)
	chunked, cerr := p.converter.ToChunkedStore(ctx, a.SourcePath)
	a, _ = p.tracker.Update(key, func(at *model.Attempt) {
		if terr == nil {
			at.TiledPath = tiled
		}
		if cerr == nil {
			at.ChunkedPath = chunked
		}
	})
	if err := errors.Join(terr, cerr); err != nil {
		return nil, p.fail(ctx, key, model.StateConverting, err, conversionPermanent(terr) || conversionPermanent(cerr))
	}

	// Register, unless an earlier try already did.
	a, err = p.advance(ctx, key, model.StateConverting, model.StateRegistering, nil)
	if err != nil {
		return nil, err
	}
	if a.NotebookID == "" {
		id, rerr := p.register(ctx, md)
		if rerr != nil {
			return nil, p.fail(ctx, key, model.StateRegistering, rerr, resilience.IsPermanent(rerr))
		}
		a, _ = p.tracker.Update(key, func(at *model.Attempt) { at.NotebookID = id })
		p.snapshot(ctx, a)
		log.Info("pipeline: notebook entry created", zap.String("notebook_id", id))
	} else {
		log.Info("pipeline: reusing notebook entry", zap.String("notebook_id", a.NotebookID))
	}

	// Persist. The experiment ID is fixed on the attempt before the write so
	// a retry after an ambiguous commit inserts the same row.
	a, err = p.tracker.Transition(key, model.StateRegistering, model.StatePersisting, func(at *model.Attempt) {
		if at.ExperimentID == "" {
			at.ExperimentID = uuid.NewString()
		}
	})
	if err != nil {
		return nil, err
	}
	if serr := p.store.SaveAttempt(ctx, a); serr != nil {
		p.tracker.MarkDirty(key)
		return nil, p.fail(ctx, key, model.StatePersisting, &resilience.PersistenceError{Op: "attempt " + a.ID, Err: serr}, false)
	}
	rec := model.NewExperimentRecord(a.ExperimentID, a.ID, md,
		model.ConversionResult{TiledPath: a.TiledPath, ChunkedPath: a.ChunkedPath},
		a.NotebookID, p.now())
	if serr := p.store.SaveExperiment(ctx, rec); serr != nil {
		var pe *resilience.PersistenceError
		if !errors.As(serr, &pe) {
			serr = &resilience.PersistenceError{Op: "experiment " + rec.ID, Err: serr}
		}
		return nil, p.fail(ctx, key, model.StatePersisting, serr, false)
	}

	// Export
	if _, err := p.advance(ctx, key, model.StatePersisting, model.StateExporting, nil); err != nil {
		return nil, err
	}
	status, merr := p.export(ctx, rec)

	a, err = p.advance(ctx, key, model.StateExporting, model.StateCompleted, func(at *model.Attempt) {
		at.MirrorStatus = status
		at.MirrorError = errString(merr)
		at.FailedStage = ""
		at.Reason = ""
		at.Permanent = false
		at.NextRetryAt = nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("pipeline: ingest complete",
		zap.String("experiment_id", rec.ID),
		zap.String("mirror", string(a.MirrorStatus)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return rec, nil
}

// advance transitions key and persists the snapshot. Snapshot failures
// are logged and retried by the sweep; they do not stop the run.
func (p *Pipeline) advance(ctx context.Context, key string, from, to model.AttemptState, mutate func(*model.Attempt)) (*model.Attempt, error) {
	a, err := p.tracker.Transition(key, from, to, mutate)
	if err != nil {
		return nil, err
	}
	p.snapshot(ctx, a)
	return a, nil
}

func (p *Pipeline) snapshot(ctx context.Context, a *model.Attempt) {
	if err := p.store.SaveAttempt(ctx, a); err != nil {
		p.tracker.MarkDirty(norm.NFC.String(a.SourcePath))
		p.logger(a).Warn("pipeline: attempt snapshot not saved",
			zap.String("state", string(a.State)),
			zap.Error(err),
		)
	}
}

// fail records a stage failure on the attempt. Retryable failures are
// scheduled for the sweep with exponential spacing.
func (p *Pipeline) fail(ctx context.Context, key string, stage model.AttemptState, cause error, permanent bool) error {
	now := p.now()
	a, err := p.tracker.Transition(key, stage, model.StateFailed, func(at *model.Attempt) {
		at.FailedStage = stage
		at.Reason = cause.Error()
		at.Permanent = permanent
		at.NextRetryAt = nil
		if !permanent {
			next := resilience.NextRetryAt(now, p.cfg.RetryInterval, at.Tries)
			at.NextRetryAt = &next
		}
	})
	serr := &StageError{Stage: stage, Permanent: permanent, Err: cause}
	if err != nil {
		zap.L().Error("pipeline: cannot record failure", zap.String("path", key), zap.Error(err))
		return serr
	}
	p.snapshot(context.WithoutCancel(ctx), a)

	log := p.logger(a)
	if permanent {
		log.Error("pipeline: stage failed permanently",
			zap.String("stage", string(stage)),
			zap.Error(cause),
		)
	} else {
		log.Warn("pipeline: stage failed, will retry",
			zap.String("stage", string(stage)),
			zap.Int("try", a.Tries),
			zap.Timep("next_retry_at", a.NextRetryAt),
			zap.Error(cause),
		)
	}
	return serr
}

// register creates the notebook entry under retry, breaker, and a per-call
// timeout.
func (p *Pipeline) register(ctx context.Context, md *model.AcquisitionMetadata) (string, error) {
	entry := NewNotebookEntry(md)
	cb := p.breakers.Get(ServiceNotebook)
	rc := p.cfg.Retry
	rc.OnRetry = resilience.RetryLogger(ServiceNotebook, "register")

	return resilience.DoVal(ctx, rc, func(ctx context.Context) (string, error) {
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (string, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.NotebookTimeout)
			defer cancel()
			id, err := p.notebook.Register(callCtx, entry)
			if err == nil && id == "" {
				err = &resilience.ExternalCallError{Service: ServiceNotebook, Err: eris.New("empty notebook id")}
			}
			return id, err
		})
	})
}

// export mirrors rec and reports the resulting status. It never fails the
// attempt.
func (p *Pipeline) export(ctx context.Context, rec *model.ExperimentRecord) (model.MirrorStatus, error) {
	if p.mirror == nil {
		return model.MirrorDisabled, nil
	}
	doc := NewMirrorDocument(rec)
	cb := p.breakers.Get(ServiceMirror)
	rc := p.cfg.Retry
	rc.OnRetry = resilience.RetryLogger(ServiceMirror, "mirror")

	err := resilience.Do(ctx, rc, func(ctx context.Context) error {
		return cb.Execute(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.MirrorTimeout)
			defer cancel()
			return p.mirror.Mirror(callCtx, doc)
		})
	})
	if err != nil {
		zap.L().Warn("pipeline: mirror failed",
			zap.String("experiment_id", rec.ID),
			zap.String("path", rec.RawPath),
			zap.Error(err),
		)
		return model.MirrorFailed, err
	}
	return model.MirrorDone, nil
}

// remirror repeats only the export for a completed attempt.
func (p *Pipeline) remirror(ctx context.Context, key string) (*model.ExperimentRecord, error) {
	a, ok := p.tracker.Get(key)
	if !ok || a.State != model.StateCompleted || a.ExperimentID == "" {
		return nil, eris.Errorf("pipeline: %s has nothing to mirror", key)
	}
	rec, err := p.store.GetExperiment(ctx, a.ExperimentID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load experiment %s", a.ExperimentID)
	}
	status, merr := p.export(ctx, rec)
	a, err = p.tracker.Update(key, func(at *model.Attempt) {
		at.MirrorStatus = status
		at.MirrorError = errString(merr)
	})
	if err != nil {
		return nil, err
	}
	p.snapshot(ctx, a)
	if merr != nil {
		return rec, eris.Wrapf(merr, "pipeline: mirror %s", a.ExperimentID)
	}
	return rec, nil
}

func conversionPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, imaging.ErrUnsupportedLayout) ||
		errors.Is(err, imaging.ErrUnrecognized) ||
		errors.Is(err, convert.ErrOutputConflict) ||
		resilience.IsPermanent(err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
