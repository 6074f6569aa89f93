package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/rtg-microscopy/mingest/internal/model"
	"github.com/rtg-microscopy/mingest/internal/store"
)

// Interrupted is the failure reason given to attempts found mid-flight at
// startup.
const Interrupted = "interrupted"

// SweepResult summarizes one RetryDue pass.
type SweepResult struct {
	Flushed      int `json:"flushed"`
	Resumed      int `json:"resumed"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Mirrored     int `json:"mirrored"`
	MirrorFailed int `json:"mirror_failed"`
}

// RecoverResult summarizes a Recover call.
type RecoverResult struct {
	Loaded      int `json:"loaded"`
	Interrupted int `json:"interrupted"`
	Finished    int `json:"finished"`
}

// Recover loads persisted attempts into the tracker. Attempts caught
// mid-flight become retryable failures due immediately, except an attempt
// at exporting whose experiment row exists, which is completed with its
// mirror still pending.
func (p *Pipeline) Recover(ctx context.Context) (*RecoverResult, error) {
	attempts, err := p.store.ListAttempts(ctx, store.AttemptFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: recover")
	}

	log := zap.L().With(zap.String("component", "pipeline"))
	now := p.now()
	res := &RecoverResult{}
	for i := range attempts {
		a := &attempts[i]
		if a.State.InFlight() {
			if p.interruptedAfterPersist(ctx, a) {
				a.State = model.StateCompleted
				a.MirrorStatus = model.MirrorPending
				res.Finished++
			} else {
				a.FailedStage = a.State
				a.State = model.StateFailed
				a.Reason = Interrupted
				a.Permanent = false
				due := now
				a.NextRetryAt = &due
				res.Interrupted++
			}
			a.UpdatedAt = now
			if serr := p.store.SaveAttempt(ctx, a); serr != nil {
				log.Warn("pipeline: recovered attempt not saved", zap.String("path", a.SourcePath), zap.Error(serr))
				p.tracker.Load(a)
				p.tracker.MarkDirty(norm.NFC.String(a.SourcePath))
				res.Loaded++
				continue
			}
		}
		p.tracker.Load(a)
		res.Loaded++
	}

	log.Info("pipeline: attempts recovered",
		zap.Int("loaded", res.Loaded),
		zap.Int("interrupted", res.Interrupted),
		zap.Int("finished", res.Finished),
	)
	return res, nil
}

func (p *Pipeline) interruptedAfterPersist(ctx context.Context, a *model.Attempt) bool {
	if a.State != model.StateExporting || a.ExperimentID == "" {
		return false
	}
	_, err := p.store.GetExperiment(ctx, a.ExperimentID)
	return err == nil
}

// RetryDue runs one sweep: it re-saves snapshots that previously failed to
// persist, resumes every retryable failure due at now, and re-mirrors
// completed attempts whose mirror did not succeed.
func (p *Pipeline) RetryDue(ctx context.Context, now time.Time) (*SweepResult, error) {
	res := &SweepResult{}
	log := zap.L().With(zap.String("component", "pipeline"))

	for _, key := range p.tracker.TakeDirty() {
		a, ok := p.tracker.Get(key)
		if !ok {
			continue
		}
		if err := p.store.SaveAttempt(ctx, a); err != nil {
			p.tracker.MarkDirty(key)
			continue
		}
		res.Flushed++
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.MaxConcurrency)
	for _, key := range p.tracker.Due(now, p.cfg.MaxRetries) {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			a, err := p.tracker.Begin(key, "", false)
			if err != nil {
				return nil
			}
			_, err = p.start(ctx, key, a)
			mu.Lock()
			res.Resumed++
			if err != nil {
				res.Failed++
			} else {
				res.Completed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, key := range p.tracker.MirrorBacklog() {
		if ctx.Err() != nil {
			break
		}
		if _, err := p.remirror(ctx, key); err != nil {
			res.MirrorFailed++
			continue
		}
		res.Mirrored++
	}

	if res.Resumed > 0 || res.Mirrored > 0 || res.MirrorFailed > 0 || res.Flushed > 0 {
		log.Info("pipeline: retry sweep complete",
			zap.Int("flushed", res.Flushed),
			zap.Int("resumed", res.Resumed),
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed),
			zap.Int("mirrored", res.Mirrored),
			zap.Int("mirror_failed", res.MirrorFailed),
		)
	}
	return res, ctx.Err()
}

// RunSweeper calls RetryDue every interval until ctx is done.
func (p *Pipeline) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RetryDue(ctx, p.now()); err != nil && ctx.Err() == nil {
				zap.L().Warn("pipeline: retry sweep error", zap.Error(err))
			}
		}
	}
}
