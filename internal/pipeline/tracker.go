package pipeline

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/rtg-microscopy/mingest/internal/model"
)

// ErrDuplicateSkipped is returned when a path already has a completed,
// running, or permanently failed attempt. It is informational.
var ErrDuplicateSkipped = eris.New("pipeline: duplicate skipped")

// resolve returns the absolute path used for I/O and its tracker key: the
// absolute path in Unicode NFC, so the same file reported with decomposed
// characters maps to one attempt.
func resolve(path string) (abs, key string, err error) {
	abs, err = filepath.Abs(path)
	if err != nil {
		return "", "", eris.Wrapf(err, "pipeline: resolve %s", path)
	}
	return abs, norm.NFC.String(abs), nil
}

// StateConflictError is returned by Transition when the attempt is no
// longer in the expected state.
type StateConflictError struct {
	Key  string
	Want model.AttemptState
	Got  model.AttemptState
}

func (e *StateConflictError) Error() string {
	return "pipeline: " + e.Key + " is " + string(e.Got) + ", expected " + string(e.Want)
}

// Tracker holds one attempt per key. All state changes are compare-and-swap
// under a single mutex; callers only ever see clones.
type Tracker struct {
	mu       sync.Mutex
	attempts map[string]*model.Attempt
	// keys whose latest snapshot failed to reach the store
	dirty map[string]struct{}
	now   func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		attempts: make(map[string]*model.Attempt),
		dirty:    make(map[string]struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Begin claims key for a run. A new key gets a fresh pending attempt whose
// SourcePath is source. A
// retryable failure is resumed; force also resumes a permanent failure.
// Completed, in-flight, and (without force) permanently failed attempts
// return the current attempt with ErrDuplicateSkipped.
func (t *Tracker) Begin(key, source string, force bool) (*model.Attempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	a, ok := t.attempts[key]
	if !ok {
		a = &model.Attempt{
			ID:           ulid.Make().String(),
			SourcePath:   source,
			State:        model.StatePending,
			MirrorStatus: model.MirrorPending,
			Tries:        1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		t.attempts[key] = a
		return a.Clone(), nil
	}

	switch {
	case a.State == model.StateCompleted, a.State.InFlight():
		return a.Clone(), ErrDuplicateSkipped
	case a.State == model.StateFailed && a.Permanent && !force:
		return a.Clone(), ErrDuplicateSkipped
	}

	a.State = model.StatePending
	a.Tries++
	a.NextRetryAt = nil
	a.UpdatedAt = now
	return a.Clone(), nil
}

// Transition moves key from one state to another, applying mutate to the
// stored attempt under the lock. It returns the updated clone.
func (t *Tracker) Transition(key string, from, to model.AttemptState, mutate func(*model.Attempt)) (*model.Attempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.attempts[key]
	if !ok {
		return nil, eris.Errorf("pipeline: no attempt for %s", key)
	}
	if a.State != from {
		return a.Clone(), &StateConflictError{Key: key, Want: from, Got: a.State}
	}
	a.State = to
	if mutate != nil {
		mutate(a)
	}
	a.UpdatedAt = t.now()
	return a.Clone(), nil
}

// Update applies mutate without changing the state. Used for fields that
// are recorded mid-stage such as the notebook ID.
func (t *Tracker) Update(key string, mutate func(*model.Attempt)) (*model.Attempt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.attempts[key]
	if !ok {
		return nil, eris.Errorf("pipeline: no attempt for %s", key)
	}
	mutate(a)
	a.UpdatedAt = t.now()
	return a.Clone(), nil
}

// Get returns a clone of the attempt for key.
func (t *Tracker) Get(key string) (*model.Attempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.attempts[key]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Load installs a persisted attempt, replacing whatever the tracker holds
// for the same key. Only Recover calls it, before any run starts.
func (t *Tracker) Load(a *model.Attempt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[norm.NFC.String(a.SourcePath)] = a.Clone()
}

// Due returns the keys of retryable failures scheduled at or before now
// that have tries left.
func (t *Tracker) Due(now time.Time, maxRetries int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []string
	for k, a := range t.attempts {
		if !a.CanRetry(maxRetries) {
			continue
		}
		if a.NextRetryAt != nil && a.NextRetryAt.After(now) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MirrorBacklog returns completed attempts whose mirror has not succeeded.
func (t *Tracker) MirrorBacklog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var keys []string
	for k, a := range t.attempts {
		if a.State != model.StateCompleted || a.ExperimentID == "" {
			continue
		}
		if a.MirrorStatus == model.MirrorFailed || a.MirrorStatus == model.MirrorPending {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// MarkDirty records that the latest snapshot of key did not persist.
func (t *Tracker) MarkDirty(key string) {
	t.mu.Lock()
	t.dirty[key] = struct{}{}
	t.mu.Unlock()
}

// TakeDirty returns and clears the dirty set.
func (t *Tracker) TakeDirty() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.dirty))
	for k := range t.dirty {
		keys = append(keys, k)
	}
	t.dirty = make(map[string]struct{})
	sort.Strings(keys)
	return keys
}
