package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/rtg-microscopy/mingest/internal/resilience"
	"github.com/rtg-microscopy/mingest/internal/store"
)

// MetricsSnapshot holds a point-in-time view of ingest health.
type MetricsSnapshot struct {
	// Attempt metrics (within lookback window).
	AttemptsTotal     int     `json:"attempts_total"`
	AttemptsCompleted int     `json:"attempts_completed"`
	AttemptsFailed    int     `json:"attempts_failed"`
	PermanentFailures int     `json:"permanent_failures"`
	MirrorFailures    int     `json:"mirror_failures"`
	FailRate          float64 `json:"fail_rate"`

	// Breakers that are not closed, by service.
	OpenBreakers map[string]string `json:"open_breakers,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsSource is the part of the store the collector reads.
type StatsSource interface {
	AttemptStats(ctx context.Context, since time.Time) (*store.AttemptStats, error)
}

// Collector gathers metrics from the store and the circuit breakers.
type Collector struct {
	stats    StatsSource
	breakers *resilience.ServiceBreakers
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(stats StatsSource, breakers *resilience.ServiceBreakers) *Collector {
	return &Collector{stats: stats, breakers: breakers}
}

// Collect gathers a snapshot of ingest metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	st, err := c.stats.AttemptStats(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: attempt stats")
	}

	snap.AttemptsTotal = st.Total
	snap.AttemptsCompleted = st.Completed
	snap.AttemptsFailed = st.Failed
	snap.PermanentFailures = st.Permanent
	snap.MirrorFailures = st.MirrorErr
	if finished := st.Completed + st.Failed; finished > 0 {
		snap.FailRate = float64(st.Failed) / float64(finished)
	}

	if c.breakers != nil {
		for name, state := range c.breakers.States() {
			if state == resilience.CircuitClosed {
				continue
			}
			if snap.OpenBreakers == nil {
				snap.OpenBreakers = make(map[string]string)
			}
			snap.OpenBreakers[name] = state.String()
		}
	}

	return snap, nil
}
