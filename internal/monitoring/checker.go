package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rtg-microscopy/mingest/internal/config"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	// last message sent per alert type; an unchanged alert is not resent.
	last map[AlertType]string
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		last:      make(map[AlertType]string),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check collects one snapshot and sends the alerts that changed since the
// previous check. It returns the alerts sent.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	triggered := c.alerter.Evaluate(snap)
	active := make(map[AlertType]string, len(triggered))
	var fresh []Alert
	for _, a := range triggered {
		active[a.Type] = a.Message
		if c.last[a.Type] != a.Message {
			fresh = append(fresh, a)
		}
	}
	c.last = active

	if len(fresh) == 0 {
		log.Debug("monitoring: no new alerts", zap.Int("active", len(triggered)))
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return fresh
}
