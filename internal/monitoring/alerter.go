package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rtg-microscopy/mingest/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate       AlertType = "ingest_failure_rate"
	AlertPermanentFailures AlertType = "permanent_failures"
	AlertMirrorFailures    AlertType = "mirror_failures"
	AlertCircuitOpen       AlertType = "circuit_open"
)

// minFinished is the number of finished attempts below which the failure
// rate is too noisy to alert on.
const minFinished = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.AttemptsCompleted + snap.AttemptsFailed
	if finished >= minFinished && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Ingest failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.AttemptsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.AttemptsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.PermanentFailures > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertPermanentFailures,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d file(s) failed permanently in last %dh and need an operator retry",
				snap.PermanentFailures, snap.LookbackHours,
			),
			Details: map[string]any{
				"permanent": snap.PermanentFailures,
			},
			Timestamp: now,
		})
	}

	if snap.MirrorFailures > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertMirrorFailures,
			Severity: "low",
			Message: fmt.Sprintf(
				"%d record(s) not mirrored in last %dh",
				snap.MirrorFailures, snap.LookbackHours,
			),
			Details: map[string]any{
				"mirror_failed": snap.MirrorFailures,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenBreakers) > 0 {
		names := make([]string, 0, len(snap.OpenBreakers))
		for name := range snap.OpenBreakers {
			names = append(names, name)
		}
		sort.Strings(names)
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "high",
			Message:  fmt.Sprintf("Circuit breaker not closed for %v", names),
			Details: map[string]any{
				"breakers": snap.OpenBreakers,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
