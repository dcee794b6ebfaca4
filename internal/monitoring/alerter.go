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
	"golang.org/x/time/rate"

	"github.com/sells-group/lotwatch/internal/config"
	"github.com/sells-group/lotwatch/internal/model"
	"github.com/sells-group/lotwatch/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailure    AlertType = "job_failure"
	AlertRunFailRate   AlertType = "run_failure_rate"
	AlertStaleSnapshot AlertType = "stale_snapshot"
)

// minFinishedRuns is the sample below which the failure rate is not judged.
const minFinishedRuns = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Summary against configured thresholds and sends
// alerts via webhook, at most AlertsPerMinute per minute.
type Alerter struct {
	cfg     config.MonitoringConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	perMinute := cfg.AlertsPerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

// Evaluate checks the summary against thresholds and returns any alerts.
func (a *Alerter) Evaluate(sum *Summary) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Last run of each job.
	jobs := make([]string, 0, len(sum.LastRuns))
	for job := range sum.LastRuns {
		jobs = append(jobs, job)
	}
	sort.Strings(jobs)
	for _, job := range jobs {
		run := sum.LastRuns[job]
		if run.Status != model.RunStatusFailed {
			continue
		}
		severity := "high"
		if run.Summary["error_class"] == resilience.ClassIntegrity {
			severity = "medium"
		}
		alerts = append(alerts, Alert{
			Type:     AlertJobFailure,
			Severity: severity,
			Message:  fmt.Sprintf("Last %s run %s failed: %s", job, run.ID, run.Error),
			Details: map[string]any{
				"job":        job,
				"run_id":     run.ID,
				"started_at": run.StartedAt,
				"summary":    run.Summary,
			},
			Timestamp: now,
		})
	}

	// Failure rate across the window.
	finished := sum.RunsComplete + sum.RunsFailed
	if finished >= minFinishedRuns && sum.RunFailRate > a.cfg.ErrorRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				sum.RunFailRate*100, a.cfg.ErrorRateThreshold*100,
				sum.RunsFailed, finished, sum.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": sum.RunFailRate,
				"threshold":    a.cfg.ErrorRateThreshold,
				"failed":       sum.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// No fresh export within the window.
	if snap := sum.LatestSnapshot; snap != nil && sum.LookbackHours > 0 {
		age := sum.CollectedAt.Sub(snap.CapturedAt)
		if age > time.Duration(sum.LookbackHours)*time.Hour {
			alerts = append(alerts, Alert{
				Type:     AlertStaleSnapshot,
				Severity: "medium",
				Message: fmt.Sprintf("Latest snapshot %d is %s old (window %dh)",
					snap.ID, age.Round(time.Minute), sum.LookbackHours),
				Details: map[string]any{
					"snapshot_id": snap.ID,
					"captured_at": snap.CapturedAt,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL. Alerts over the
// rate limit are dropped and logged. Returns the number of alerts sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if !a.limiter.Allow() {
			zap.L().Warn("monitoring: alert rate limited",
				zap.String("type", string(alert.Type)),
			)
			continue
		}
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
