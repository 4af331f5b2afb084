package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quillreport/quill/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertTaskFailureRate AlertType = "task_failure_rate"
	AlertCacheHitRateLow AlertType = "cache_hit_rate_low"
	AlertQueryFailures   AlertType = "query_failures"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached.
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

	finished := snap.TaskCompleted + snap.TaskFailed
	if finished >= 5 && snap.TaskFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertTaskFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Task failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.TaskFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.TaskFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.TaskFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.TaskFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	requests := snap.CacheHits + snap.CacheMisses
	if a.cfg.CacheHitRateFloor > 0 && requests >= 20 && snap.CacheHitRate < a.cfg.CacheHitRateFloor {
		alerts = append(alerts, Alert{
			Type:     AlertCacheHitRateLow,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Cache hit rate %.1f%% below floor %.1f%% (%d requests)",
				snap.CacheHitRate*100, a.cfg.CacheHitRateFloor*100, requests,
			),
			Details: map[string]any{
				"hit_rate": snap.CacheHitRate,
				"floor":    a.cfg.CacheHitRateFloor,
				"requests": requests,
			},
			Timestamp: now,
		})
	}

	if snap.QueryExecutions >= 10 && snap.QueryFailures*2 > snap.QueryExecutions {
		alerts = append(alerts, Alert{
			Type:     AlertQueryFailures,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d of %d query executions failed",
				snap.QueryFailures, snap.QueryExecutions,
			),
			Details: map[string]any{
				"failures":   snap.QueryFailures,
				"executions": snap.QueryExecutions,
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
		if err := a.send(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

func (a *Alerter) send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build alert request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post alert")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return eris.Errorf("monitoring: webhook returned %d", resp.StatusCode)
	}
	return nil
}
