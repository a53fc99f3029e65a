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

	"github.com/sells-group/calendar-assistant/internal/config"
	"github.com/sells-group/calendar-assistant/internal/offline"
	"github.com/sells-group/calendar-assistant/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertOperationDropped AlertType = "operation_dropped"
	AlertCircuitOpen      AlertType = "circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter sends alerts to a webhook. With no webhook configured every send
// is a no-op.
type Alerter struct {
	cfg     config.AlertsConfig
	client  *http.Client
	nowFunc func() time.Time
}

// NewAlerter creates a new Alerter with the given alerts config.
func NewAlerter(cfg config.AlertsConfig) *Alerter {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		nowFunc: time.Now,
	}
}

// Enabled reports whether a webhook is configured.
func (a *Alerter) Enabled() bool {
	return a.cfg.WebhookURL != ""
}

// DroppedAlert describes an offline operation that exhausted its retries.
func (a *Alerter) DroppedAlert(op offline.QueuedOperation) Alert {
	details := map[string]any{
		"operation_id": op.ID,
		"operation":    op.Name,
		"priority":     op.Priority.String(),
		"retry_count":  op.RetryCount,
		"enqueued_at":  op.EnqueuedAt,
	}
	if op.StateKey != "" {
		details["state_key"] = op.StateKey
	}
	if op.LastError != "" {
		details["last_error"] = op.LastError
	}
	return Alert{
		Type:     AlertOperationDropped,
		Severity: "high",
		Message: fmt.Sprintf("Offline operation %q dropped after %d attempts; preserved state kept",
			op.Name, op.RetryCount),
		Details:   details,
		Timestamp: a.nowFunc().UTC(),
	}
}

// CircuitAlert describes a service breaker opening.
func (a *Alerter) CircuitAlert(domain resilience.Domain, from, to resilience.CircuitState) Alert {
	return Alert{
		Type:     AlertCircuitOpen,
		Severity: "medium",
		Message:  fmt.Sprintf("Circuit breaker for %s is %s", domain, to),
		Details: map[string]any{
			"domain": string(domain),
			"from":   from.String(),
			"to":     to.String(),
		},
		Timestamp: a.nowFunc().UTC(),
	}
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
