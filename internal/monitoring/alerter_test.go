package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/calendar-assistant/internal/config"
	"github.com/sells-group/calendar-assistant/internal/offline"
	"github.com/sells-group/calendar-assistant/internal/resilience"
)

func TestAlerter_DroppedAlert(t *testing.T) {
	a := NewAlerter(config.AlertsConfig{})
	a.nowFunc = func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) }

	alert := a.DroppedAlert(offline.QueuedOperation{
		ID:         "op-1",
		Name:       "create_event",
		Priority:   offline.PriorityHigh,
		RetryCount: 3,
		StateKey:   "user-1:create_event",
		LastError:  "dial tcp: connection refused",
	})

	assert.Equal(t, AlertOperationDropped, alert.Type)
	assert.Equal(t, "high", alert.Severity)
	assert.Equal(t, `Offline operation "create_event" dropped after 3 attempts; preserved state kept`, alert.Message)
	assert.Equal(t, "op-1", alert.Details["operation_id"])
	assert.Equal(t, "high", alert.Details["priority"])
	assert.Equal(t, "user-1:create_event", alert.Details["state_key"])
	assert.Equal(t, "dial tcp: connection refused", alert.Details["last_error"])
	assert.Equal(t, time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), alert.Timestamp)
}

func TestAlerter_CircuitAlert(t *testing.T) {
	a := NewAlerter(config.AlertsConfig{})
	alert := a.CircuitAlert(resilience.DomainAIService, resilience.CircuitClosed, resilience.CircuitOpen)

	assert.Equal(t, AlertCircuitOpen, alert.Type)
	assert.Equal(t, "Circuit breaker for ai_service is open", alert.Message)
	assert.Equal(t, "closed", alert.Details["from"])
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.AlertsConfig{WebhookURL: ts.URL})
	assert.True(t, a.Enabled())

	alerts := []Alert{
		a.DroppedAlert(offline.QueuedOperation{ID: "op-1", Name: "sync"}),
		{Type: AlertCircuitOpen, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.AlertsConfig{WebhookURL: ""})
	assert.False(t, a.Enabled())

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertOperationDropped, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.AlertsConfig{WebhookURL: "http://example.com"})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.AlertsConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertOperationDropped, Message: "test"}})
	assert.Equal(t, 0, sent)
}
