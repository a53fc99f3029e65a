package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/calendar-assistant/internal/resilience"
)

func TestPromRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPromRecorder(reg, "test")

	r.Record(resilience.Event{Type: resilience.EventRetry, Domain: resilience.DomainCalendarAPI, Kind: resilience.KindRateLimitExceeded, Delay: 5 * time.Second})
	r.Record(resilience.Event{Type: resilience.EventRetry, Domain: resilience.DomainCalendarAPI, Kind: resilience.KindRateLimitExceeded, Delay: 10 * time.Second})
	r.Record(resilience.Event{Type: resilience.EventConnectivity, Domain: resilience.DomainNetwork, Success: true, Delay: 30 * time.Millisecond})

	assert.InDelta(t, 2, testutil.ToFloat64(r.EventsTotal.WithLabelValues("retry", "calendar_api", "rate_limit_exceeded", "false")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(r.NetworkOnline), 0.001)
	assert.Equal(t, 1, testutil.CollectAndCount(r.RetryDelaySeconds))

	r.Record(resilience.Event{Type: resilience.EventConnectivity, Domain: resilience.DomainNetwork, Success: false})
	assert.InDelta(t, 0, testutil.ToFloat64(r.NetworkOnline), 0.001)
}

func TestRegisterQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	depth := 3
	RegisterQueueDepth(reg, "test", func() int { return depth })

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "test_offline_queue_depth", families[0].GetName())
	assert.InDelta(t, 3, families[0].GetMetric()[0].GetGauge().GetValue(), 0.001)
}

func TestLogRecorder_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	undo := zap.ReplaceGlobals(zap.New(core))
	defer undo()

	r := NewLogRecorder()
	r.Record(resilience.Event{Type: resilience.EventAttempt, Operation: "list_events", Attempt: 1})
	r.Record(resilience.Event{Type: resilience.EventDropped, Operation: "create_event", Detail: "still offline"})
	r.Record(resilience.Event{Type: resilience.EventRefresh, Operation: "token_refresh", Success: false})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "create_event", entries[1].ContextMap()["operation"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "telemetry", entries[0].ContextMap()["component"])
}
