package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/calendar-assistant/internal/resilience"
)

// LogRecorder writes telemetry events to zap. Drops are errors, failed
// refreshes and fallbacks are warnings, everything else is debug.
type LogRecorder struct {
	log *zap.Logger
}

// NewLogRecorder returns a LogRecorder on the global logger.
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{log: zap.L().With(zap.String("component", "telemetry"))}
}

func (r *LogRecorder) Record(e resilience.Event) {
	level := zapcore.DebugLevel
	switch {
	case e.Type == resilience.EventDropped:
		level = zapcore.ErrorLevel
	case e.Type == resilience.EventFallback,
		e.Type == resilience.EventRefresh && !e.Success:
		level = zapcore.WarnLevel
	}
	ce := r.log.Check(level, "resilience event")
	if ce == nil {
		return
	}
	fields := []zap.Field{
		zap.String("type", string(e.Type)),
		zap.String("operation", e.Operation),
		zap.Bool("success", e.Success),
	}
	if e.Domain != "" {
		fields = append(fields, zap.String("domain", string(e.Domain)))
	}
	if e.Kind != "" {
		fields = append(fields, zap.String("kind", string(e.Kind)))
	}
	if e.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", e.Attempt))
	}
	if e.Delay > 0 {
		fields = append(fields, zap.Duration("delay", e.Delay))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	ce.Write(fields...)
}

// PromRecorder turns telemetry events into prometheus metrics.
type PromRecorder struct {
	EventsTotal       *prometheus.CounterVec
	RetryDelaySeconds *prometheus.HistogramVec
	NetworkOnline     prometheus.Gauge
	ProbeLatency      prometheus.Histogram
}

// NewPromRecorder registers the resilience metrics on reg.
func NewPromRecorder(reg prometheus.Registerer, namespace string) *PromRecorder {
	f := promauto.With(reg)
	return &PromRecorder{
		EventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "resilience",
				Name:      "events_total",
				Help:      "Resilience events by type, domain, kind and outcome.",
			},
			[]string{"type", "domain", "kind", "success"},
		),
		RetryDelaySeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "resilience",
				Name:      "retry_delay_seconds",
				Help:      "Delay scheduled before each retry.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 30, 60, 120},
			},
			[]string{"domain"},
		),
		NetworkOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 when the last probe succeeded, 0 otherwise.",
		}),
		ProbeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "probe_latency_seconds",
			Help:      "Latency of successful connectivity probes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}
}

func (r *PromRecorder) Record(e resilience.Event) {
	r.EventsTotal.WithLabelValues(string(e.Type), string(e.Domain), string(e.Kind), strconv.FormatBool(e.Success)).Inc()

	switch e.Type {
	case resilience.EventRetry:
		r.RetryDelaySeconds.WithLabelValues(string(e.Domain)).Observe(e.Delay.Seconds())
	case resilience.EventConnectivity:
		if e.Success {
			r.NetworkOnline.Set(1)
			r.ProbeLatency.Observe(e.Delay.Seconds())
		} else {
			r.NetworkOnline.Set(0)
		}
	}
}

// RegisterQueueDepth exposes fn as a gauge of pending offline operations.
func RegisterQueueDepth(reg prometheus.Registerer, namespace string, fn func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "offline_queue",
		Name:      "depth",
		Help:      "Operations waiting for connectivity.",
	}, func() float64 { return float64(fn()) })
}
