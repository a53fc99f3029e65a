package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/calendar-assistant/internal/config"
	"github.com/sells-group/calendar-assistant/internal/monitoring"
)

// testConfig returns a serve-ready config on the memory backend.
func testConfig() *config.Config {
	return &config.Config{
		Log:    config.LogConfig{Level: "info", Format: "json"},
		Server: config.ServerConfig{Port: 8080, CORSOrigins: []string{"*"}},
		Retry: config.RetryConfig{
			MaxRetries:     -1,
			JitterFraction: -1,
			Circuit:        config.CircuitConfig{Enabled: true, FailureThreshold: 1, ResetTimeoutSecs: 60},
		},
		Connectivity: config.ConnectivityConfig{
			ProbeURL:        "http://probe.invalid",
			IntervalSecs:    30,
			TimeoutMs:       100,
			SlowThresholdMs: 1000,
		},
		Queue:   config.QueueConfig{MaxRetries: 1, DrainBurst: 1, DroppedHistory: 10},
		State:   config.StateConfig{Backend: "memory", TTLMinutes: 90},
		Metrics: config.MetricsConfig{Enabled: true, Namespace: "test"},
		Alerts:  config.AlertsConfig{TimeoutSecs: 1},
	}
}

func onlineProber() monitoring.Prober {
	return monitoring.ProberFunc(func(context.Context) (time.Duration, error) {
		return 10 * time.Millisecond, nil
	})
}

func newTestEnv(t *testing.T, c *config.Config) *appEnv {
	t.Helper()
	env, err := initApp(context.Background(), c, onlineProber())
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

func getFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
