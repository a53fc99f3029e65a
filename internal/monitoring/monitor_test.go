package monitoring

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/calendar-assistant/internal/config"
	"github.com/sells-group/calendar-assistant/internal/model"
	"github.com/sells-group/calendar-assistant/internal/offline"
	"github.com/sells-group/calendar-assistant/internal/resilience"
)

// switchProber answers according to a toggle.
type switchProber struct {
	online  atomic.Bool
	latency atomic.Int64
	calls   atomic.Int32
}

func newSwitchProber(online bool, latency time.Duration) *switchProber {
	p := &switchProber{}
	p.online.Store(online)
	p.latency.Store(int64(latency))
	return p
}

func (p *switchProber) Probe(context.Context) (time.Duration, error) {
	p.calls.Add(1)
	if !p.online.Load() {
		return 0, errors.New("dial tcp: connection refused")
	}
	return time.Duration(p.latency.Load()), nil
}

type countingDrainer struct {
	calls atomic.Int32
}

func (d *countingDrainer) Drain(context.Context) (offline.DrainReport, error) {
	d.calls.Add(1)
	return offline.DrainReport{}, nil
}

func testMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:      time.Hour,
		Timeout:       time.Second,
		SlowThreshold: 100 * time.Millisecond,
		Debounce:      20 * time.Millisecond,
	}
}

func TestMonitor_InitialStatusIsOptimistic(t *testing.T) {
	m := NewMonitor(newSwitchProber(true, 0), testMonitorConfig())
	st := m.Status()
	assert.True(t, st.IsOnline)
	assert.Equal(t, model.ConnectionFast, st.ConnectionClass)
}

func TestMonitor_CheckNowClassifies(t *testing.T) {
	checked := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		online    bool
		latency   time.Duration
		wantClass model.ConnectionClass
	}{
		{"fast", true, 20 * time.Millisecond, model.ConnectionFast},
		{"at threshold is fast", true, 100 * time.Millisecond, model.ConnectionFast},
		{"slow", true, 400 * time.Millisecond, model.ConnectionSlow},
		{"offline", false, 0, model.ConnectionOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(newSwitchProber(tt.online, tt.latency), testMonitorConfig(),
				WithClock(func() time.Time { return checked }))

			st := m.CheckNow(context.Background())
			assert.Equal(t, tt.wantClass, st.ConnectionClass)
			assert.Equal(t, tt.online, st.IsOnline)
			assert.Equal(t, checked, st.LastCheckedAt)
			if tt.online {
				assert.Equal(t, tt.latency.Milliseconds(), st.LatencyMillis())
				assert.Empty(t, st.LastError)
			} else {
				assert.Equal(t, int64(-1), st.LatencyMillis())
				assert.Equal(t, "dial tcp: connection refused", st.LastError)
			}
			assert.Equal(t, st, m.Status())
		})
	}
}

func TestMonitor_ProbeIsTimeBounded(t *testing.T) {
	hung := ProberFunc(func(ctx context.Context) (time.Duration, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	cfg := testMonitorConfig()
	cfg.Timeout = 20 * time.Millisecond
	m := NewMonitor(hung, cfg)

	start := time.Now()
	st := m.CheckNow(context.Background())
	assert.False(t, st.IsOnline)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMonitor_ProberIgnoringContextIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := ProberFunc(func(context.Context) (time.Duration, error) {
		<-release
		return 10 * time.Millisecond, nil
	})
	cfg := testMonitorConfig()
	cfg.Timeout = 20 * time.Millisecond
	m := NewMonitor(stuck, cfg)

	start := time.Now()
	st := m.CheckNow(context.Background())
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.False(t, st.IsOnline)
	assert.Equal(t, model.ConnectionOffline, st.ConnectionClass)
	assert.Contains(t, st.LastError, "connectivity check exceeded 20ms")
}

func TestMonitor_ReconnectSchedulesOneDrain(t *testing.T) {
	prober := newSwitchProber(false, 10*time.Millisecond)
	drainer := &countingDrainer{}
	m := NewMonitor(prober, testMonitorConfig(), WithDrainer(drainer))
	ctx := context.Background()

	m.CheckNow(ctx)
	prober.online.Store(true)
	m.CheckNow(ctx)
	m.CheckNow(ctx)

	require.Eventually(t, func() bool { return drainer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return drainer.calls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestMonitor_NoDrainWithoutOfflinePeriod(t *testing.T) {
	drainer := &countingDrainer{}
	m := NewMonitor(newSwitchProber(true, 0), testMonitorConfig(), WithDrainer(drainer))

	m.CheckNow(context.Background())
	assert.Never(t, func() bool { return drainer.calls.Load() > 0 }, 80*time.Millisecond, 10*time.Millisecond)
}

func TestMonitor_DropBeforeDebounceCancelsDrain(t *testing.T) {
	prober := newSwitchProber(false, 0)
	drainer := &countingDrainer{}
	cfg := testMonitorConfig()
	cfg.Debounce = 50 * time.Millisecond
	m := NewMonitor(prober, cfg, WithDrainer(drainer))
	ctx := context.Background()

	m.CheckNow(ctx)
	prober.online.Store(true)
	m.CheckNow(ctx)
	prober.online.Store(false)
	m.CheckNow(ctx)

	assert.Never(t, func() bool { return drainer.calls.Load() > 0 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestMonitor_OnChangeAndTelemetry(t *testing.T) {
	prober := newSwitchProber(true, 10*time.Millisecond)
	var mu sync.Mutex
	var events []resilience.Event
	m := NewMonitor(prober, testMonitorConfig(), WithRecorder(resilience.RecorderFunc(func(e resilience.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	})))

	var transitions [][2]model.ConnectionClass
	m.OnChange(func(prev, next model.NetworkStatus) {
		transitions = append(transitions, [2]model.ConnectionClass{prev.ConnectionClass, next.ConnectionClass})
	})

	ctx := context.Background()
	m.CheckNow(ctx)
	prober.online.Store(false)
	m.CheckNow(ctx)
	m.CheckNow(ctx)
	prober.online.Store(true)
	prober.latency.Store(int64(time.Second))
	m.CheckNow(ctx)

	assert.Equal(t, [][2]model.ConnectionClass{
		{model.ConnectionFast, model.ConnectionOffline},
		{model.ConnectionOffline, model.ConnectionSlow},
	}, transitions)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 4)
	assert.Equal(t, resilience.EventConnectivity, events[0].Type)
	assert.True(t, events[0].Success)
	assert.False(t, events[1].Success)
	assert.Equal(t, "slow", events[3].Detail)
}

func TestMonitor_StartStop(t *testing.T) {
	prober := newSwitchProber(true, 0)
	cfg := testMonitorConfig()
	cfg.Interval = 10 * time.Millisecond
	m := NewMonitor(prober, cfg)

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()), "second start is rejected")

	require.Eventually(t, func() bool { return prober.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()

	after := prober.calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, prober.calls.Load())

	m.Stop()
}

func TestFromConnectivityConfig(t *testing.T) {
	mc := FromConnectivityConfig(config.ConnectivityConfig{IntervalSecs: 10, SlowThresholdMs: 250})
	assert.Equal(t, 10*time.Second, mc.Interval)
	assert.Equal(t, 250*time.Millisecond, mc.SlowThreshold)
	assert.Equal(t, 5*time.Second, mc.Timeout)
	assert.Equal(t, 2*time.Second, mc.Debounce)
}
