// Package monitoring watches connectivity to the outside world and reports
// resilience telemetry to logs, prometheus and an alert webhook.
package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/calendar-assistant/internal/config"
	"github.com/sells-group/calendar-assistant/internal/model"
	"github.com/sells-group/calendar-assistant/internal/offline"
	"github.com/sells-group/calendar-assistant/internal/resilience"
)

// MonitorConfig tunes the probe loop.
type MonitorConfig struct {
	Interval      time.Duration
	Timeout       time.Duration
	SlowThreshold time.Duration
	Debounce      time.Duration
}

// DefaultMonitorConfig returns the production defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:      30 * time.Second,
		Timeout:       5 * time.Second,
		SlowThreshold: time.Second,
		Debounce:      2 * time.Second,
	}
}

// FromConnectivityConfig converts config values, keeping defaults for
// non-positive fields.
func FromConnectivityConfig(cfg config.ConnectivityConfig) MonitorConfig {
	mc := DefaultMonitorConfig()
	if cfg.IntervalSecs > 0 {
		mc.Interval = time.Duration(cfg.IntervalSecs) * time.Second
	}
	if cfg.TimeoutMs > 0 {
		mc.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	if cfg.SlowThresholdMs > 0 {
		mc.SlowThreshold = time.Duration(cfg.SlowThresholdMs) * time.Millisecond
	}
	if cfg.DebounceMs > 0 {
		mc.Debounce = time.Duration(cfg.DebounceMs) * time.Millisecond
	}
	return mc
}

// Drainer replays queued work. *offline.Queue satisfies it.
type Drainer interface {
	Drain(ctx context.Context) (offline.DrainReport, error)
}

// Monitor probes on a fixed interval and owns the NetworkStatus. When the
// connection comes back it schedules a single debounced drain; the timer is
// cancelled if the connection drops again before it fires.
type Monitor struct {
	prober   Prober
	drainer  Drainer
	cfg      MonitorConfig
	recorder resilience.Recorder
	log      *zap.Logger
	nowFunc  func() time.Time

	mu         sync.RWMutex
	status     model.NetworkStatus
	onChange   []func(prev, next model.NetworkStatus)
	runCtx     context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	drainTimer *time.Timer
	drainGen   uint64
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithDrainer sets what runs after reconnecting.
func WithDrainer(d Drainer) MonitorOption {
	return func(m *Monitor) { m.drainer = d }
}

// WithRecorder reports connectivity events.
func WithRecorder(r resilience.Recorder) MonitorOption {
	return func(m *Monitor) { m.recorder = r }
}

// WithClock overrides time.Now for LastCheckedAt.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.nowFunc = now }
}

// NewMonitor creates a stopped Monitor. Status is optimistically online
// until the first probe completes.
func NewMonitor(prober Prober, cfg MonitorConfig, opts ...MonitorOption) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	m := &Monitor{
		prober:   prober,
		cfg:      cfg,
		recorder: resilience.NopRecorder{},
		log:      zap.L().With(zap.String("component", "connectivity_monitor")),
		nowFunc:  time.Now,
		status:   model.OnlineStatus(),
		runCtx:   context.Background(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OnChange registers fn to run whenever online state or connection class
// changes. Callbacks run on the probing goroutine.
func (m *Monitor) OnChange(fn func(prev, next model.NetworkStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Status returns a copy of the latest status.
func (m *Monitor) Status() model.NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyStatus(m.status)
}

// Start probes immediately and then every Interval until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return eris.New("monitoring: monitor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.log.Info("starting connectivity monitor",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("timeout", m.cfg.Timeout),
	)

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.CheckNow(runCtx)
		for {
			select {
			case <-runCtx.Done():
				m.log.Info("connectivity monitor stopped")
				return
			case <-ticker.C:
				m.CheckNow(runCtx)
			}
		}
	}()
	return nil
}

// Stop halts probing and any pending drain, and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.stopDrainLocked()
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// CheckNow runs one time-bounded probe and applies the result. A probe
// still running at the timeout counts as offline and is abandoned.
func (m *Monitor) CheckNow(ctx context.Context) model.NetworkStatus {
	latency, err := m.probe(ctx)

	next := model.NetworkStatus{LastCheckedAt: m.nowFunc()}
	switch {
	case err != nil:
		next.ConnectionClass = model.ConnectionOffline
		next.LastError = err.Error()
	case latency > m.cfg.SlowThreshold:
		next.IsOnline = true
		next.ConnectionClass = model.ConnectionSlow
		next.Latency = &latency
	default:
		next.IsOnline = true
		next.ConnectionClass = model.ConnectionFast
		next.Latency = &latency
	}

	m.mu.Lock()
	prev := m.status
	m.status = next
	callbacks := append([]func(prev, next model.NetworkStatus){}, m.onChange...)
	switch {
	case !prev.IsOnline && next.IsOnline:
		m.scheduleDrainLocked()
	case !next.IsOnline:
		m.stopDrainLocked()
	}
	m.mu.Unlock()

	m.recorder.Record(resilience.Event{
		Type:    resilience.EventConnectivity,
		Domain:  resilience.DomainNetwork,
		Success: next.IsOnline,
		Delay:   latency,
		Detail:  string(next.ConnectionClass),
		At:      next.LastCheckedAt,
	})

	if prev.IsOnline != next.IsOnline || prev.ConnectionClass != next.ConnectionClass {
		m.log.Info("connectivity changed",
			zap.String("from", string(prev.ConnectionClass)),
			zap.String("to", string(next.ConnectionClass)),
			zap.Int64("latency_ms", next.LatencyMillis()),
			zap.String("error", next.LastError),
		)
		for _, fn := range callbacks {
			fn(copyStatus(prev), copyStatus(next))
		}
	}
	return copyStatus(next)
}

type probeResult struct {
	latency time.Duration
	err     error
}

func (m *Monitor) probe(ctx context.Context) (time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	results := make(chan probeResult, 1)
	go func() {
		latency, err := m.prober.Probe(probeCtx)
		results <- probeResult{latency: latency, err: err}
	}()

	select {
	case r := <-results:
		return r.latency, r.err
	case <-probeCtx.Done():
		return 0, eris.Wrapf(probeCtx.Err(), "monitoring: connectivity check exceeded %s", m.cfg.Timeout)
	}
}

func (m *Monitor) scheduleDrainLocked() {
	if m.drainer == nil {
		return
	}
	m.stopDrainLocked()
	gen := m.drainGen
	ctx := m.runCtx
	m.drainTimer = time.AfterFunc(m.cfg.Debounce, func() { m.drain(ctx, gen) })
}

func (m *Monitor) stopDrainLocked() {
	if m.drainTimer != nil {
		m.drainTimer.Stop()
		m.drainTimer = nil
	}
	m.drainGen++
}

func (m *Monitor) drain(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.drainGen || !m.status.IsOnline {
		m.mu.Unlock()
		return
	}
	m.drainTimer = nil
	m.mu.Unlock()

	report, err := m.drainer.Drain(ctx)
	if err != nil {
		m.log.Warn("post-reconnect drain failed", zap.Error(err))
		return
	}
	m.log.Info("post-reconnect drain complete",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("remaining", report.Remaining),
	)
}

func copyStatus(s model.NetworkStatus) model.NetworkStatus {
	if s.Latency != nil {
		l := *s.Latency
		s.Latency = &l
	}
	return s
}
