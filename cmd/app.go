package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/sells-group/calendar-assistant/internal/config"
	"github.com/sells-group/calendar-assistant/internal/model"
	"github.com/sells-group/calendar-assistant/internal/monitoring"
	"github.com/sells-group/calendar-assistant/internal/offline"
	"github.com/sells-group/calendar-assistant/internal/recovery"
	"github.com/sells-group/calendar-assistant/internal/resilience"
	"github.com/sells-group/calendar-assistant/internal/store"
)

const alertTimeout = 30 * time.Second

// appEnv holds everything the serve command runs.
type appEnv struct {
	Config    *config.Config
	Store     store.Store
	Preserver *store.Preserver
	Queue     *offline.Queue
	Monitor   *monitoring.Monitor
	Breakers  *resilience.ServiceBreakers // nil when circuits are disabled
	Executor  *resilience.Executor
	Handler   *recovery.Handler
	Alerter   *monitoring.Alerter
	Registry  *prometheus.Registry

	alerts    sync.WaitGroup
	lastDrain atomic.Pointer[offline.DrainReport]
}

// Close waits for in-flight alerts and releases the store.
func (env *appEnv) Close() {
	env.alerts.Wait()
	if env.Store != nil {
		_ = env.Store.Close()
	}
}

// sendAlert delivers a in the background so queue and breaker callbacks
// never block on the webhook.
func (env *appEnv) sendAlert(a monitoring.Alert) {
	if env.Alerter == nil || !env.Alerter.Enabled() {
		return
	}
	env.alerts.Add(1)
	go func() {
		defer env.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		env.Alerter.SendAlerts(ctx, []monitoring.Alert{a})
	}()
}

// storeConfig maps the state section to a store.Config.
func storeConfig(c config.StateConfig) store.Config {
	sc := store.Config{
		Backend:        c.Backend,
		SQLitePath:     c.SQLitePath,
		PostgresURL:    c.DatabaseURL,
		RedisURL:       c.RedisURL,
		RedisPassword:  c.RedisPassword,
		BadgerPath:     c.BadgerPath,
		BadgerInMemory: c.BadgerInMemory,
	}
	if c.MaxConns > 0 || c.MinConns > 0 {
		sc.Pool = &store.PoolConfig{MaxConns: c.MaxConns, MinConns: c.MinConns}
	}
	return sc
}

// openPreserver opens the configured store and wraps it with the
// configured TTL. Callers close the returned store.
func openPreserver(ctx context.Context, c *config.Config, rec resilience.Recorder) (store.Store, *store.Preserver, error) {
	st, err := store.Open(ctx, storeConfig(c.State))
	if err != nil {
		return nil, nil, eris.Wrap(err, "open state store")
	}
	opts := []store.PreserverOption{store.WithDefaultTTL(time.Duration(c.State.TTLMinutes) * time.Minute)}
	if rec != nil {
		opts = append(opts, store.WithRecorder(rec))
	}
	return st, store.NewPreserver(st, opts...), nil
}

// retryPolicies applies the retry section to every domain default.
func retryPolicies(c config.RetryConfig) map[resilience.Domain]resilience.RetryPolicy {
	domains := []resilience.Domain{
		resilience.DomainNetwork,
		resilience.DomainAuth,
		resilience.DomainAIService,
		resilience.DomainCalendarAPI,
	}
	policies := make(map[resilience.Domain]resilience.RetryPolicy, len(domains))
	for _, d := range domains {
		policies[d] = resilience.FromRetryConfig(d, c.MaxRetries, c.BaseDelayMs, c.MaxDelayMs, c.Multiplier, c.JitterFraction)
	}
	return policies
}

// refresher builds the OAuth refresh path, or nil when it is not configured.
func refresher(c config.RefreshConfig) *resilience.Refresher {
	if !c.Enabled() {
		return nil
	}
	r := resilience.TokenSourceRefresher(&oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: c.TokenURL},
		Scopes:       c.Scopes,
	})
	if c.MaxRetries > 0 {
		r.Policy.MaxRetries = c.MaxRetries
	}
	return r
}

// initApp wires the store, queue, monitor, executor and recovery handler.
// Callers should defer env.Close().
func initApp(ctx context.Context, c *config.Config, prober monitoring.Prober) (*appEnv, error) {
	if err := c.Validate("serve"); err != nil {
		return nil, err
	}

	env := &appEnv{
		Config:   c,
		Alerter:  monitoring.NewAlerter(c.Alerts),
		Registry: prometheus.NewRegistry(),
	}

	rec := resilience.MultiRecorder{monitoring.NewLogRecorder()}
	if c.Metrics.Enabled {
		env.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		rec = append(rec, monitoring.NewPromRecorder(env.Registry, c.Metrics.Namespace))
	}

	st, preserver, err := openPreserver(ctx, c, rec)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.Preserver = preserver

	// The queue and monitor depend on each other; the queue reads status
	// through this closure once the monitor exists.
	var mon *monitoring.Monitor
	status := func() model.NetworkStatus { return mon.Status() }

	env.Queue = offline.New(
		offline.WithStateClearer(preserver),
		offline.WithRecorder(rec),
		offline.WithStatusSource(status),
		offline.WithRateLimit(c.Queue.DrainRatePerSec, c.Queue.DrainBurst),
		offline.WithMaxRetries(c.Queue.MaxRetries),
		offline.WithDroppedHistory(c.Queue.DroppedHistory),
		offline.WithOnDrop(func(op offline.QueuedOperation) {
			env.sendAlert(env.Alerter.DroppedAlert(op))
		}),
		offline.WithOnDrained(func(r offline.DrainReport) {
			env.lastDrain.Store(&r)
		}),
	)

	mon = monitoring.NewMonitor(prober, monitoring.FromConnectivityConfig(c.Connectivity),
		monitoring.WithDrainer(env.Queue),
		monitoring.WithRecorder(rec),
	)
	env.Monitor = mon

	exOpts := []resilience.ExecutorOption{
		resilience.WithRecorder(rec),
		resilience.WithStatusSource(mon.Status),
	}
	if c.Retry.Circuit.Enabled {
		env.Breakers = resilience.NewServiceBreakers(resilience.FromCircuitConfig(c.Retry.Circuit.FailureThreshold, c.Retry.Circuit.ResetTimeoutSecs))
		env.Breakers.OnTransition(func(domain resilience.Domain, from, to resilience.CircuitState) {
			if to == resilience.CircuitOpen {
				env.sendAlert(env.Alerter.CircuitAlert(domain, from, to))
			}
		})
		exOpts = append(exOpts, resilience.WithBreakers(env.Breakers))
	}
	env.Executor = resilience.NewExecutor(exOpts...)

	hOpts := []recovery.Option{
		recovery.WithQueue(env.Queue),
		recovery.WithPreserver(preserver),
		recovery.WithPolicies(retryPolicies(c.Retry)),
	}
	if r := refresher(c.Refresh); r != nil {
		hOpts = append(hOpts, recovery.WithRefresher(r))
	} else {
		zap.L().Info("token refresh disabled: refresh.client_id or refresh.token_url not set")
	}
	env.Handler = recovery.NewHandler(env.Executor, hOpts...)

	if c.Metrics.Enabled {
		monitoring.RegisterQueueDepth(env.Registry, c.Metrics.Namespace, env.Queue.Len)
	}

	return env, nil
}
