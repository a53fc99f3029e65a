package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/calendar-assistant/internal/config"
	"github.com/sells-group/calendar-assistant/internal/monitoring"
	"github.com/sells-group/calendar-assistant/internal/offline"
	"github.com/sells-group/calendar-assistant/internal/recovery"
	"github.com/sells-group/calendar-assistant/internal/resilience"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []monitoring.Alert
}

func (s *alertSink) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a monitoring.Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err == nil {
			s.mu.Lock()
			s.alerts = append(s.alerts, a)
			s.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (s *alertSink) types() []monitoring.AlertType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []monitoring.AlertType
	for _, a := range s.alerts {
		out = append(out, a.Type)
	}
	return out
}

func TestInitApp_InvalidConfig(t *testing.T) {
	c := testConfig()
	c.Queue.MaxRetries = 0

	_, err := initApp(context.Background(), c, onlineProber())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.max_retries")
}

func TestInitApp_DroppedOperationSendsAlert(t *testing.T) {
	sink := &alertSink{}
	c := testConfig()
	c.Alerts.WebhookURL = sink.server(t).URL
	env := newTestEnv(t, c)

	_, err := env.Queue.Enqueue(offline.EnqueueRequest{
		Name:          "send_invite",
		Invoke:        func(context.Context) error { return errors.New("calendar still unreachable") },
		PreserveState: true,
		Cause:         resilience.ErrOffline,
	})
	require.NoError(t, err)

	report, err := env.Queue.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)

	env.alerts.Wait()
	assert.Equal(t, []monitoring.AlertType{monitoring.AlertOperationDropped}, sink.types())
}

func TestInitApp_OpenCircuitSendsAlert(t *testing.T) {
	sink := &alertSink{}
	c := testConfig()
	c.Alerts.WebhookURL = sink.server(t).URL
	env := newTestEnv(t, c)

	_ = env.Breakers.Get(resilience.DomainAIService).Execute(context.Background(), func(context.Context) error {
		return errors.New("upstream reset")
	})

	env.alerts.Wait()
	assert.Equal(t, []monitoring.AlertType{monitoring.AlertCircuitOpen}, sink.types())
	assert.Equal(t, "open", env.Breakers.States()[resilience.DomainAIService])
}

func TestInitApp_CircuitsDisabled(t *testing.T) {
	c := testConfig()
	c.Retry.Circuit.Enabled = false
	env := newTestEnv(t, c)
	assert.Nil(t, env.Breakers)
}

func TestInitApp_HandlerPreservesAndQueuesOfflineWork(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ctx := context.Background()

	var recovered string
	_, err := recovery.Run(ctx, env.Handler, recovery.Task[string]{
		Name:   "create_event",
		Op:     func(context.Context) (string, error) { return "", resilience.ErrOffline },
		Policy: env.Handler.Policy(resilience.DomainNetwork),
		Plan: recovery.Plan{
			StateKey: "user-1:create_event",
			Snapshot: map[string]string{"title": "Standup"},
			Queue:    true,
		},
		OnRecovered: func(v string) { recovered = v },
	})

	ce, ok := resilience.AsClassified(err)
	require.True(t, ok)
	assert.True(t, ce.ProgressSaved)
	assert.NotEmpty(t, ce.QueuedID)
	assert.Equal(t, 1, env.Queue.Len())

	st, err := env.Preserver.Load(ctx, "user-1:create_event")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.JSONEq(t, `{"title":"Standup"}`, string(st.Payload))
	assert.Empty(t, recovered)
}

func TestRetryPolicies(t *testing.T) {
	policies := retryPolicies(config.RetryConfig{MaxRetries: 2, BaseDelayMs: 250, JitterFraction: -1})

	require.Len(t, policies, 4)
	for domain, p := range policies {
		assert.Equal(t, 2, p.MaxRetries, domain)
		assert.Equal(t, 250*time.Millisecond, p.BaseDelay, domain)
	}
	assert.Equal(t,
		resilience.DefaultPolicy(resilience.DomainCalendarAPI).MaxDelay,
		policies[resilience.DomainCalendarAPI].MaxDelay)
}

func TestRefresher(t *testing.T) {
	assert.Nil(t, refresher(config.RefreshConfig{TokenURL: "https://oauth2.example.com/token"}))

	r := refresher(config.RefreshConfig{
		ClientID:   "client",
		TokenURL:   "https://oauth2.example.com/token",
		MaxRetries: 2,
	})
	require.NotNil(t, r)
	assert.Equal(t, 2, r.Policy.MaxRetries)
}

func TestStoreConfig(t *testing.T) {
	sc := storeConfig(config.StateConfig{
		Backend:     "postgres",
		DatabaseURL: "postgres://localhost/calendar",
		MaxConns:    8,
	})
	assert.Equal(t, "postgres", sc.Backend)
	assert.Equal(t, "postgres://localhost/calendar", sc.PostgresURL)
	require.NotNil(t, sc.Pool)
	assert.Equal(t, int32(8), sc.Pool.MaxConns)

	assert.Nil(t, storeConfig(config.StateConfig{Backend: "memory"}).Pool)
}
