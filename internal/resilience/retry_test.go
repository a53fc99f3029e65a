package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/calendar-assistant/internal/model"
)

// eventLog collects telemetry for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// fakeSleeper records requested delays without waiting.
type fakeSleeper struct {
	delays []time.Duration
}

func (s *fakeSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestExecutor(opts ...ExecutorOption) (*Executor, *fakeSleeper, *eventLog) {
	s := &fakeSleeper{}
	log := &eventLog{}
	base := []ExecutorOption{WithSleeper(s.sleep), WithRecorder(log)}
	return NewExecutor(append(base, opts...)...), s, log
}

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	ex, sleeper, log := newTestExecutor()

	calls := 0
	val, err := Execute(context.Background(), ex, Request[string]{
		Name: "list_events",
		Op: func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", &StatusError{StatusCode: 502}
			}
			return "ok", nil
		},
		Policy: RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2},
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
	assert.Len(t, log.ofType(EventAttempt), 3)
	assert.Len(t, log.ofType(EventRetry), 2)
}

func TestExecute_ExhaustionReturnsLastClassification(t *testing.T) {
	ex, sleeper, _ := newTestExecutor()

	calls := 0
	_, err := Execute(context.Background(), ex, Request[int]{
		Name: "create_event",
		Op: func(context.Context) (int, error) {
			calls++
			return 0, &StatusError{StatusCode: 500}
		},
		Policy: RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2},
	})

	ce, ok := AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, KindServerError, ce.Kind)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 3, calls, "attempts never exceed maxRetries+1")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.delays)
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	ex, sleeper, _ := newTestExecutor()

	calls := 0
	_, err := Execute(context.Background(), ex, Request[int]{
		Op: func(context.Context) (int, error) {
			calls++
			return 0, &StatusError{StatusCode: 404}
		},
		Policy: DefaultRetryPolicy(),
	})

	ce, ok := AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, ce.Kind)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)
}

func TestExecute_KindOutsidePolicyStops(t *testing.T) {
	ex, _, _ := newTestExecutor()

	calls := 0
	_, err := Execute(context.Background(), ex, Request[int]{
		Op: func(context.Context) (int, error) {
			calls++
			return 0, &StatusError{StatusCode: 429}
		},
		Policy: RetryPolicy{MaxRetries: 3, RetryableKinds: KindSet(KindServerError)},
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_RetryAfterOverridesBackoff(t *testing.T) {
	ex, sleeper, _ := newTestExecutor()

	calls := 0
	_, err := Execute(context.Background(), ex, Request[int]{
		Op: func(context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, &StatusError{StatusCode: 429, Header: headerWith("Retry-After", "45")}
			}
			return 1, nil
		},
		Policy: RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
	})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{45 * time.Second}, sleeper.delays)
}

func TestExecute_CancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ex := NewExecutor(WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	_, err := Execute(ctx, ex, Request[int]{
		Op: func(context.Context) (int, error) {
			calls++
			return 0, &StatusError{StatusCode: 503}
		},
		Policy: DefaultRetryPolicy(),
	})

	ce, ok := AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, KindCancelled, ce.Kind)
	assert.False(t, ce.Retryable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestExecute_RealSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Execute(ctx, NewExecutor(), Request[int]{
		Op:     func(context.Context) (int, error) { return 0, &StatusError{StatusCode: 500} },
		Policy: RetryPolicy{MaxRetries: 1, BaseDelay: time.Minute, MaxDelay: time.Minute},
	})

	ce, ok := AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, KindCancelled, ce.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecute_FallbackOnTerminalFailure(t *testing.T) {
	ex, sleeper, log := newTestExecutor()

	calls := 0
	val, err := Execute(context.Background(), ex, Request[string]{
		Name:       "generate_agenda",
		Op:         func(context.Context) (string, error) { calls++; return "", ErrContentFiltered },
		Policy:     DefaultPolicy(DomainAIService),
		Classifier: NewAIServiceClassifier(),
		Fallback:   StaticFallback("basic agenda"),
	})

	require.NoError(t, err)
	assert.Equal(t, "basic agenda", val)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)

	fb := log.ofType(EventFallback)
	require.Len(t, fb, 1)
	assert.Equal(t, KindContentFiltered, fb[0].Kind)
	assert.Equal(t, "generate_agenda", fb[0].Operation)
}

func TestExecute_FallbackAfterExhaustion(t *testing.T) {
	ex, sleeper, _ := newTestExecutor()

	var seen FallbackContext
	val, err := Execute(context.Background(), ex, Request[string]{
		Name:       "generate_agenda",
		Op:         func(context.Context) (string, error) { return "", anthropicErr(t, 529, nil) },
		Policy:     RetryPolicy{MaxRetries: 1},
		Classifier: NewAIServiceClassifier(),
		Fallback: FallbackFunc[string](func(kind Kind, fc FallbackContext) (string, bool) {
			seen = fc
			return string(kind), true
		}),
	})

	require.NoError(t, err)
	assert.Equal(t, "service_overloaded", val)
	assert.Equal(t, []time.Duration{DefaultOverloadDelay}, sleeper.delays)
	assert.Equal(t, DomainAIService, seen.Domain)
	assert.Equal(t, "generate_agenda", seen.Operation)
}

func TestExecute_NoFallbackWhenNotAvailable(t *testing.T) {
	ex, _, _ := newTestExecutor()

	_, err := Execute(context.Background(), ex, Request[string]{
		Op:       func(context.Context) (string, error) { return "", &StatusError{StatusCode: 500} },
		Policy:   RetryPolicy{MaxRetries: 0},
		Fallback: StaticFallback("unused"),
	})
	require.Error(t, err)
}

func TestExecute_OfflineIsNotRetried(t *testing.T) {
	offline := model.NetworkStatus{IsOnline: false, ConnectionClass: model.ConnectionOffline}
	ex, sleeper, _ := newTestExecutor(WithStatusSource(func() model.NetworkStatus { return offline }))

	calls := 0
	_, err := Execute(context.Background(), ex, Request[int]{
		Op:     func(context.Context) (int, error) { calls++; return 0, timeoutErr{} },
		Policy: DefaultRetryPolicy(),
	})

	ce, ok := AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, KindNetworkOffline, ce.Kind)
	assert.True(t, ce.PreserveState)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeper.delays)
}

func TestExecute_CredentialFailuresNotRetriedInPlace(t *testing.T) {
	ex, _, _ := newTestExecutor()

	calls := 0
	_, err := Execute(context.Background(), ex, Request[int]{
		Op:         func(context.Context) (int, error) { calls++; return 0, ErrTokenExpired },
		Policy:     RetryPolicy{MaxRetries: 3},
		Classifier: NewAuthClassifier(true),
	})

	ce, ok := AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, KindTokenExpired, ce.Kind)
	assert.Equal(t, 1, calls)
}

func TestExecute_OpenCircuitServesFallback(t *testing.T) {
	breakers := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	ex, _, _ := newTestExecutor(WithBreakers(breakers))

	calls := 0
	req := Request[string]{
		Op: func(context.Context) (string, error) {
			calls++
			return "", &StatusError{StatusCode: 502}
		},
		Policy:     RetryPolicy{MaxRetries: 0},
		Classifier: NewCalendarClassifier(nil),
		Fallback:   StaticFallback("cached agenda"),
	}

	_, err := Execute(context.Background(), ex, req)
	require.Error(t, err)
	assert.Equal(t, "open", breakers.States()[DomainCalendarAPI])

	val, err := Execute(context.Background(), ex, req)
	require.NoError(t, err)
	assert.Equal(t, "cached agenda", val)
	assert.Equal(t, 1, calls)

	req.Fallback = nil
	_, err = Execute(context.Background(), ex, req)
	ce, ok := AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, KindServiceOverloaded, ce.Kind)
	assert.False(t, ce.Retryable)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestExecute_PreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Execute(ctx, NewExecutor(), Request[int]{
		Op: func(context.Context) (int, error) { calls++; return 1, nil },
	})
	ce, ok := AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, KindCancelled, ce.Kind)
	assert.Zero(t, calls)
}

func TestExecute_OnRetryCallback(t *testing.T) {
	ex, _, _ := newTestExecutor()

	var attempts []int
	calls := 0
	_, err := Execute(context.Background(), ex, Request[int]{
		Op: func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("connection reset by peer")
			}
			return 7, nil
		},
		Policy:  RetryPolicy{MaxRetries: 5},
		OnRetry: func(attempt int, _ time.Duration, _ *ClassifiedError) { attempts = append(attempts, attempt) },
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}
