package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/calendar-assistant/internal/model"
)

// Sleeper suspends the caller for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Executor runs operations under a retry policy. It is domain-agnostic:
// each Request brings its own classifier.
type Executor struct {
	recorder Recorder
	status   func() model.NetworkStatus
	sleep    Sleeper
	breakers *ServiceBreakers
	nowFunc  func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRecorder sets the telemetry sink.
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithStatusSource lets the executor read the connectivity monitor's view.
func WithStatusSource(fn func() model.NetworkStatus) ExecutorOption {
	return func(e *Executor) { e.status = fn }
}

// WithSleeper replaces the backoff sleep. Tests use it to observe delays.
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithBreakers routes every call through a per-domain circuit breaker.
func WithBreakers(sb *ServiceBreakers) ExecutorOption {
	return func(e *Executor) { e.breakers = sb }
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		recorder: NopRecorder{},
		sleep:    sleepCtx,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request describes one call through the executor.
type Request[T any] struct {
	// Name identifies the operation in logs and telemetry.
	Name string

	// Op must be safe to repeat (a read, or a write with the same payload).
	Op func(ctx context.Context) (T, error)

	Policy     RetryPolicy
	Classifier Classifier

	// Fallback is consulted only once retries are exhausted or
	// inapplicable, and only when the classification allows it.
	Fallback        FallbackProvider[T]
	FallbackContext FallbackContext

	// OnRetry is called before each backoff sleep. Defaults to RetryLogger.
	OnRetry func(attempt int, delay time.Duration, ce *ClassifiedError)
}

// Execute runs req.Op for attempts 0..MaxRetries. It stops on success, on a
// non-retryable classification, on a kind the policy excludes, or on
// cancellation, and returns either the result, a fallback result, or the
// last *ClassifiedError.
func Execute[T any](ctx context.Context, ex *Executor, req Request[T]) (T, error) {
	var zero T
	if req.Classifier == nil {
		req.Classifier = NewNetworkClassifier()
	}
	policy := req.Policy.withDefaults()
	domain := req.Classifier.Domain()
	if req.OnRetry == nil {
		req.OnRetry = RetryLogger(domain, req.Name)
	}

	var last *ClassifiedError
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, ex.cancelled(req.Name, domain, err, last)
		}

		val, err := callOp(ctx, ex, req)
		ex.record(Event{Type: EventAttempt, Operation: req.Name, Domain: domain, Attempt: attempt, Success: err == nil})
		if err == nil {
			return val, nil
		}

		if ctx.Err() != nil {
			return zero, ex.cancelled(req.Name, domain, ctx.Err(), ex.classify(req.Classifier, err))
		}

		ce := ex.classify(req.Classifier, err)
		ce.Attempts = attempt + 1
		last = ce
		ex.record(Event{Type: EventClassified, Operation: req.Name, Domain: ce.Domain, Kind: ce.Kind, Attempt: attempt})

		// Offline failures belong to the queue and credential failures to
		// the refresh wrapper; neither is retried in place.
		if !ce.Retryable || !policy.Allows(ce.Kind) || ce.Kind == KindNetworkOffline ||
			ce.Family() == FamilyCredential || ce.Kind == KindCancelled {
			break
		}
		if attempt >= policy.MaxRetries {
			break
		}

		delay := policy.Delay(attempt)
		if ce.RetryAfter != nil {
			delay = *ce.RetryAfter
		}
		req.OnRetry(attempt+1, delay, ce)
		ex.record(Event{Type: EventRetry, Operation: req.Name, Domain: ce.Domain, Kind: ce.Kind, Attempt: attempt + 1, Delay: delay})

		if err := ex.sleep(ctx, delay); err != nil {
			return zero, ex.cancelled(req.Name, domain, err, ce)
		}
	}

	return finish(ex, req, last)
}

// finish applies the fallback contract to the final classification.
func finish[T any](ex *Executor, req Request[T], last *ClassifiedError) (T, error) {
	var zero T
	if last == nil {
		return zero, nil
	}
	if last.FallbackAvailable && req.Fallback != nil {
		fc := req.FallbackContext
		if fc.Domain == "" {
			fc.Domain = last.Domain
		}
		if fc.Operation == "" {
			fc.Operation = req.Name
		}
		if v, ok := req.Fallback.Fallback(last.Kind, fc); ok {
			ex.record(Event{Type: EventFallback, Operation: req.Name, Domain: last.Domain, Kind: last.Kind, Attempt: last.Attempts, Success: true})
			zap.L().Info("serving fallback response",
				zap.String("operation", req.Name),
				zap.String("domain", string(last.Domain)),
				zap.String("kind", string(last.Kind)),
				zap.Int("attempts", last.Attempts),
			)
			return v, nil
		}
	}
	return zero, last
}

// callOp invokes the operation, through the domain's circuit breaker when
// one is configured. A rejected call surfaces as service_overloaded with
// no retry so the fallback path runs immediately.
func callOp[T any](ctx context.Context, ex *Executor, req Request[T]) (T, error) {
	if ex.breakers == nil {
		return req.Op(ctx)
	}
	domain := req.Classifier.Domain()
	val, err := ExecuteVal(ctx, ex.breakers.Get(domain), func(ctx context.Context) (T, error) {
		v, err := req.Op(ctx)
		if err != nil {
			return v, ex.classify(req.Classifier, err)
		}
		return v, nil
	})
	if errors.Is(err, ErrCircuitOpen) {
		ce := newClassified(KindServiceOverloaded, domain, err)
		ce.Retryable = false
		ce.FallbackAvailable = true
		return val, ce
	}
	return val, err
}

func (ex *Executor) classify(c Classifier, err error) *ClassifiedError {
	if ex.status != nil {
		return ClassifyWithStatus(c, err, ex.status())
	}
	return c.Classify(err)
}

// cancelled builds the cancellation classification. The previous failure,
// if any, stays visible through Unwrap.
func (ex *Executor) cancelled(op string, domain Domain, ctxErr error, prev *ClassifiedError) *ClassifiedError {
	cause := ctxErr
	if prev != nil && prev.Kind != KindCancelled {
		cause = errors.Join(ctxErr, prev)
	}
	ce := newClassified(KindCancelled, domain, cause)
	if prev != nil {
		ce.Attempts = prev.Attempts
		ce.PreserveState = prev.PreserveState
	}
	ex.record(Event{Type: EventClassified, Operation: op, Domain: domain, Kind: KindCancelled, Attempt: ce.Attempts})
	return ce
}

func (ex *Executor) record(e Event) {
	if e.At.IsZero() {
		e.At = ex.nowFunc()
	}
	ex.recorder.Record(e)
}

// Recorder returns the executor's telemetry sink so wrappers can share it.
func (ex *Executor) Recorder() Recorder {
	return ex.recorder
}

// Status returns the current network status, or an optimistic online
// status when no monitor is attached.
func (ex *Executor) Status() model.NetworkStatus {
	if ex.status == nil {
		return model.OnlineStatus()
	}
	return ex.status()
}
