// Package recovery decides what happens after the executor gives up:
// preserve the workflow, park the operation until the connection returns,
// or hand the classified error back for the user.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/sells-group/calendar-assistant/internal/offline"
	"github.com/sells-group/calendar-assistant/internal/resilience"
	"github.com/sells-group/calendar-assistant/internal/store"
)

// Plan describes what to keep when a task fails.
type Plan struct {
	// StateKey and Snapshot are saved when the failure asks for state
	// preservation. Both must be set.
	StateKey string
	Snapshot any
	StateTTL time.Duration

	// Queue parks the task on the offline queue after a connectivity failure.
	Queue           bool
	Priority        offline.Priority
	MaxQueueRetries int
}

// Task is one guarded operation.
type Task[T any] struct {
	Name            string
	Op              func(ctx context.Context) (T, error)
	Policy          resilience.RetryPolicy
	Classifier      resilience.Classifier
	Fallback        resilience.FallbackProvider[T]
	FallbackContext resilience.FallbackContext
	Plan            Plan

	// OnRecovered receives the result when a queued replay succeeds.
	OnRecovered func(T)
}

// AuthTask is a Task whose operation needs an access token.
type AuthTask[T any] struct {
	Name            string
	Op              func(ctx context.Context, tok *oauth2.Token) (T, error)
	Policy          resilience.RetryPolicy
	Classifier      resilience.Classifier
	Fallback        resilience.FallbackProvider[T]
	FallbackContext resilience.FallbackContext
	Plan            Plan
	OnRecovered     func(T)
}

// Handler wires the executor to the queue and the state preserver. Queue,
// preserver and refresher are optional.
type Handler struct {
	ex        *resilience.Executor
	queue     *offline.Queue
	preserver *store.Preserver
	refresher *resilience.Refresher
	policies  map[resilience.Domain]resilience.RetryPolicy
	log       *zap.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithQueue enables offline queueing.
func WithQueue(q *offline.Queue) Option {
	return func(h *Handler) { h.queue = q }
}

// WithPreserver enables state preservation.
func WithPreserver(p *store.Preserver) Option {
	return func(h *Handler) { h.preserver = p }
}

// WithRefresher enables the token refresh path for RunAuthorized.
func WithRefresher(r *resilience.Refresher) Option {
	return func(h *Handler) { h.refresher = r }
}

// WithPolicies overrides the per-domain retry policies returned by Policy.
func WithPolicies(p map[resilience.Domain]resilience.RetryPolicy) Option {
	return func(h *Handler) { h.policies = p }
}

// NewHandler creates a Handler around ex.
func NewHandler(ex *resilience.Executor, opts ...Option) *Handler {
	h := &Handler{
		ex:  ex,
		log: zap.L().With(zap.String("component", "recovery")),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) Executor() *resilience.Executor { return h.ex }
func (h *Handler) Queue() *offline.Queue           { return h.queue }
func (h *Handler) Preserver() *store.Preserver     { return h.preserver }

// Policy returns the configured retry policy for domain, or the domain
// default.
func (h *Handler) Policy(domain resilience.Domain) resilience.RetryPolicy {
	if p, ok := h.policies[domain]; ok {
		return p
	}
	return resilience.DefaultPolicy(domain)
}

// Run executes task under its policy. On a classified failure it saves the
// snapshot when both the plan and the classification call for it, queues
// connectivity failures, and returns the error annotated with what was kept.
func Run[T any](ctx context.Context, h *Handler, task Task[T]) (T, error) {
	val, err := resilience.Execute(ctx, h.ex, resilience.Request[T]{
		Name:            task.Name,
		Op:              task.Op,
		Policy:          task.Policy,
		Classifier:      task.Classifier,
		Fallback:        task.Fallback,
		FallbackContext: task.FallbackContext,
	})
	if err == nil {
		return val, nil
	}

	replay := func(ctx context.Context) error {
		v, err := task.Op(ctx)
		if err == nil && task.OnRecovered != nil {
			task.OnRecovered(v)
		}
		return err
	}
	var zero T
	return zero, h.recover(ctx, task.Name, task.Plan, err, replay)
}

// RunAuthorized is Run with the refresh-once path for expired credentials.
// It returns the token to use from now on.
func RunAuthorized[T any](ctx context.Context, h *Handler, tok *oauth2.Token, task AuthTask[T]) (T, *oauth2.Token, error) {
	val, tok, err := resilience.ExecuteWithRefresh(ctx, h.ex, h.refresher, tok, resilience.AuthRequest[T]{
		Name:            task.Name,
		Op:              task.Op,
		Policy:          task.Policy,
		Classifier:      task.Classifier,
		Fallback:        task.Fallback,
		FallbackContext: task.FallbackContext,
	})
	if err == nil {
		return val, tok, nil
	}

	latest := tok
	replay := func(ctx context.Context) error {
		v, next, err := resilience.ExecuteWithRefresh(ctx, h.ex, h.refresher, latest, resilience.AuthRequest[T]{
			Name:       task.Name,
			Op:         task.Op,
			Classifier: task.Classifier,
		})
		latest = next
		if err == nil && task.OnRecovered != nil {
			task.OnRecovered(v)
		}
		return err
	}
	var zero T
	return zero, tok, h.recover(ctx, task.Name, task.Plan, err, replay)
}

func (h *Handler) recover(ctx context.Context, name string, plan Plan, err error, replay offline.Operation) error {
	ce, ok := resilience.AsClassified(err)
	if !ok || ce.Kind == resilience.KindCancelled || !ce.PreserveState {
		return err
	}

	if h.preserver != nil && plan.StateKey != "" && plan.Snapshot != nil {
		if serr := h.preserver.SaveJSON(ctx, plan.StateKey, plan.Snapshot, plan.StateTTL); serr != nil {
			h.log.Warn("failed to preserve state",
				zap.String("operation", name),
				zap.String("state_key", plan.StateKey),
				zap.Error(serr),
			)
		} else {
			ce.ProgressSaved = true
		}
	}

	if h.queue != nil && plan.Queue && ce.Kind.Connectivity() {
		stateKey := ""
		if ce.ProgressSaved {
			stateKey = plan.StateKey
		}
		id, qerr := h.queue.Enqueue(offline.EnqueueRequest{
			Name:          name,
			Invoke:        replay,
			Priority:      plan.Priority,
			MaxRetries:    plan.MaxQueueRetries,
			PreserveState: true,
			StateKey:      stateKey,
			Snapshot:      plan.Snapshot,
			Cause:         ce,
		})
		if qerr != nil {
			h.log.Warn("failed to queue operation", zap.String("operation", name), zap.Error(qerr))
		} else {
			ce.QueuedID = id
		}
	}

	h.log.Info("operation failed",
		zap.String("operation", name),
		zap.String("kind", string(ce.Kind)),
		zap.Bool("progress_saved", ce.ProgressSaved),
		zap.String("queued_id", ce.QueuedID),
	)
	return ce
}

// Resume loads the snapshot saved under key into into. It reports false when
// nothing is saved or the entry has expired.
func (h *Handler) Resume(ctx context.Context, key string, into any) (bool, error) {
	if h.preserver == nil {
		return false, nil
	}
	return h.preserver.LoadJSON(ctx, key, into)
}

// Complete clears the snapshot under key once the workflow has finished.
func (h *Handler) Complete(ctx context.Context, key string) error {
	if h.preserver == nil {
		return nil
	}
	return h.preserver.Clear(ctx, key)
}
