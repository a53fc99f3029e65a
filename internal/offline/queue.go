// Package offline holds operations that failed for lack of connectivity and
// replays them once the connection comes back.
package offline

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sells-group/calendar-assistant/internal/model"
	"github.com/sells-group/calendar-assistant/internal/resilience"
)

// DefaultMaxRetries is the drain budget for an operation that does not set
// its own.
const DefaultMaxRetries = 3

// ErrNotQueueable is returned by Enqueue for failures that replaying later
// cannot fix, or when the caller did not ask for state preservation.
var ErrNotQueueable = eris.New("offline: operation is not queueable")

// Priority orders drains. Higher drains first. The zero value is
// PriorityMedium.
type Priority int

const (
	PriorityLow Priority = iota - 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// MarshalText renders the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts the names ParsePriority does.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority parses "low", "medium" or "high".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityMedium, eris.Errorf("offline: unknown priority %q", s)
}

// Operation is a resumable unit of work. It closes over its own request
// parameters and must be safe to repeat.
type Operation func(ctx context.Context) error

// QueuedOperation is one entry in the queue.
type QueuedOperation struct {
	ID            string    `json:"id"`
	Name          string    `json:"operation_name"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	RetryCount    int       `json:"retry_count"`
	MaxRetries    int       `json:"max_retries"`
	Priority      Priority  `json:"priority"`
	PreserveState bool      `json:"preserve_state"`
	StateKey      string    `json:"state_key,omitempty"`
	Snapshot      any       `json:"state_snapshot,omitempty"`
	LastError     string    `json:"last_error,omitempty"`

	invoke Operation
	seq    uint64
}

// EnqueueRequest describes a failed operation to hold for later.
type EnqueueRequest struct {
	Name     string
	Invoke   Operation
	Priority Priority

	// MaxRetries is the number of drain attempts before the operation is
	// dropped. Zero uses the queue default.
	MaxRetries int

	PreserveState bool

	// StateKey links the operation to a preserved state entry, which is
	// cleared when the operation finally succeeds.
	StateKey string
	Snapshot any

	// Cause is the failure that sent the operation here.
	Cause error
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Attempted   int  `json:"attempted"`
	Succeeded   int  `json:"succeeded"`
	Failed      int  `json:"failed"`
	Dropped     int  `json:"dropped"`
	Remaining   int  `json:"remaining"`
	Skipped     bool `json:"skipped,omitempty"`
	Interrupted bool `json:"interrupted,omitempty"`
}

// StateClearer removes preserved state once an operation completes.
type StateClearer interface {
	Clear(ctx context.Context, key string) error
}

// Queue is an in-process, priority-ordered holding area. All methods are
// safe for concurrent use; drains are single-flight.
type Queue struct {
	mu      sync.Mutex
	items   map[string]*QueuedOperation
	seq     uint64
	dropped []QueuedOperation

	maxRetries int
	maxDropped int
	state      StateClearer
	recorder   resilience.Recorder
	status     func() model.NetworkStatus
	limiter    *rate.Limiter
	onDrop     func(QueuedOperation)
	onDrained  func(DrainReport)
	nowFunc    func() time.Time
	flight     singleflight.Group
	log        *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithStateClearer links the queue to the state store.
func WithStateClearer(s StateClearer) Option {
	return func(q *Queue) { q.state = s }
}

// WithRecorder sets the telemetry sink.
func WithRecorder(r resilience.Recorder) Option {
	return func(q *Queue) {
		if r != nil {
			q.recorder = r
		}
	}
}

// WithStatusSource lets drains check connectivity before and during a pass.
func WithStatusSource(fn func() model.NetworkStatus) Option {
	return func(q *Queue) { q.status = fn }
}

// WithRateLimit paces replays so a reconnect does not fire every queued
// call at once. perSecond <= 0 disables pacing.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(q *Queue) {
		if perSecond <= 0 {
			q.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		q.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithMaxRetries sets the default drain budget.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithDroppedHistory bounds how many dropped operations are remembered.
func WithDroppedHistory(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxDropped = n
		}
	}
}

// WithOnDrop registers a callback for operations that exhaust their budget.
func WithOnDrop(fn func(QueuedOperation)) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// WithOnDrained registers a callback invoked after every non-empty pass.
func WithOnDrained(fn func(DrainReport)) Option {
	return func(q *Queue) { q.onDrained = fn }
}

// WithClock injects the time source.
func WithClock(fn func() time.Time) Option {
	return func(q *Queue) { q.nowFunc = fn }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		items:      make(map[string]*QueuedOperation),
		maxRetries: DefaultMaxRetries,
		maxDropped: 100,
		recorder:   resilience.NopRecorder{},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		nowFunc:    time.Now,
		log:        zap.L().With(zap.String("component", "offline_queue")),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds an operation. Only connectivity failures with state
// preservation requested are accepted.
func (q *Queue) Enqueue(req EnqueueRequest) (string, error) {
	if req.Invoke == nil {
		return "", eris.New("offline: enqueue requires an operation")
	}
	if !req.PreserveState {
		return "", eris.Wrap(ErrNotQueueable, "state preservation not requested")
	}
	ce, ok := resilience.AsClassified(req.Cause)
	if !ok {
		ce = resilience.NewNetworkClassifier().Classify(req.Cause)
	}
	if ce == nil || !ce.Kind.Connectivity() {
		kind := "none"
		if ce != nil {
			kind = string(ce.Kind)
		}
		return "", eris.Wrapf(ErrNotQueueable, "cause kind %s", kind)
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	q.mu.Lock()
	q.seq++
	op := &QueuedOperation{
		ID:            uuid.NewString(),
		Name:          req.Name,
		EnqueuedAt:    q.nowFunc(),
		MaxRetries:    maxRetries,
		Priority:      req.Priority,
		PreserveState: req.PreserveState,
		StateKey:      req.StateKey,
		Snapshot:      req.Snapshot,
		invoke:        req.Invoke,
		seq:           q.seq,
	}
	q.items[op.ID] = op
	depth := len(q.items)
	q.mu.Unlock()

	q.recorder.Record(resilience.Event{
		Type:      resilience.EventEnqueued,
		Operation: req.Name,
		Domain:    ce.Domain,
		Kind:      ce.Kind,
		Success:   true,
		Detail:    op.Priority.String(),
		At:        op.EnqueuedAt,
	})
	q.log.Info("operation queued for reconnect",
		zap.String("id", op.ID),
		zap.String("operation", op.Name),
		zap.String("priority", op.Priority.String()),
		zap.String("kind", string(ce.Kind)),
		zap.Int("depth", depth),
	)
	return op.ID, nil
}

// Drain replays every queued operation once, highest priority first.
// Concurrent callers share a single pass.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	v, err, _ := q.flight.Do("drain", func() (any, error) {
		return q.drain(ctx)
	})
	report, _ := v.(DrainReport)
	return report, err
}

func (q *Queue) drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	if q.offline() {
		report.Skipped = true
		report.Remaining = q.Len()
		return report, nil
	}

	// Snapshot first so operations enqueued during the pass wait for the next one.
	candidates := q.ordered()
	for _, op := range candidates {
		if err := ctx.Err(); err != nil {
			report.Remaining = q.Len()
			return report, eris.Wrap(err, "offline: drain")
		}
		if q.offline() {
			report.Interrupted = true
			break
		}
		if err := q.limiter.Wait(ctx); err != nil {
			report.Remaining = q.Len()
			return report, eris.Wrap(err, "offline: drain pacing")
		}
		if !q.contains(op.ID) {
			continue
		}

		report.Attempted++
		err := op.invoke(ctx)
		q.recorder.Record(resilience.Event{
			Type:      resilience.EventDrainAttempt,
			Operation: op.Name,
			Attempt:   op.RetryCount + 1,
			Success:   err == nil,
			At:        q.nowFunc(),
		})

		if err == nil {
			q.complete(ctx, op)
			report.Succeeded++
			continue
		}
		if q.fail(op, err) {
			report.Dropped++
		} else {
			report.Failed++
		}
	}

	report.Remaining = q.Len()
	if report.Attempted > 0 {
		q.log.Info("drain finished",
			zap.Int("attempted", report.Attempted),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("dropped", report.Dropped),
			zap.Int("remaining", report.Remaining),
			zap.Bool("interrupted", report.Interrupted),
		)
		if q.onDrained != nil {
			q.onDrained(report)
		}
	}
	return report, nil
}

// complete removes a replayed operation and clears its linked state. An
// operation removed while its replay was in flight keeps its state.
func (q *Queue) complete(ctx context.Context, op *QueuedOperation) {
	q.mu.Lock()
	_, live := q.items[op.ID]
	delete(q.items, op.ID)
	q.mu.Unlock()

	if !live || op.StateKey == "" || q.state == nil {
		return
	}
	if err := q.state.Clear(ctx, op.StateKey); err != nil {
		q.log.Warn("clear preserved state after replay",
			zap.String("operation", op.Name),
			zap.String("state_key", op.StateKey),
			zap.Error(err),
		)
	}
}

// fail records a failed attempt and reports whether the operation was
// dropped. Preserved state is left in place for manual recovery. An
// operation removed while its replay was in flight is forgotten.
func (q *Queue) fail(op *QueuedOperation, err error) bool {
	q.mu.Lock()
	if _, live := q.items[op.ID]; !live {
		q.mu.Unlock()
		return false
	}
	op.RetryCount++
	op.LastError = err.Error()
	if op.RetryCount < op.MaxRetries {
		q.mu.Unlock()
		return false
	}
	delete(q.items, op.ID)
	snapshot := *op
	snapshot.invoke = nil
	q.dropped = append(q.dropped, snapshot)
	if len(q.dropped) > q.maxDropped {
		q.dropped = q.dropped[len(q.dropped)-q.maxDropped:]
	}
	q.mu.Unlock()

	q.log.Error("dropping queued operation after repeated failures",
		zap.String("id", op.ID),
		zap.String("operation", op.Name),
		zap.Int("retry_count", snapshot.RetryCount),
		zap.String("state_key", op.StateKey),
		zap.Error(err),
	)
	q.recorder.Record(resilience.Event{
		Type:      resilience.EventDropped,
		Operation: op.Name,
		Attempt:   snapshot.RetryCount,
		Detail:    op.StateKey,
		At:        q.nowFunc(),
	})
	if q.onDrop != nil {
		q.onDrop(snapshot)
	}
	return true
}

func (q *Queue) offline() bool {
	return q.status != nil && resilience.IsOffline(q.status())
}

func (q *Queue) contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.items[id]
	return ok
}

// ordered returns the live entries in drain order: priority desc,
// enqueuedAt asc, then insertion order.
func (q *Queue) ordered() []*QueuedOperation {
	q.mu.Lock()
	out := make([]*QueuedOperation, 0, len(q.items))
	for _, op := range q.items {
		out = append(out, op)
	}
	q.mu.Unlock()

	slices.SortFunc(out, func(a, b *QueuedOperation) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// Pending returns a copy of the queued operations in drain order.
func (q *Queue) Pending() []QueuedOperation {
	ops := q.ordered()
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedOperation, len(ops))
	for i, op := range ops {
		out[i] = *op
	}
	return out
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove deletes an operation without running it. Its preserved state is
// left alone.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return false
	}
	delete(q.items, id)
	return true
}

// Dropped returns the most recent operations that exhausted their budget,
// oldest first.
func (q *Queue) Dropped() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.dropped)
}
