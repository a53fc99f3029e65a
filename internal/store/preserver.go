package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/calendar-assistant/internal/model"
	"github.com/sells-group/calendar-assistant/internal/resilience"
)

// DefaultTTL is how long a snapshot stays resumable when Save gets no TTL.
const DefaultTTL = 90 * time.Minute

// Preserver layers TTL semantics over a Store: writes replace any prior value
// for the key, and entries past ExpiresAt are absent whether or not a sweep
// has removed them yet.
type Preserver struct {
	store    Store
	ttl      time.Duration
	recorder resilience.Recorder
	log      *zap.Logger
	nowFunc  func() time.Time
}

// PreserverOption configures a Preserver.
type PreserverOption func(*Preserver)

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) PreserverOption {
	return func(p *Preserver) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithRecorder reports state_saved events.
func WithRecorder(r resilience.Recorder) PreserverOption {
	return func(p *Preserver) { p.recorder = r }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) PreserverOption {
	return func(p *Preserver) { p.nowFunc = now }
}

// NewPreserver wraps s.
func NewPreserver(s Store, opts ...PreserverOption) *Preserver {
	p := &Preserver{
		store:    s,
		ttl:      DefaultTTL,
		recorder: resilience.NopRecorder{},
		log:      zap.L().With(zap.String("component", "state_preserver")),
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Store returns the backend.
func (p *Preserver) Store() Store { return p.store }

// Save writes payload under key, replacing any previous value. A ttl of zero
// or less uses the default.
func (p *Preserver) Save(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if key == "" {
		return eris.New("store: save: empty key")
	}
	if ttl <= 0 {
		ttl = p.ttl
	}
	now := p.nowFunc().UTC()
	st := model.PreservedState{
		Key:       key,
		Payload:   json.RawMessage(payload),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := p.store.Set(ctx, st); err != nil {
		p.recorder.Record(resilience.Event{Type: resilience.EventStateSaved, Operation: key, Success: false, Detail: err.Error(), At: now})
		return eris.Wrapf(err, "store: save %s", key)
	}
	p.recorder.Record(resilience.Event{Type: resilience.EventStateSaved, Operation: key, Success: true, At: now})
	p.log.Debug("state saved", zap.String("key", key), zap.Time("expires_at", st.ExpiresAt))
	return nil
}

// SaveJSON marshals v and saves it.
func (p *Preserver) SaveJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "store: marshal %s", key)
	}
	return p.Save(ctx, key, b, ttl)
}

// Load returns the entry for key, or nil when it is absent or expired.
// Expired entries stay in the backend until Sweep removes them, so a Save
// racing with Load is never undone.
func (p *Preserver) Load(ctx context.Context, key string) (*model.PreservedState, error) {
	st, err := p.store.Get(ctx, key)
	if err != nil {
		return nil, eris.Wrapf(err, "store: load %s", key)
	}
	if st == nil || st.Expired(p.nowFunc()) {
		return nil, nil
	}
	return st, nil
}

// LoadJSON unmarshals the entry for key into v. It reports false when there
// is nothing to load.
func (p *Preserver) LoadJSON(ctx context.Context, key string, v any) (bool, error) {
	st, err := p.Load(ctx, key)
	if err != nil || st == nil {
		return false, err
	}
	if err := json.Unmarshal(st.Payload, v); err != nil {
		return false, eris.Wrapf(err, "store: unmarshal %s", key)
	}
	return true, nil
}

// Clear removes key. Clearing an absent key is not an error.
func (p *Preserver) Clear(ctx context.Context, key string) error {
	return eris.Wrapf(p.store.Delete(ctx, key), "store: clear %s", key)
}

// Sweep removes expired entries from the backend.
func (p *Preserver) Sweep(ctx context.Context) (int, error) {
	n, err := p.store.Sweep(ctx, p.nowFunc())
	if err != nil {
		return n, eris.Wrap(err, "store: sweep")
	}
	return n, nil
}

// RunSweeper sweeps on every tick of interval until ctx is done.
func (p *Preserver) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return eris.New("store: sweeper interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.Sweep(ctx)
			if err != nil {
				p.log.Warn("state sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				p.log.Info("swept expired state", zap.Int("removed", n))
			}
		}
	}
}
