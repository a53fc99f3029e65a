package resilience

import (
	"time"

	"go.uber.org/zap"
)

// EventType names a telemetry event.
type EventType string

const (
	EventClassified   EventType = "classified"
	EventAttempt      EventType = "attempt"
	EventRetry        EventType = "retry"
	EventFallback     EventType = "fallback"
	EventRefresh      EventType = "refresh"
	EventEnqueued     EventType = "enqueued"
	EventDrainAttempt EventType = "drain_attempt"
	EventDropped      EventType = "dropped"
	EventStateSaved   EventType = "state_saved"
	EventConnectivity EventType = "connectivity"
)

// Event is one telemetry record. Fields that do not apply are left zero.
type Event struct {
	Type      EventType
	Operation string
	Domain    Domain
	Kind      Kind
	Attempt   int
	Success   bool
	Delay     time.Duration
	Detail    string
	At        time.Time
}

// Recorder is the narrow sink every component reports through.
type Recorder interface {
	Record(Event)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Event)

func (f RecorderFunc) Record(e Event) { f(e) }

// NopRecorder discards events.
type NopRecorder struct{}

func (NopRecorder) Record(Event) {}

// MultiRecorder fans an event out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(e Event) {
	for _, r := range m {
		if r != nil {
			r.Record(e)
		}
	}
}

// RetryLogger returns a callback that logs each retry attempt.
func RetryLogger(domain Domain, operation string) func(attempt int, delay time.Duration, ce *ClassifiedError) {
	return func(attempt int, delay time.Duration, ce *ClassifiedError) {
		zap.L().Warn("retrying operation",
			zap.String("domain", string(domain)),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("kind", string(ce.Kind)),
			zap.Error(ce.Cause),
		)
	}
}
