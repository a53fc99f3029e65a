// Package store persists snapshots of interrupted workflows so a user can
// pick up where they left off once a failure clears.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sells-group/calendar-assistant/internal/model"
)

// Store defines the persistence interface for preserved state. Get returns
// (nil, nil) when the key is absent. Backends keep ExpiresAt as written;
// the Preserver is responsible for treating expired entries as absent.
type Store interface {
	Get(ctx context.Context, key string) (*model.PreservedState, error)
	Set(ctx context.Context, state model.PreservedState) error
	Delete(ctx context.Context, key string) error

	// Sweep removes entries that expired at or before now and returns how
	// many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// record is the value written by the key-value backends. Payload is kept as
// bytes so payloads that are not JSON survive the round trip.
type record struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func encodeRecord(st model.PreservedState) ([]byte, error) {
	return json.Marshal(record{
		Key:       st.Key,
		Payload:   st.Payload,
		CreatedAt: st.CreatedAt,
		ExpiresAt: st.ExpiresAt,
	})
}

func decodeRecord(data []byte) (*model.PreservedState, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &model.PreservedState{
		Key:       r.Key,
		Payload:   r.Payload,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}, nil
}
