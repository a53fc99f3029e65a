package model

import (
	"encoding/json"
	"time"
)

// PreservedState is a snapshot of an interrupted workflow, keyed by user or
// operation id. Payload is opaque to the store (JSON by convention).
type PreservedState struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// MarshalJSON inlines a JSON payload and base64-encodes any other payload.
func (p PreservedState) MarshalJSON() ([]byte, error) {
	type plain PreservedState
	if len(p.Payload) == 0 || json.Valid(p.Payload) {
		return json.Marshal(plain(p))
	}
	return json.Marshal(struct {
		plain
		Payload []byte `json:"payload"`
	}{plain: plain(p), Payload: p.Payload})
}

// Expired reports whether the entry is past its TTL at now.
func (p *PreservedState) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// WorkflowSnapshot is the payload saved when a multi-turn workflow (e.g. a
// meeting-creation conversation) is interrupted.
type WorkflowSnapshot struct {
	ConversationID string         `json:"conversation_id"`
	Workflow       string         `json:"workflow"`
	Step           string         `json:"step"`
	Data           map[string]any `json:"data,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	SavedAt        time.Time      `json:"saved_at"`
}
