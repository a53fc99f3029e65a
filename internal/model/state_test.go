package model

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreservedState_MarshalJSON(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	opaque := []byte("opaque\x00bytes")
	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{"json payload inline", []byte(`{"step":"confirm"}`), `{"step":"confirm"}`},
		{"opaque payload base64", opaque, `"` + base64.StdEncoding.EncodeToString(opaque) + `"`},
		{"empty payload", nil, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := PreservedState{Key: "user-1", Payload: tt.payload, CreatedAt: at, ExpiresAt: at.Add(time.Hour)}
			out, err := json.Marshal(st)
			require.NoError(t, err)

			var fields map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(out, &fields))
			assert.JSONEq(t, tt.want, string(fields["payload"]))
			assert.JSONEq(t, `"user-1"`, string(fields["key"]))
			assert.Contains(t, fields, "expires_at")
		})
	}
}

func TestPreservedState_Expired(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	st := PreservedState{ExpiresAt: at}
	assert.False(t, st.Expired(at.Add(-time.Nanosecond)))
	assert.True(t, st.Expired(at))
}
