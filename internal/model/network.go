package model

import "time"

// ConnectionClass buckets the last probe result.
type ConnectionClass string

const (
	ConnectionFast    ConnectionClass = "fast"
	ConnectionSlow    ConnectionClass = "slow"
	ConnectionOffline ConnectionClass = "offline"
)

// NetworkStatus is the connectivity monitor's view of the outside world.
// Only the monitor writes it; everything else reads copies.
type NetworkStatus struct {
	IsOnline        bool            `json:"is_online"`
	ConnectionClass ConnectionClass `json:"connection_class"`
	Latency         *time.Duration  `json:"latency,omitempty"`
	LastCheckedAt   time.Time       `json:"last_checked_at"`
	LastError       string          `json:"last_error,omitempty"`
}

// OnlineStatus returns the optimistic status used before the first probe.
func OnlineStatus() NetworkStatus {
	return NetworkStatus{IsOnline: true, ConnectionClass: ConnectionFast}
}

// LatencyMillis returns the probe latency in milliseconds, or -1 when unknown.
func (s NetworkStatus) LatencyMillis() int64 {
	if s.Latency == nil {
		return -1
	}
	return s.Latency.Milliseconds()
}
