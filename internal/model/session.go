package model

import "time"

// Session is the per-client record described in spec §3. Invariants:
//  1. at most one active session per client_id cluster-wide;
//  2. CleanSession=true means subscriptions/queue MUST NOT survive disconnect;
//  3. CleanSession=false means they MUST survive until a fresh
//     CleanSession=true takeover.
type Session struct {
	ClientID     string
	NodeID       string
	CleanSession bool
	Connected    bool
	LastUpdate   time.Time
	Info         map[string]any
	LastWill     *BrokerMessage
}

// SessionState is the lifecycle state tracked by the session manager (§4.K).
type SessionState int

const (
	StateNew SessionState = iota
	StateConnected
	StateDisconnected
	StateReconnecting
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}
