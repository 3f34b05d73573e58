// Package model holds the data types shared by every store and core
// component: messages, subscriptions, sessions, users, ACL rules, archive
// groups and metrics samples (spec §3).
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QoS is the MQTT quality-of-service level.
type QoS byte

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
	QoS2 QoS = 2
)

// Min returns the lower of two QoS levels, used throughout the router to
// downgrade delivery to the weaker of publisher and subscriber QoS.
func Min(a, b QoS) QoS {
	if a < b {
		return a
	}
	return b
}

// BrokerMessage is the unit of data flowing through the router, retained
// store, archive and offline queues (spec §3 "BrokerMessage").
type BrokerMessage struct {
	MessageUUID string
	MessageID   uint16
	Topic       string
	Payload     []byte
	QoS         QoS
	Retain      bool
	Queued      bool
	Dup         bool
	ClientID    string
	Time        time.Time
}

// NewMessage builds a BrokerMessage with a fresh UUID and the current time.
func NewMessage(topic string, payload []byte, qos QoS, retain bool, clientID string) BrokerMessage {
	return BrokerMessage{
		MessageUUID: uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		QoS:         qos,
		Retain:      retain,
		ClientID:    clientID,
		Time:        time.Now(),
	}
}

// PayloadJSON lazily derives a JSON view of Payload. It returns ok=false
// when the payload does not parse as JSON; this is purely an optimization
// for storage/inspection and is never consulted for wire semantics (spec §3).
func (m BrokerMessage) PayloadJSON() (string, bool) {
	if len(m.Payload) == 0 || !json.Valid(m.Payload) {
		return "", false
	}
	return string(m.Payload), true
}

// Empty reports whether the payload is empty, the trigger for a retained
// delete per spec §3 / §4.C.
func (m BrokerMessage) Empty() bool {
	return len(m.Payload) == 0
}

// Subscription is a (client, filter, qos) triple, unique per (client, filter).
type Subscription struct {
	ClientID    string
	TopicFilter string
	QoS         QoS
}

// QueuedMessage pairs a BrokerMessage with the client it is waiting for.
type QueuedMessage struct {
	Message     BrokerMessage
	ClientID    string
	EnqueueSeq  int64
}
