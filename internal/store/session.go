package store

import (
	"context"

	"github.com/monstermq/core/internal/model"
)

// Recipients pairs a message with the client IDs it should be enqueued
// for, the unit of EnqueueMessages (spec §4.E).
type Recipients struct {
	Message    model.BrokerMessage
	ClientIDs  []string
}

// ClientMessage identifies one queued-message recipient mapping, the unit
// RemoveMessages operates on.
type ClientMessage struct {
	ClientID    string
	MessageUUID string
}

// SessionStore owns connected-state, subscriptions, last-will and the
// per-client offline message queue (spec §4.E).
type SessionStore interface {
	// SetClient upserts the session row and updates LastUpdate.
	SetClient(ctx context.Context, clientID, nodeID string, cleanSession, connected bool, info map[string]any) error

	SetConnected(ctx context.Context, clientID string, connected bool) error
	IsConnected(ctx context.Context, clientID string) (bool, error)
	IsPresent(ctx context.Context, clientID string) (bool, error)

	SetLastWill(ctx context.Context, clientID string, will *model.BrokerMessage) error

	AddSubscriptions(ctx context.Context, subs []model.Subscription) error
	DelSubscriptions(ctx context.Context, subs []model.Subscription) error

	// DelClient deletes subscriptions, then queued messages, then the
	// session row, in that order, as a single transaction from the point
	// of view of external observers. visitor is invoked with each
	// subscription before it is removed so the caller can detach it from
	// the in-memory topic tree.
	DelClient(ctx context.Context, clientID string, visitor Visitor[model.Subscription]) error

	// EnqueueMessages persists each message once and a (clientID,
	// messageUUID) recipient mapping per recipient; re-enqueuing an
	// existing mapping is a no-op.
	EnqueueMessages(ctx context.Context, batch []Recipients) error

	// DequeueMessages yields each of clientID's queued messages in
	// insertion (FIFO) order. visitor returns true to acknowledge
	// (removing the mapping) or false to retain it for a later attempt.
	DequeueMessages(ctx context.Context, clientID string, visitor Visitor[model.BrokerMessage]) error

	RemoveMessages(ctx context.Context, which []ClientMessage) error
	PurgeQueuedMessages(ctx context.Context) error
	PurgeSessions(ctx context.Context) error

	CountQueuedMessages(ctx context.Context) (int64, error)
	CountQueuedMessagesForClient(ctx context.Context, clientID string) (int64, error)

	IterateSubscriptions(ctx context.Context, visitor Visitor[model.Subscription]) error
	IterateOfflineClients(ctx context.Context, visitor Visitor[string]) error
	IterateNodeClients(ctx context.Context, nodeID string, visitor Visitor[string]) error
	IterateAllSessions(ctx context.Context, visitor Visitor[model.Session]) error
}
