// Package store defines the storage-abstraction contracts every backend
// (relational, document) must satisfy (spec §4.C-§4.I, §6.2). The core
// depends only on these interfaces; internal/store/sqlstore and
// internal/store/docstore provide concrete implementations.
package store

import (
	"context"
	"time"

	"github.com/monstermq/core/internal/model"
)

// The push-style visitor callbacks carried over from the teacher's design
// (spec §9 "Callback-based iteration"): each receives one result at a
// time and returns whether iteration should continue, avoiding
// materializing large result sets in memory. Plain named func types (not
// generics) so every backend implementation's method signature matches
// the interface exactly.
type (
	MessageVisitor      func(model.BrokerMessage) bool
	TopicVisitor        func(string) bool
	SubscriptionVisitor func(model.Subscription) bool
	SessionVisitor      func(model.Session) bool
)

// Visitor is the generic form of the push-style callbacks above, used by
// SessionStore's offline-queue and iteration operations (spec §4.E).
type Visitor[T any] func(T) bool

// RetainedStore is the persistent topic -> last retained message mapping
// with hierarchical indexing and wildcard lookup (spec §4.C).
type RetainedStore interface {
	// Get returns the retained message for an exact topic, or nil if none.
	Get(ctx context.Context, topic string) (*model.BrokerMessage, error)

	// PutAll upserts retained messages by topic; idempotent per topic.
	PutAll(ctx context.Context, messages []model.BrokerMessage) error

	// DelAll removes retained entries for the given topics. A publish
	// with retain=true and an empty payload MUST be translated by the
	// caller into a DelAll call, never stored as an empty retained row.
	DelAll(ctx context.Context, topics []string) error

	// FindMatchingMessages invokes visitor once per retained message whose
	// topic matches filter, stopping early if visitor returns false.
	FindMatchingMessages(ctx context.Context, filter string, visitor MessageVisitor) error

	// FindMatchingTopics enumerates the distinct topics whose structure
	// matches pattern, at the pattern's depth.
	FindMatchingTopics(ctx context.Context, pattern string, visitor TopicVisitor) error

	// FindTopicsByName performs an admin glob search over topic names,
	// optionally case-insensitive, optionally scoped to a namespace/schema.
	FindTopicsByName(ctx context.Context, glob string, ignoreCase bool, namespace string) ([]string, error)

	// FindTopicsByConfig is FindTopicsByName's sibling of the admin search
	// pair: it searches the retained payload's optional JSON document view
	// (spec §4.C) for a top-level field equal to value, rather than the
	// topic name, again optionally scoped to a namespace/schema. Messages
	// whose payload doesn't parse as JSON never match.
	FindTopicsByConfig(ctx context.Context, field, value string, namespace string) ([]string, error)

	// PurgeOldMessages deletes retained rows older than cutoff and
	// reports how many were removed and how long the purge took.
	PurgeOldMessages(ctx context.Context, cutoff time.Time) (deleted int64, elapsed time.Duration, err error)
}
