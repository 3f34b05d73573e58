// Package router implements the router core (spec §4.J): the PUBLISH /
// SUBSCRIBE / UNSUBSCRIBE pipeline that ties together the subscription
// index, the retained store, the per-archive-group archive stores, the
// ACL cache, the session store's offline queue and the metrics store.
//
// The router never touches wire framing or connection I/O (spec §1's
// front-end boundary); it is driven by internal/sessionmgr and the
// transport layer, which decode packets and call these methods with
// already-authenticated client/username pairs.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/monstermq/core/internal/acl"
	"github.com/monstermq/core/internal/logger"
	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/internal/store"
	"github.com/monstermq/core/internal/subtree"
	"github.com/monstermq/core/internal/topic"
	"github.com/monstermq/core/pkg/er"
)

// Deliverer is how the router hands a message to an online client. It is
// implemented by the front-end connection registry (spec §1 "a front-end
// that delivers decoded packets and invokes core operations"); the router
// itself never holds a net.Conn. Deliver reports whether clientID was
// reachable; false means the router falls back to the session store's
// offline queue (spec §4.J step 3).
type Deliverer interface {
	Deliver(clientID string, msg model.BrokerMessage, qos model.QoS) bool
}

// AuthExchange is the pluggable enhanced-authentication mechanism (spec
// §6.1): a sequence of start -> (continue)* -> success|fail steps with
// opaque binary challenge/response. No concrete MQTT5 SASL-like mechanism
// is implemented here, per spec.md's explicit non-goal; front-ends that
// need one provide a Step implementation.
type AuthStatus int

const (
	AuthContinue AuthStatus = iota
	AuthSuccess
	AuthFailed
)

type AuthResult struct {
	Status       AuthStatus
	ResponseData []byte
	Reason       string
	Username     string
}

type AuthExchange interface {
	Step(ctx context.Context, clientID string, in []byte) (AuthResult, error)
}

// Config holds the router's policy knobs (spec §4.G "disconnect_on_unauthorized").
type Config struct {
	DisconnectOnUnauthorized bool
}

// Router is the single entry point for PUBLISH/SUBSCRIBE/UNSUBSCRIBE
// semantics. It owns no connections and no goroutines of its own; every
// method is safe for concurrent use (spec §5).
type Router struct {
	cfg Config
	log *logger.Logger

	tree     *subtree.Tree
	retained store.RetainedStore
	sessions store.SessionStore
	acl      *acl.Cache

	groups store.ArchiveGroupStore

	mu        sync.RWMutex
	archives  map[string]store.MessageArchive // archive group name -> time-series archive
	lastVals  map[string]store.RetainedStore  // archive group name -> last-value store
	metrics   store.MetricsStore
}

// New builds a Router. The archive and last-value maps start empty;
// RegisterArchiveGroup wires each configured group's backing stores in
// (spec §4.H; cmd/monstermq/main.go calls it once per group at startup).
func New(cfg Config, log *logger.Logger, tree *subtree.Tree, retained store.RetainedStore, sessions store.SessionStore, aclCache *acl.Cache, groups store.ArchiveGroupStore, metrics store.MetricsStore) *Router {
	return &Router{
		cfg:      cfg,
		log:      log,
		tree:     tree,
		retained: retained,
		sessions: sessions,
		acl:      aclCache,
		groups:   groups,
		metrics:  metrics,
		archives: make(map[string]store.MessageArchive),
		lastVals: make(map[string]store.RetainedStore),
	}
}

// RegisterArchiveGroup wires the backing archive and last-value stores
// for one configured ArchiveGroup (spec §4.H). A nil archive or lastVal
// means that half of the group's routing is disabled (BackendNone).
func (r *Router) RegisterArchiveGroup(name string, archive store.MessageArchive, lastVal store.RetainedStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if archive != nil {
		r.archives[name] = archive
	}
	if lastVal != nil {
		r.lastVals[name] = lastVal
	}
}

// HandlePublish runs spec §4.J's PUBLISH pipeline: authorize, retain,
// fan out, archive-route, count. msg.QoS is the QoS the publisher sent
// msg at; username authenticates the
// publisher for the ACL check. An *er.Err with Kind()==KindAuthDenied is
// returned only when the router's disconnect_on_unauthorized policy says
// the connection must be closed; a silent-drop denial returns nil.
func (r *Router) HandlePublish(ctx context.Context, username string, msg model.BrokerMessage) error {
	if err := topic.Validate(msg.Topic); err != nil {
		return err
	}

	if !r.acl.CanPublish(username, msg.Topic) {
		r.log.LogACLDecision(username, "publish", msg.Topic, false, false)
		if r.cfg.DisconnectOnUnauthorized {
			return er.New("router.HandlePublish", er.KindAuthDenied, er.ErrInvalidPassword)
		}
		return nil
	}

	if msg.Retain {
		if err := r.applyRetain(ctx, msg); err != nil {
			return err
		}
	}

	r.fanOut(ctx, msg)

	if err := r.archiveRoute(ctx, msg); err != nil {
		return err
	}

	r.bumpMetric(ctx, model.MetricBroker, "broker", "messagesIn")
	r.log.LogPublish(msg.ClientID, msg.Topic, int(msg.QoS), msg.Retain, len(msg.Payload))
	return nil
}

// applyRetain implements spec §4.C/§4.J step 2: empty payload deletes,
// otherwise upserts, and this MUST precede fan-out so a concurrently
// racing SUBSCRIBE observes either the pre-publish retained value plus
// this publish, or the new retained value alone (spec §5 "Retain ordering").
func (r *Router) applyRetain(ctx context.Context, msg model.BrokerMessage) error {
	if msg.Empty() {
		r.log.LogRetainedMessage(msg.Topic, "delete", 0)
		return r.retained.DelAll(ctx, []string{msg.Topic})
	}
	r.log.LogRetainedMessage(msg.Topic, "store", len(msg.Payload))
	return r.retained.PutAll(ctx, []model.BrokerMessage{msg})
}

// fanOut implements spec §4.J step 3: walk the subscription tree, deliver
// online at min(qos), enqueue offline. Per-client QoS is the minimum of
// the publish and the subscription, never the reverse (spec §3 "Subscription").
func (r *Router) fanOut(ctx context.Context, msg model.BrokerMessage) {
	subs := r.tree.Match(msg.Topic)
	if len(subs) == 0 {
		return
	}

	var offline []store.Recipients
	deliverer, _ := ctx.Value(delivererKey{}).(Deliverer)

	for _, sub := range subs {
		qos := model.Min(msg.QoS, sub.QoS)
		delivered := false
		if deliverer != nil {
			delivered = deliverer.Deliver(sub.ClientID, msg, qos)
		}
		if delivered {
			r.bumpMetric(ctx, model.MetricSession, sub.ClientID, "messagesOut")
			continue
		}
		offline = append(offline, store.Recipients{Message: msg, ClientIDs: []string{sub.ClientID}})
	}

	if len(offline) > 0 {
		if err := r.sessions.EnqueueMessages(ctx, offline); err != nil {
			r.log.LogError(err, "failed to enqueue offline messages", logger.String("topic", msg.Topic))
		}
	}
}

// delivererKey is the context key fanOut reads its Deliverer from;
// callers attach one per inbound publish via WithDeliverer (spec §1 "the
// front-end that delivers decoded packets"; the router stays connection-
// agnostic by taking the delivery sink through ctx rather than a field).
type delivererKey struct{}

// WithDeliverer attaches d to ctx for the duration of one HandlePublish call.
func WithDeliverer(ctx context.Context, d Deliverer) context.Context {
	return context.WithValue(ctx, delivererKey{}, d)
}

// archiveRoute implements spec §4.J step 4: for every enabled archive
// group whose filters match msg.Topic and whose retained_only policy is
// satisfied, append to that group's archive and refresh its last-value store.
func (r *Router) archiveRoute(ctx context.Context, msg model.BrokerMessage) error {
	groups, err := r.groups.List(ctx)
	if err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, g := range groups {
		if !g.Eligible(topic.Matches, msg.Topic, msg.Retain) {
			continue
		}
		if archive, ok := r.archives[g.Name]; ok {
			if err := archive.AddHistory(ctx, []model.BrokerMessage{msg}); err != nil {
				r.log.LogError(err, "archive write failed", logger.String("group", g.Name))
				continue
			}
			r.log.LogArchiveWrite(g.Name, msg.Topic, 1)
		}
		if lastVal, ok := r.lastVals[g.Name]; ok {
			if err := lastVal.PutAll(ctx, []model.BrokerMessage{msg}); err != nil {
				r.log.LogError(err, "last-value write failed", logger.String("group", g.Name))
			}
		}
	}
	return nil
}

// HandleSubscribe implements spec §4.J SUBSCRIBE: authorize, register in
// the tree and session store, then replay matching retained entries at
// min(qos, filter.qos).
func (r *Router) HandleSubscribe(ctx context.Context, username, clientID, filter string, qos model.QoS, deliverer Deliverer) (model.QoS, error) {
	if err := topic.ValidateFilter(filter); err != nil {
		return 0, err
	}
	if !r.acl.CanSubscribe(username, filter) {
		r.log.LogACLDecision(username, "subscribe", filter, false, false)
		return 0, er.New("router.HandleSubscribe", er.KindAuthDenied, er.ErrInvalidPassword)
	}

	if err := r.tree.Add(filter, clientID, qos); err != nil {
		return 0, err
	}
	if err := r.sessions.AddSubscriptions(ctx, []model.Subscription{{ClientID: clientID, TopicFilter: filter, QoS: qos}}); err != nil {
		return 0, err
	}
	r.log.LogSubscription(clientID, filter, int(qos), "subscribe")

	if deliverer != nil {
		_ = r.retained.FindMatchingMessages(ctx, filter, func(m model.BrokerMessage) bool {
			deliverer.Deliver(clientID, m, model.Min(qos, m.QoS))
			return true
		})
	}
	return qos, nil
}

// HandleUnsubscribe implements spec §4.J UNSUBSCRIBE: remove from both
// the live tree and the persisted subscription list.
func (r *Router) HandleUnsubscribe(ctx context.Context, clientID, filter string) error {
	r.tree.Remove(filter, clientID)
	r.log.LogSubscription(clientID, filter, 0, "unsubscribe")
	return r.sessions.DelSubscriptions(ctx, []model.Subscription{{ClientID: clientID, TopicFilter: filter}})
}

// bumpMetric performs a best-effort read-modify-write counter increment
// against the metrics store. spec §4.I defines MetricsStore as an upsert-
// by-primary-key contract, not an atomic increment primitive, so two
// concurrent publishes touching the same (kind, identifier) series can
// race and lose an increment; this mirrors the "best-effort
// bounded growth" tolerance spec §5 already grants the ACL decision cache.
func (r *Router) bumpMetric(ctx context.Context, kind model.MetricKind, identifier, field string) {
	if r.metrics == nil {
		return
	}
	latest, err := r.metrics.Latest(ctx, kind, identifier, store.MetricsRange{LastMinutes: 1440})
	count := int64(0)
	if err == nil && latest != nil {
		if v, ok := latest.Payload[field]; ok {
			if f, ok := v.(float64); ok {
				count = int64(f)
			} else if i, ok := v.(int64); ok {
				count = i
			}
		}
	}
	_ = r.metrics.Upsert(ctx, model.MetricsSample{
		Timestamp:  time.Now(),
		Kind:       kind,
		Identifier: identifier,
		Payload:    map[string]any{field: count + 1},
	})
}
