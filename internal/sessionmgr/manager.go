// Package sessionmgr implements the session manager (spec §4.K): the
// NEW -> CONNECTED -> DISCONNECTED -> (reconnecting -> CONNECTED) |
// EXPIRED state machine, clean-session takeover, last-will delivery
// through the router's PUBLISH pipeline, cold-start subscription-index
// rebuild, Admin bootstrap, and the periodic ACL cache refresh.
package sessionmgr

import (
	"context"
	"sync"
	"time"

	"github.com/monstermq/core/internal/acl"
	"github.com/monstermq/core/internal/logger"
	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/internal/router"
	"github.com/monstermq/core/internal/store"
	"github.com/monstermq/core/internal/subtree"
	"github.com/monstermq/core/pkg/hash"
)

// DefaultACLRefreshInterval matches spec §4.K's "ACL cache refresh on an
// interval (default 60 s)".
const DefaultACLRefreshInterval = 60 * time.Second

// Config holds the session manager's policy knobs.
type Config struct {
	NodeID              string
	ACLRefreshInterval  time.Duration
	BootstrapPassword   string // used only if the Admin user does not exist yet
}

// Manager owns the NEW/CONNECTED/DISCONNECTED/EXPIRED state machine
// (spec §4.K) and drives the router's PUBLISH pipeline for last-will
// delivery. It does not hold connections; the transport layer calls
// Connect/Disconnect with clientID/username and a router.Deliverer.
type Manager struct {
	cfg Config
	log *logger.Logger

	sessions store.SessionStore
	users    store.UserACLStore
	aclCache *acl.Cache
	tree     *subtree.Tree
	rt       *router.Router

	mu        sync.Mutex
	usernames map[string]string // clientID -> authenticated username, for will delivery
	states    map[string]model.SessionState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Manager. Call Start before accepting connections.
func New(cfg Config, log *logger.Logger, sessions store.SessionStore, users store.UserACLStore, aclCache *acl.Cache, tree *subtree.Tree, rt *router.Router) *Manager {
	if cfg.ACLRefreshInterval <= 0 {
		cfg.ACLRefreshInterval = DefaultACLRefreshInterval
	}
	return &Manager{
		cfg:       cfg,
		log:       log,
		sessions:  sessions,
		users:     users,
		aclCache:  aclCache,
		tree:      tree,
		rt:        rt,
		usernames: make(map[string]string),
		states:    make(map[string]model.SessionState),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the one-time startup sequence (spec §4.K "periodic tasks"
// (a) and (b)) and launches the ACL refresh ticker (c).
func (m *Manager) Start(ctx context.Context) error {
	if err := m.bootstrapUsers(ctx); err != nil {
		return err
	}
	if err := m.aclCache.Refresh(ctx); err != nil {
		return err
	}
	if err := m.rebuildSubscriptions(ctx); err != nil {
		return err
	}
	if err := m.sessions.PurgeSessions(ctx); err != nil {
		m.log.LogError(err, "purge stale sessions failed")
	}

	m.wg.Add(1)
	go m.refreshLoop(ctx)
	return nil
}

// Stop halts the refresh ticker and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) refreshLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ACLRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.aclCache.Refresh(ctx); err != nil {
				m.log.LogError(err, "periodic acl cache refresh failed")
			}
		}
	}
}

// bootstrapUsers seeds the reserved Admin account if it does not yet
// exist (spec §3 "a reserved name Admin is bootstrapped if missing").
// It seeds only Admin; the Anonymous row is seeded, together with Admin,
// by sqlstore.UserACLStore when it is opened. The ACL cache denies access
// for any username it has no row for (spec §4.G step 1).
func (m *Manager) bootstrapUsers(ctx context.Context) error {
	existing, err := m.users.GetUser(ctx, model.AdminUser)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	pw := m.cfg.BootstrapPassword
	if pw == "" {
		pw = model.AdminUser
	}
	hashed, err := hash.HashPasswd(pw, hash.DefaultCost)
	if err != nil {
		return err
	}
	now := time.Now()
	admin := model.User{
		Username:     model.AdminUser,
		PasswordHash: hashed,
		Enabled:      true,
		CanSubscribe: true,
		CanPublish:   true,
		IsAdmin:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.log.Info("bootstrapping Admin user")
	return m.users.CreateUser(ctx, admin)
}

// rebuildSubscriptions implements spec §4.K "subscription index rebuild
// from persistent store on cold start": every persisted subscription is
// re-added to the in-memory tree before the router starts fanning out.
func (m *Manager) rebuildSubscriptions(ctx context.Context) error {
	return m.sessions.IterateSubscriptions(ctx, func(s model.Subscription) bool {
		if err := m.tree.Add(s.TopicFilter, s.ClientID, s.QoS); err != nil {
			m.log.LogError(err, "failed to rebuild subscription", logger.ClientID(s.ClientID))
		}
		return true
	})
}

// Connect implements spec §4.J CONNECT / §4.K clean-session takeover.
// deliverer is used only to drain the offline queue immediately if the
// reconnecting session had any messages waiting. It returns sessionPresent
// (true when a prior non-clean session was restored).
func (m *Manager) Connect(ctx context.Context, clientID, username string, cleanSession bool, will *model.BrokerMessage, info map[string]any, deliverer router.Deliverer) (sessionPresent bool, err error) {
	m.mu.Lock()
	m.usernames[clientID] = username
	m.mu.Unlock()

	present, err := m.sessions.IsPresent(ctx, clientID)
	if err != nil {
		return false, err
	}

	if cleanSession {
		if present {
			if err := m.takeOver(ctx, clientID); err != nil {
				return false, err
			}
		}
		m.setState(clientID, model.StateConnected)
	} else if present {
		sessionPresent = true
		if err := m.restore(ctx, clientID, deliverer); err != nil {
			return false, err
		}
		m.setState(clientID, model.StateConnected)
	} else {
		m.setState(clientID, model.StateConnected)
	}

	if err := m.sessions.SetClient(ctx, clientID, m.cfg.NodeID, cleanSession, true, info); err != nil {
		return sessionPresent, err
	}
	if err := m.sessions.SetLastWill(ctx, clientID, will); err != nil {
		return sessionPresent, err
	}
	m.log.LogSessionTransition(clientID, "NEW", "CONNECTED", "connect")
	return sessionPresent, nil
}

// takeOver implements the atomic clean-session replacement (spec §4.K
// "Clean-session takeover is an atomic replacement"): drop every prior
// subscription from the tree and the store, and purge the queue, before
// admitting any further operation for this client.
func (m *Manager) takeOver(ctx context.Context, clientID string) error {
	m.tree.RemoveClient(clientID)
	return m.sessions.DelClient(ctx, clientID, func(model.Subscription) bool { return true })
}

// restore re-adds a reconnecting, non-clean-session client's persisted
// subscriptions into the tree (they may already be present from the
// cold-start rebuild, in which case Add is idempotent) and drains its
// offline queue in FIFO order (spec §4.J CONNECT step 3, §5 "Per-client
// message delivery order is FIFO").
func (m *Manager) restore(ctx context.Context, clientID string, deliverer router.Deliverer) error {
	if err := m.sessions.IterateSubscriptions(ctx, func(s model.Subscription) bool {
		if s.ClientID != clientID {
			return true
		}
		_ = m.tree.Add(s.TopicFilter, clientID, s.QoS)
		return true
	}); err != nil {
		return err
	}

	if deliverer == nil {
		return nil
	}

	var acked []store.ClientMessage
	err := m.sessions.DequeueMessages(ctx, clientID, func(msg model.BrokerMessage) bool {
		ok := deliverer.Deliver(clientID, msg, msg.QoS)
		if ok {
			acked = append(acked, store.ClientMessage{ClientID: clientID, MessageUUID: msg.MessageUUID})
		}
		return ok
	})
	if err != nil {
		return err
	}
	if len(acked) > 0 {
		return m.sessions.RemoveMessages(ctx, acked)
	}
	return nil
}

// Disconnect implements spec §4.J DISCONNECT. graceful=false triggers
// last-will delivery through the router's normal PUBLISH pipeline (spec
// §4.J "publish the last-will through the same PUBLISH pipeline").
// cleanSession controls whether disconnecting is terminal (EXPIRED,
// subscriptions and queue dropped) or merely DISCONNECTED (state
// preserved for a future non-clean reconnect).
func (m *Manager) Disconnect(ctx context.Context, clientID string, graceful, cleanSession bool) error {
	if err := m.sessions.SetConnected(ctx, clientID, false); err != nil {
		return err
	}

	if !graceful {
		if err := m.publishWill(ctx, clientID); err != nil {
			m.log.LogError(err, "last-will publish failed", logger.ClientID(clientID))
		}
	}

	if cleanSession {
		m.tree.RemoveClient(clientID)
		if err := m.sessions.DelClient(ctx, clientID, func(model.Subscription) bool { return true }); err != nil {
			return err
		}
		m.setState(clientID, model.StateExpired)
		m.log.LogSessionTransition(clientID, "CONNECTED", "EXPIRED", "clean-session disconnect")
	} else {
		m.setState(clientID, model.StateDisconnected)
		m.log.LogSessionTransition(clientID, "CONNECTED", "DISCONNECTED", "disconnect")
	}

	m.mu.Lock()
	delete(m.usernames, clientID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) publishWill(ctx context.Context, clientID string) error {
	m.mu.Lock()
	username := m.usernames[clientID]
	m.mu.Unlock()

	sess, err := m.findSession(ctx, clientID)
	if err != nil || sess == nil || sess.LastWill == nil {
		return err
	}
	return m.rt.HandlePublish(ctx, username, *sess.LastWill)
}

func (m *Manager) findSession(ctx context.Context, clientID string) (*model.Session, error) {
	var found *model.Session
	err := m.sessions.IterateAllSessions(ctx, func(s model.Session) bool {
		if s.ClientID == clientID {
			cp := s
			found = &cp
			return false
		}
		return true
	})
	return found, err
}

// DeleteClient implements the admin "delete client" operation (spec §4.K
// "Terminal EXPIRED is reached only when ... an admin deletes the
// client"): unconditional expiry regardless of CleanSession.
func (m *Manager) DeleteClient(ctx context.Context, clientID string) error {
	m.tree.RemoveClient(clientID)
	if err := m.sessions.DelClient(ctx, clientID, func(model.Subscription) bool { return true }); err != nil {
		return err
	}
	m.setState(clientID, model.StateExpired)
	m.log.LogSessionTransition(clientID, "", "EXPIRED", "admin delete")
	return nil
}

func (m *Manager) setState(clientID string, s model.SessionState) {
	m.mu.Lock()
	m.states[clientID] = s
	m.mu.Unlock()
}

// State returns the tracked in-memory lifecycle state for clientID.
func (m *Manager) State(clientID string) (model.SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[clientID]
	return s, ok
}

// Authenticate validates CONNECT credentials against the user/ACL store
// (spec §4.F "validate_credentials"), returning a typed auth-failure error
// on mismatch so the transport layer can map it to CONNACK's
// bad-username-or-password code (spec §7 "Authentication failure").
func (m *Manager) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	return m.users.ValidateCredentials(ctx, username, password)
}
