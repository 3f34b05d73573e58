// Package acl implements the in-memory ACL cache (spec §4.G): a
// process-wide, lazily-filled view of users and their priority-sorted
// rules, plus a bounded positive-decision cache. It is the sole
// authorization entry point the router consults; internal/store/sqlstore's
// UserACLStore only backs its warm-up and refresh (docstore has no
// UserACLStore).
package acl

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/internal/store"
	"github.com/monstermq/core/internal/subtree"
	"github.com/monstermq/core/internal/topic"
)

// DefaultDecisionCacheCap is the recommended default bound on the
// positive-decision cache (spec §4.G).
const DefaultDecisionCacheCap = 10000

type decisionKey struct {
	op       model.AclOp
	username string
	topic    string
}

// Cache holds users, their priority-sorted rules, two subscribe/publish
// topic trees for rule lookup, and a bounded positive-decision cache.
// Users, rules and trees are guarded by mu, an RWMutex: Can's rule
// evaluation takes the read lock and Refresh takes the write lock,
// matching the subscription tree's single-writer-lock idiom (spec §4.B,
// §5). The decision cache has its own mutex, decisionsMu, which is the
// only lock Invalidate takes.
type Cache struct {
	store store.UserACLStore

	mu            sync.RWMutex
	users         map[string]model.User
	rules         map[string][]model.AclRule // username -> rules, descending priority
	subscribeTree *subtree.Tree
	publishTree   *subtree.Tree

	decisionsMu sync.Mutex
	decisions   map[decisionKey]bool
	decisionCap int
}

// New builds an empty cache backed by s. Call Refresh before first use.
func New(s store.UserACLStore) *Cache {
	return &Cache{
		store:         s,
		users:         make(map[string]model.User),
		rules:         make(map[string][]model.AclRule),
		subscribeTree: subtree.New(),
		publishTree:   subtree.New(),
		decisions:     make(map[decisionKey]bool),
		decisionCap:   DefaultDecisionCacheCap,
	}
}

// ruleClientID synthesizes a unique subtree "client" per (username, rule
// id) so the same topic pattern from two different users' rules does not
// collide in the tree (SPEC_FULL.md §4.G).
func ruleClientID(username string, ruleID int64) string {
	return username + "\x1f" + itoa(ruleID)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Refresh reloads users and rules from the backing store and rebuilds
// both topic trees and clears the decision cache (spec §4.K "periodic ACL
// cache refresh"). Safe to call concurrently with Can.
func (c *Cache) Refresh(ctx context.Context) error {
	users, rules, err := c.store.LoadAllUsersAndAcls(ctx)
	if err != nil {
		return err
	}

	byUser := make(map[string][]model.AclRule, len(users))
	for _, r := range rules {
		byUser[r.Username] = append(byUser[r.Username], r)
	}
	for u, rs := range byUser {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority > rs[j].Priority })
		byUser[u] = rs
	}

	subTree := subtree.New()
	pubTree := subtree.New()
	for _, r := range rules {
		cid := ruleClientID(r.Username, r.ID)
		if r.CanSubscribe {
			_ = subTree.Add(r.TopicPattern, cid, model.QoS0)
		}
		if r.CanPublish {
			_ = pubTree.Add(r.TopicPattern, cid, model.QoS0)
		}
	}

	usersByName := make(map[string]model.User, len(users))
	for _, u := range users {
		usersByName[u.Username] = u
	}

	c.mu.Lock()
	c.users = usersByName
	c.rules = byUser
	c.subscribeTree = subTree
	c.publishTree = pubTree
	c.mu.Unlock()

	c.clearDecisions()
	return nil
}

// Invalidate clears the decision cache without reloading from the store,
// used by admin mutations that already update in-memory state directly
// (spec §5 "ACL mutations are linearizable against the cache").
func (c *Cache) Invalidate() {
	c.clearDecisions()
}

func (c *Cache) clearDecisions() {
	c.decisionsMu.Lock()
	c.decisions = make(map[decisionKey]bool)
	c.decisionsMu.Unlock()
}

// Can runs the decision algorithm of spec §4.G:
//  1. user missing or disabled -> deny
//  2. is_admin -> allow
//  3. general capability flag for op false -> deny
//  4. first rule (priority order) with can_<op> true whose pattern
//     matches topic -> allow
//  5. else deny
//
// Positive results are memoized; denials are not (spec "entries added
// only while under bound" implies only allow-paths are cached).
func (c *Cache) Can(op model.AclOp, username, t string) bool {
	key := decisionKey{op: op, username: username, topic: t}

	c.decisionsMu.Lock()
	if allowed, ok := c.decisions[key]; ok {
		c.decisionsMu.Unlock()
		return allowed
	}
	c.decisionsMu.Unlock()

	allowed := c.evaluate(op, username, t)
	if allowed {
		c.decisionsMu.Lock()
		if len(c.decisions) < c.decisionCap {
			c.decisions[key] = true
		}
		c.decisionsMu.Unlock()
	}
	return allowed
}

func (c *Cache) evaluate(op model.AclOp, username, t string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	user, ok := c.users[username]
	if !ok || !user.Enabled {
		return false
	}
	if user.IsAdmin {
		return true
	}
	generalCap := user.CanSubscribe
	if op == model.OpPublish {
		generalCap = user.CanPublish
	}
	if !generalCap {
		return false
	}

	// The tree gives an O(topic depth) "does anything grant this user
	// access at all" check before the priority-ordered rule walk decides
	// the winner, the same two-phase shape subtree.Tree.Match/Iterate
	// already uses for subscription fan-out (spec §4.B, §4.G). Tree.Match
	// expects a concrete (non-wildcard) topic, so the fast path only
	// applies to publish checks and subscribe checks on a literal filter;
	// wildcard subscribe filters fall straight to the rule walk.
	if !topic.IsWildcard(t) {
		tree := c.subscribeTree
		if op == model.OpPublish {
			tree = c.publishTree
		}
		prefix := username + "\x1f"
		userHasGrant := false
		for _, hit := range tree.Match(t) {
			if strings.HasPrefix(hit.ClientID, prefix) {
				userHasGrant = true
				break
			}
		}
		if !userHasGrant {
			return false
		}
	}

	for _, r := range c.rules[username] {
		if !r.Allows(op) {
			continue
		}
		if matchesPattern(r.TopicPattern, t, op) {
			return true
		}
	}
	return false
}

// matchesPattern decides whether an ACL rule's topic_pattern grants
// access to t. Publish targets are always concrete topics, so a wildcard
// pattern is matched as a filter against the literal topic; subscribe
// targets are themselves filters, so a wildcard rule pattern must
// contain the requested filter (the rule's grant must be at least as
// broad as what the client is asking to subscribe to).
func matchesPattern(pattern, t string, op model.AclOp) bool {
	if op == model.OpPublish || !topic.IsWildcard(t) {
		return topic.Matches(pattern, t)
	}
	// A "+" level in the rule does not cover a "#" in the requested filter.
	pl, tl := topic.Levels(pattern), topic.Levels(t)
	if last := len(tl) - 1; tl[last] == "#" && last < len(pl) && pl[last] == "+" {
		return false
	}
	return topic.Matches(pattern, t) || pattern == t
}

// CanSubscribe and CanPublish are typed convenience wrappers over Can,
// matching the router's call sites (spec §4.J).
func (c *Cache) CanSubscribe(username, filter string) bool {
	return c.Can(model.OpSubscribe, username, filter)
}

func (c *Cache) CanPublish(username, t string) bool {
	return c.Can(model.OpPublish, username, t)
}

// User returns the cached user, if present.
func (c *Cache) User(username string) (model.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[username]
	return u, ok
}
