// Package subtree implements the wildcard-capable subscription index
// (spec §4.B "Topic tree"): a trie keyed by topic level, with subscriber
// sets attached at the node each filter resolves to.
package subtree

import (
	"strings"
	"sync"

	"github.com/monstermq/core/internal/model"
	"github.com/monstermq/core/internal/topic"
)

const (
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
)

type node struct {
	children map[string]*node
	subs     map[string]model.QoS // clientID -> granted QoS, attached at this node
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) empty() bool {
	return len(n.children) == 0 && len(n.subs) == 0
}

// Tree is a single shared subscription index. One write-lock guards
// mutation; reads take the read lock and never observe a partially
// inserted branch (spec §5 "Shared resources").
type Tree struct {
	mu   sync.RWMutex
	root *node
}

// New creates an empty subscription tree.
func New() *Tree {
	return &Tree{root: newNode()}
}

// Add inserts or updates a (filter, clientID) subscription at the given
// QoS. A second Add for the same (filter, clientID) overwrites the QoS —
// "the latest qos wins" (spec §4.B invariants).
func (t *Tree) Add(filter, clientID string, qos model.QoS) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return err
	}
	levels := topic.Levels(filter)

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root
	for _, l := range levels {
		next, ok := cur.children[l]
		if !ok {
			next = newNode()
			cur.children[l] = next
		}
		cur = next
	}
	if cur.subs == nil {
		cur.subs = make(map[string]model.QoS)
	}
	cur.subs[clientID] = qos
	return nil
}

// Remove deletes the (filter, clientID) subscription, pruning any leaf
// left with no children and no subscribers.
func (t *Tree) Remove(filter, clientID string) {
	levels := topic.Levels(filter)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.removeRec(t.root, levels, clientID)
}

func (t *Tree) removeRec(n *node, levels []string, clientID string) bool {
	if len(levels) == 0 {
		if n.subs != nil {
			delete(n.subs, clientID)
		}
		return n.empty()
	}
	child, ok := n.children[levels[0]]
	if !ok {
		return false
	}
	if t.removeRec(child, levels[1:], clientID) {
		delete(n.children, levels[0])
	}
	return n.empty()
}

// RemoveClient deletes every subscription belonging to clientID, used by
// clean-session takeover and session deletion (spec §4.E del_client).
func (t *Tree) RemoveClient(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	removeClientRec(t.root, clientID)
}

func removeClientRec(n *node, clientID string) bool {
	if n.subs != nil {
		delete(n.subs, clientID)
	}
	for l, c := range n.children {
		if removeClientRec(c, clientID) {
			delete(n.children, l)
		}
	}
	return n.empty()
}

// Match walks the tree for a published topic and returns every matching
// (clientID, qos) pair, deduplicated by clientID keeping the highest QoS
// (spec §4.B "match").
func (t *Tree) Match(publishedTopic string) []model.Subscription {
	levels := topic.Levels(publishedTopic)

	t.mu.RLock()
	defer t.mu.RUnlock()

	best := make(map[string]model.QoS)
	t.matchRec(t.root, levels, best)

	out := make([]model.Subscription, 0, len(best))
	for clientID, qos := range best {
		out = append(out, model.Subscription{ClientID: clientID, QoS: qos})
	}
	return out
}

func (t *Tree) matchRec(n *node, levels []string, best map[string]model.QoS) {
	// A "#" child matches this node's entire remaining suffix, including
	// the empty suffix, so it always applies regardless of how many
	// levels are left to consume.
	if mw, ok := n.children[multiLevelWildcard]; ok {
		t.addSubs(mw, best)
	}

	if len(levels) == 0 {
		t.addSubs(n, best)
		return
	}

	if lit, ok := n.children[levels[0]]; ok {
		t.matchRec(lit, levels[1:], best)
	}
	if plus, ok := n.children[singleLevelWildcard]; ok {
		t.matchRec(plus, levels[1:], best)
	}
}

func (t *Tree) addSubs(n *node, best map[string]model.QoS) {
	for clientID, qos := range n.subs {
		if cur, ok := best[clientID]; !ok || qos > cur {
			best[clientID] = qos
		}
	}
}

// Entry is one stored (filter, client, qos) triple, returned by Iterate.
type Entry struct {
	Filter   string
	ClientID string
	QoS      model.QoS
}

// Iterate enumerates every stored subscription (spec §4.B "iterate").
func (t *Tree) Iterate() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Entry
	var walk func(n *node, prefix []string)
	walk = func(n *node, prefix []string) {
		if len(n.subs) > 0 {
			filter := strings.Join(prefix, "/")
			for clientID, qos := range n.subs {
				out = append(out, Entry{Filter: filter, ClientID: clientID, QoS: qos})
			}
		}
		for l, c := range n.children {
			walk(c, append(prefix, l))
		}
	}
	walk(t.root, nil)
	return out
}

// Subscriptions returns every filter+QoS clientID is currently subscribed
// to, used by admin inspection and by clean-session bookkeeping.
func (t *Tree) Subscriptions(clientID string) []Entry {
	all := t.Iterate()
	out := all[:0]
	for _, e := range all {
		if e.ClientID == clientID {
			out = append(out, e)
		}
	}
	return out
}
