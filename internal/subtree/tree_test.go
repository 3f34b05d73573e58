package subtree

import (
	"testing"

	"github.com/monstermq/core/internal/model"
)

func subsOf(entries []model.Subscription) map[string]model.QoS {
	m := make(map[string]model.QoS)
	for _, e := range entries {
		m[e.ClientID] = e.QoS
	}
	return m
}

func TestMatchWildcards(t *testing.T) {
	tr := New()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(tr.Add("sensors/+/temp", "c1", model.QoS0))
	must(tr.Add("a/#", "c2", model.QoS1))
	must(tr.Add("a/b", "c3", model.QoS2))

	got := subsOf(tr.Match("sensors/1/temp"))
	if _, ok := got["c1"]; !ok {
		t.Fatalf("expected c1 to match sensors/1/temp, got %v", got)
	}

	got = subsOf(tr.Match("a"))
	if _, ok := got["c2"]; !ok {
		t.Fatalf("expected c2 to match bare topic a via a/#, got %v", got)
	}

	got = subsOf(tr.Match("a/b"))
	if got["c2"] != model.QoS1 || got["c3"] != model.QoS2 {
		t.Fatalf("expected both c2 and c3 to match a/b, got %v", got)
	}

	got = subsOf(tr.Match("a/b/c"))
	if _, ok := got["c3"]; ok {
		t.Fatalf("c3 (a/b) must not match a/b/c")
	}
	if _, ok := got["c2"]; !ok {
		t.Fatalf("c2 (a/#) must match a/b/c")
	}
}

func TestDuplicateSubscriptionCollapses(t *testing.T) {
	tr := New()
	_ = tr.Add("a/b", "c1", model.QoS0)
	_ = tr.Add("a/b", "c1", model.QoS2)

	entries := tr.Iterate()
	count := 0
	for _, e := range entries {
		if e.ClientID == "c1" {
			count++
			if e.QoS != model.QoS2 {
				t.Errorf("expected latest QoS (2) to win, got %v", e.QoS)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one entry for c1, got %d", count)
	}
}

func TestRemovePrunesEmptyLeaves(t *testing.T) {
	tr := New()
	_ = tr.Add("a/b/c", "c1", model.QoS0)
	tr.Remove("a/b/c", "c1")

	if len(tr.Iterate()) != 0 {
		t.Fatalf("expected empty tree after removal, got %v", tr.Iterate())
	}
	if !tr.root.empty() {
		t.Fatalf("expected root to have no children after pruning")
	}
}

func TestRemoveClient(t *testing.T) {
	tr := New()
	_ = tr.Add("a/b", "c1", model.QoS0)
	_ = tr.Add("a/c", "c1", model.QoS0)
	_ = tr.Add("a/b", "c2", model.QoS0)

	tr.RemoveClient("c1")

	entries := tr.Iterate()
	for _, e := range entries {
		if e.ClientID == "c1" {
			t.Fatalf("expected no subscriptions left for c1, found %v", e)
		}
	}
	if len(entries) != 1 {
		t.Fatalf("expected c2's subscription to survive, got %v", entries)
	}
}
