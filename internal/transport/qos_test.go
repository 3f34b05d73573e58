package transport

import (
	"testing"

	"github.com/monstermq/core/internal/model"
)

func TestQoS1AckClearsPending(t *testing.T) {
	c := newClientConn(&fakeWriter{}, "client-1", "alice", true)
	msg := model.NewMessage("a/b", []byte("x"), model.QoS1, false, "client-1")
	if err := c.send(msg, model.QoS1, false); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	c.handlePuback(1)

	c.mu.Lock()
	_, pending := c.outQoS1[1]
	c.mu.Unlock()
	if pending {
		t.Error("handlePuback should clear the pending QoS 1 delivery")
	}
}

func TestQoS2OutboundHandshake(t *testing.T) {
	c := newClientConn(&fakeWriter{}, "client-1", "alice", true)
	msg := model.NewMessage("a/b", []byte("x"), model.QoS2, false, "client-1")
	if err := c.send(msg, model.QoS2, false); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	rel := c.handlePubrec(1)
	if rel == nil {
		t.Fatal("handlePubrec should produce a PUBREL for a tracked packet ID")
	}

	c.mu.Lock()
	p := c.outQoS2[1]
	c.mu.Unlock()
	if p == nil || !p.awaitingPubcomp {
		t.Fatal("pending delivery should be marked awaitingPubcomp after PUBREC")
	}

	c.handlePubcomp(1)
	c.mu.Lock()
	_, stillPending := c.outQoS2[1]
	c.mu.Unlock()
	if stillPending {
		t.Error("handlePubcomp should clear the pending QoS 2 delivery")
	}
}

func TestQoS2OutboundHandshakeUnknownPacketID(t *testing.T) {
	c := newClientConn(&fakeWriter{}, "client-1", "alice", true)
	if rel := c.handlePubrec(99); rel != nil {
		t.Error("handlePubrec for an untracked packet ID should return nil")
	}
}

func TestQoS2InboundHoldAndRelease(t *testing.T) {
	c := newClientConn(&fakeWriter{}, "client-1", "alice", true)
	msg := model.NewMessage("a/b", []byte("x"), model.QoS2, false, "client-1")

	if alreadyHeld := c.holdQoS2(5, qos2Held{msg: msg}); alreadyHeld {
		t.Error("first PUBLISH for a packet ID should not be reported as already held")
	}
	if alreadyHeld := c.holdQoS2(5, qos2Held{msg: msg}); !alreadyHeld {
		t.Error("a retransmitted PUBLISH with the same packet ID must be reported as already held")
	}

	got, ok := c.takePubrel(5)
	if !ok || got.Topic != "a/b" {
		t.Fatalf("takePubrel = (%+v, %v), want the held message", got, ok)
	}

	if _, ok := c.takePubrel(5); ok {
		t.Error("takePubrel should not return the same message twice")
	}
}

func TestCleanupClearsAllPendingState(t *testing.T) {
	c := newClientConn(&fakeWriter{}, "client-1", "alice", true)
	msg := model.NewMessage("a/b", []byte("x"), model.QoS1, false, "client-1")
	_ = c.send(msg, model.QoS1, false)
	c.holdQoS2(1, qos2Held{msg: msg})

	c.cleanup()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outQoS1) != 0 || len(c.outQoS2) != 0 || len(c.inQoS2) != 0 {
		t.Error("cleanup should empty all pending QoS state")
	}
}
