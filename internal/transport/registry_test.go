package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/monstermq/core/internal/model"
	pkt "github.com/monstermq/core/internal/packet"
)

type fakeWriter struct {
	buf bytes.Buffer
	err error
}

func (w *fakeWriter) Write(b []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	return w.buf.Write(b)
}

func TestRegistryDeliverRoutesToLiveConnection(t *testing.T) {
	w := &fakeWriter{}
	c := newClientConn(w, "client-1", "alice", true)

	r := newRegistry()
	r.put(c)

	msg := model.NewMessage("a/b", []byte("hi"), model.QoS1, false, "client-1")
	if ok := r.Deliver("client-1", msg, model.QoS1); !ok {
		t.Fatal("Deliver returned false for a registered client")
	}

	var parsed pkt.PublishPacket
	if err := parsed.Parse(w.buf.Bytes()); err != nil {
		t.Fatalf("delivered bytes did not parse as PUBLISH: %v", err)
	}
	if parsed.Topic != "a/b" {
		t.Errorf("Topic = %q, want a/b", parsed.Topic)
	}
	if parsed.PacketID == nil {
		t.Error("QoS 1 delivery must carry a packet ID")
	}
}

func TestRegistryDeliverUnknownClient(t *testing.T) {
	r := newRegistry()
	msg := model.NewMessage("a/b", []byte("hi"), model.QoS0, false, "ghost")
	if ok := r.Deliver("ghost", msg, model.QoS0); ok {
		t.Error("Deliver should report false for an unregistered client")
	}
}

func TestRegistryRemoveOnlyMatchingConn(t *testing.T) {
	r := newRegistry()
	oldConn := newClientConn(&fakeWriter{}, "client-1", "alice", true)
	newConn := newClientConn(&fakeWriter{}, "client-1", "alice", true)

	r.put(oldConn)
	r.put(newConn)

	// A stale reference to the superseded connection must not evict the
	// connection that replaced it.
	r.remove("client-1", oldConn)
	if _, ok := r.get("client-1"); !ok {
		t.Error("remove with a stale conn pointer evicted the live connection")
	}

	r.remove("client-1", newConn)
	if _, ok := r.get("client-1"); ok {
		t.Error("remove with the current conn pointer should evict it")
	}
}

func TestRetrySweepResendsAndExpires(t *testing.T) {
	w := &fakeWriter{}
	c := newClientConn(w, "client-1", "alice", true)

	msg := model.NewMessage("a/b", []byte("hi"), model.QoS1, false, "client-1")
	if err := c.send(msg, model.QoS1, false); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	past := time.Now().Add(-2 * DefaultRetryDelay)
	c.mu.Lock()
	for _, p := range c.outQoS1 {
		p.sentAt = past
	}
	c.mu.Unlock()

	w.buf.Reset()
	c.retrySweep(time.Now())
	if w.buf.Len() == 0 {
		t.Fatal("retrySweep should have resent the unacked PUBLISH")
	}

	var resent pkt.PublishPacket
	if err := resent.Parse(w.buf.Bytes()); err != nil {
		t.Fatalf("resent bytes did not parse: %v", err)
	}
	if !resent.DUP {
		t.Error("resent PUBLISH must carry DUP")
	}

	c.mu.Lock()
	for _, p := range c.outQoS1 {
		p.sentAt = past
	}
	c.mu.Unlock()
	for i := 0; i < DefaultMaxRetries; i++ {
		c.retrySweep(time.Now())
		c.mu.Lock()
		for _, p := range c.outQoS1 {
			p.sentAt = past
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	_, stillPending := c.outQoS1[1]
	c.mu.Unlock()
	if stillPending {
		t.Error("pending delivery should be dropped after DefaultMaxRetries")
	}
}
