// Package transport is the TCP front-end (spec §1, §6.1): it owns wire
// framing and connection I/O, decodes packets with internal/packet, and
// invokes internal/router and internal/sessionmgr for every MQTT
// operation. It never holds broker state of its own beyond what is
// needed to frame and address live connections.
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/monstermq/core/internal/model"
	pkt "github.com/monstermq/core/internal/packet"
)

// DefaultMaxRetries and DefaultRetryDelay bound the outbound QoS 1/2
// retransmission loop. Values carried over from the broker's original
// QoS manager.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = 30 * time.Second
)

// pendingOut is one outbound QoS 1/2 delivery awaiting acknowledgment.
type pendingOut struct {
	msg             model.BrokerMessage
	qos             model.QoS
	sentAt          time.Time
	retries         int
	awaitingPubcomp bool // true once PUBREC answered and PUBREL has been sent
}

// qos2Held is an inbound QoS 2 PUBLISH held between PUBREC and PUBREL, the
// server's half of the receiver-side handshake (spec §6.1's ambient
// QoS machinery, not itself a spec.md module).
type qos2Held struct {
	msg model.BrokerMessage
}

// clientConn is one live connection's delivery state: its wire, its
// identity, and its QoS 1/2 handshake bookkeeping. The router reaches it
// only through the registry; the server also calls its methods directly.
// Mutation of its handshake state is behind conn's own mutex.
type clientConn struct {
	writeMu sync.Mutex
	conn    writer

	clientID     string
	username     string
	cleanSession bool

	packetIDSeq uint32

	mu      sync.Mutex
	outQoS1 map[uint16]*pendingOut
	outQoS2 map[uint16]*pendingOut
	inQoS2  map[uint16]*qos2Held
}

// writer is the subset of net.Conn the registry needs; narrowed for
// testability.
type writer interface {
	Write(b []byte) (int, error)
}

func newClientConn(conn writer, clientID, username string, cleanSession bool) *clientConn {
	return &clientConn{
		conn:         conn,
		clientID:     clientID,
		username:     username,
		cleanSession: cleanSession,
		outQoS1:      make(map[uint16]*pendingOut),
		outQoS2:      make(map[uint16]*pendingOut),
		inQoS2:       make(map[uint16]*qos2Held),
	}
}

func (c *clientConn) nextPacketID() uint16 {
	id := atomic.AddUint32(&c.packetIDSeq, 1)
	if id == 0 || id > 0xFFFF {
		atomic.StoreUint32(&c.packetIDSeq, 1)
		id = 1
	}
	return uint16(id)
}

// write serializes concurrent writers (router fan-out, retry loop, the
// read loop's acks) onto one connection.
func (c *clientConn) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

func (c *clientConn) send(msg model.BrokerMessage, qos model.QoS, dup bool) error {
	pp := &pkt.PublishPacket{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     pkt.QoSLevel(qos),
		Retain:  msg.Retain,
		DUP:     dup,
	}
	if qos != model.QoS0 {
		id := c.nextPacketID()
		pp.PacketID = &id
		c.trackOutbound(id, msg, qos)
	}
	return c.write(pp.Encode())
}

func (c *clientConn) trackOutbound(id uint16, msg model.BrokerMessage, qos model.QoS) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &pendingOut{msg: msg, qos: qos, sentAt: time.Now()}
	if qos == model.QoS1 {
		c.outQoS1[id] = p
	} else {
		c.outQoS2[id] = p
	}
}

// retrySweep resends any QoS 1 PUBLISH or not-yet-PUBREC'd QoS 2 PUBLISH
// that has waited longer than DefaultRetryDelay, setting DUP, up to
// DefaultMaxRetries before giving up (spec §6.1 ambient QoS machinery).
func (c *clientConn) retrySweep(now time.Time) {
	c.mu.Lock()
	var resend []struct {
		id  uint16
		msg model.BrokerMessage
		qos model.QoS
	}
	sweep := func(m map[uint16]*pendingOut) {
		for id, p := range m {
			if p.awaitingPubcomp || now.Sub(p.sentAt) < DefaultRetryDelay {
				continue
			}
			if p.retries >= DefaultMaxRetries {
				delete(m, id)
				continue
			}
			p.retries++
			p.sentAt = now
			resend = append(resend, struct {
				id  uint16
				msg model.BrokerMessage
				qos model.QoS
			}{id, p.msg, p.qos})
		}
	}
	sweep(c.outQoS1)
	sweep(c.outQoS2)
	c.mu.Unlock()

	for _, r := range resend {
		pp := &pkt.PublishPacket{
			Topic:    r.msg.Topic,
			Payload:  r.msg.Payload,
			QoS:      pkt.QoSLevel(r.qos),
			Retain:   r.msg.Retain,
			DUP:      true,
			PacketID: &r.id,
		}
		_ = c.write(pp.Encode())
	}
}

// registry maps live clientIDs to their connection, implementing
// router.Deliverer (spec §1 "a front-end that delivers decoded packets").
type registry struct {
	mu   sync.RWMutex
	byID map[string]*clientConn
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*clientConn)}
}

func (r *registry) put(c *clientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.clientID] = c
}

func (r *registry) get(clientID string) (*clientConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[clientID]
	return c, ok
}

func (r *registry) remove(clientID string, c *clientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[clientID]; ok && cur == c {
		delete(r.byID, clientID)
	}
}

func (r *registry) username(clientID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byID[clientID]; ok {
		return c.username
	}
	return ""
}

// Deliver implements router.Deliverer: encode and write msg to clientID's
// live connection if one is registered. A write error is treated the same
// as "not connected" so the router falls back to the offline queue.
func (r *registry) Deliver(clientID string, msg model.BrokerMessage, qos model.QoS) bool {
	r.mu.RLock()
	c, ok := r.byID[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return c.send(msg, qos, false) == nil
}

// forEach snapshots the live connections for the retry sweep.
func (r *registry) forEach(fn func(*clientConn)) {
	r.mu.RLock()
	conns := make([]*clientConn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		fn(c)
	}
}
