package transport

import (
	"github.com/monstermq/core/internal/model"
	pkt "github.com/monstermq/core/internal/packet"
)

func newPubrel(packetID uint16) []byte {
	return pkt.NewPubRel(packetID)
}

func (c *clientConn) handlePuback(packetID uint16) {
	c.mu.Lock()
	delete(c.outQoS1, packetID)
	c.mu.Unlock()
}

// handlePubrec acknowledges the PUBLISH half of QoS 2 and replies with
// PUBREL, then waits for PUBCOMP (spec §6.1 ambient QoS 2 handshake).
func (c *clientConn) handlePubrec(packetID uint16) []byte {
	c.mu.Lock()
	p, ok := c.outQoS2[packetID]
	if ok {
		p.awaitingPubcomp = true
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return newPubrel(packetID)
}

func (c *clientConn) handlePubcomp(packetID uint16) {
	c.mu.Lock()
	delete(c.outQoS2, packetID)
	c.mu.Unlock()
}

// holdQoS2 records an inbound QoS 2 PUBLISH awaiting PUBREL, or reports
// that packetID was already held (a retransmit of the original PUBLISH,
// which must not be processed twice).
func (c *clientConn) holdQoS2(packetID uint16, held qos2Held) (alreadyHeld bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inQoS2[packetID]; ok {
		return true
	}
	c.inQoS2[packetID] = &held
	return false
}

// takePubrel consumes the held message for packetID, returning ok=false
// if the client sent PUBREL for a packet ID it never PUBLISHed.
func (c *clientConn) takePubrel(packetID uint16) (model.BrokerMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.inQoS2[packetID]
	if !ok {
		return model.BrokerMessage{}, false
	}
	delete(c.inQoS2, packetID)
	return h.msg, true
}

func (c *clientConn) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outQoS1 = map[uint16]*pendingOut{}
	c.outQoS2 = map[uint16]*pendingOut{}
	c.inQoS2 = map[uint16]*qos2Held{}
}
