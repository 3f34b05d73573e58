package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/monstermq/core/internal/logger"
	"github.com/monstermq/core/internal/model"
	pkt "github.com/monstermq/core/internal/packet"
	"github.com/monstermq/core/internal/router"
	"github.com/monstermq/core/internal/sessionmgr"
	"github.com/monstermq/core/pkg/er"
)

// DefaultMaxConnections caps concurrent connections per listener, the same
// ceiling the teacher's TCPServer applied before accepting anything.
const DefaultMaxConnections = 1000

// retrySweepInterval is how often the QoS retry sweep runs across every
// live connection.
const retrySweepInterval = 10 * time.Second

// Server is the TCP MQTT front-end (spec §1): it frames packets off the
// wire and drives router.Router / sessionmgr.Manager for every decoded
// operation. It holds no subscription, retained or session state itself.
type Server struct {
	addr string
	log  *logger.Logger

	rt *router.Router
	sm *sessionmgr.Manager

	listener net.Listener
	registry *registry

	isShuttingDown     atomic.Bool
	maxConnections     int
	currentConnections atomic.Int32

	stopSweep chan struct{}
}

// New builds a Server bound to addr (a bare port, matching the teacher's
// ":"+port convention), driven by rt and sm.
func New(addr string, rt *router.Router, sm *sessionmgr.Manager, log *logger.Logger) *Server {
	return &Server{
		addr:           addr,
		log:            log,
		rt:             rt,
		sm:             sm,
		registry:       newRegistry(),
		maxConnections: DefaultMaxConnections,
		stopSweep:      make(chan struct{}),
	}
}

// Start begins accepting TCP connections and launches the QoS retry sweep.
func (srv *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	go srv.sweepLoop()
	return nil
}

// Stop closes the listener; in-flight connections drain on their own.
func (srv *Server) Stop() error {
	srv.isShuttingDown.Store(true)
	close(srv.stopSweep)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *Server) sweepLoop() {
	ticker := time.NewTicker(retrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-srv.stopSweep:
			return
		case now := <-ticker.C:
			srv.registry.forEach(func(c *clientConn) { c.retrySweep(now) })
		}
	}
}

func (srv *Server) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingDown.Load() {
					return
				}
				srv.log.LogError(err, "accept failed")
				continue
			}
			go srv.handleConnection(ctx, conn)
		}
	}
}

func (srv *Server) checkAvailability() string {
	if srv.isShuttingDown.Load() {
		return "server is shutting down"
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

func (srv *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	var c *clientConn
	gracefullyDisconnected := false

	defer func() {
		conn.Close()
		srv.currentConnections.Add(-1)
		if c != nil && !gracefullyDisconnected {
			srv.registry.remove(c.clientID, c)
			c.cleanup()
			if err := srv.sm.Disconnect(context.Background(), c.clientID, false, c.cleanSession); err != nil {
				srv.log.LogError(err, "disconnect bookkeeping failed", logger.ClientID(c.clientID))
			}
			srv.log.LogClientConnection(c.clientID, remote, "disconnected")
		}
	}()

	if reason := srv.checkAvailability(); reason != "" {
		conn.Write(pkt.NewConnAck(false, pkt.ServerUnavailable))
		return
	}
	srv.currentConnections.Add(1)

	reader := bufio.NewReader(conn)

	for {
		raw, err := readPacket(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				srv.log.LogError(err, "read failed", logger.String("remote", remote))
			}
			return
		}

		parsed, err := pkt.Parse(raw)
		if err != nil {
			srv.log.LogError(err, "parse failed", logger.String("remote", remote))
			if c == nil {
				conn.Write(pkt.NewConnAck(false, connackCodeFor(err)))
			}
			return
		}

		if c == nil {
			var ok bool
			c, ok = srv.handleConnect(ctx, conn, remote, parsed)
			if !ok {
				return
			}
			continue
		}

		keepGoing, graceful := srv.dispatch(ctx, conn, c, parsed)
		if graceful {
			gracefullyDisconnected = true
		}
		if !keepGoing {
			return
		}
	}
}

// readPacket reads one MQTT fixed-header + remaining-length + payload
// frame off r, the same scheme the teacher's read loop used.
func readPacket(r *bufio.Reader) ([]byte, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 4)
	offset := 0
	remainingLength := 0
	multiplier := 1
	for {
		if offset >= len(remLenBuf) {
			return nil, er.New("transport.readPacket", er.KindInvalidInput, er.ErrRemainingLengthExceeded)
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf[offset] = b
		offset++
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if b&0x80 == 0 {
			break
		}
	}

	raw := make([]byte, 1+offset+remainingLength)
	raw[0] = first
	copy(raw[1:1+offset], remLenBuf[:offset])
	if _, err := io.ReadFull(r, raw[1+offset:]); err != nil {
		return nil, err
	}
	return raw, nil
}

func connackCodeFor(err error) byte {
	switch {
	case errors.Is(err, er.ErrUnsupportedProtocolLevel), errors.Is(err, er.ErrUnsupportedProtocolName):
		return pkt.UnacceptableProtocolVersion
	case errors.Is(err, er.ErrInvalidCharsClientID), errors.Is(err, er.ErrClientIDLengthExceed), errors.Is(err, er.ErrIdentifierRejected):
		return pkt.IdentifierRejected
	case errors.Is(err, er.ErrPasswordWithoutUsername), errors.Is(err, er.ErrMalformedUsernameField), errors.Is(err, er.ErrMalformedPasswordField):
		return pkt.BadUsernameOrPassword
	default:
		return pkt.ServerUnavailable
	}
}

// handleConnect processes the mandatory first packet of a connection
// (spec §4.J CONNECT): authenticate, run the session manager's
// takeover/restore logic, register the connection and ack.
func (srv *Server) handleConnect(ctx context.Context, conn net.Conn, remote string, parsed *pkt.ParsedPacket) (*clientConn, bool) {
	if !parsed.IsConnect() {
		conn.Write(pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
		return nil, false
	}
	cp := parsed.GetConnect()

	username := model.AnonymousUser
	if cp.UsernameFlag && cp.Username != nil {
		username = *cp.Username
	}
	if cp.UsernameFlag && cp.PasswordFlag {
		password := ""
		if cp.Password != nil {
			password = *cp.Password
		}
		if _, err := srv.sm.Authenticate(ctx, username, password); err != nil {
			srv.log.LogAuth(cp.ClientID, username, false, er.KindOf(err).String())
			conn.Write(pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
			return nil, false
		}
		srv.log.LogAuth(cp.ClientID, username, true, "")
	}

	c := newClientConn(conn, cp.ClientID, username, cp.CleanSession)

	var will *model.BrokerMessage
	if cp.WillFlag && cp.WillTopic != nil {
		payload := ""
		if cp.WillMessage != nil {
			payload = *cp.WillMessage
		}
		w := model.NewMessage(*cp.WillTopic, []byte(payload), model.QoS(cp.WillQoS), cp.WillRetain, cp.ClientID)
		will = &w
	}

	// Register before Connect so the deliverer (keyed by clientID, not by
	// this net.Conn) can already reach this connection if Connect's
	// session restore replays queued messages.
	srv.registry.put(c)

	deliverCtx := router.WithDeliverer(ctx, srv.registry)
	sessionPresent, err := srv.sm.Connect(deliverCtx, cp.ClientID, username, cp.CleanSession, will, nil, srv.registry)
	if err != nil {
		srv.registry.remove(cp.ClientID, c)
		srv.log.LogError(err, "connect failed", logger.ClientID(cp.ClientID))
		conn.Write(pkt.NewConnAck(false, pkt.ServerUnavailable))
		return nil, false
	}

	conn.Write(pkt.NewConnAck(sessionPresent, pkt.ConnectionAccepted))
	srv.log.LogClientConnection(cp.ClientID, remote, "connected")
	return c, true
}

// dispatch handles every post-CONNECT packet type. keepGoing is false when
// the connection must be closed; graceful is true only for a client-initiated
// DISCONNECT, telling the caller the session bookkeeping is already done.
func (srv *Server) dispatch(ctx context.Context, conn net.Conn, c *clientConn, parsed *pkt.ParsedPacket) (keepGoing, graceful bool) {
	switch parsed.Type {
	case pkt.PUBLISH:
		return srv.handlePublish(ctx, conn, c, parsed.Publish), false

	case pkt.PUBACK:
		c.handlePuback(parsed.Puback.PacketID)
		return true, false

	case pkt.PUBREC:
		if rel := c.handlePubrec(parsed.Pubrec.PacketID); rel != nil {
			conn.Write(rel)
		}
		return true, false

	case pkt.PUBREL:
		return srv.handlePubrel(ctx, conn, c, parsed.Pubrel.PacketID), false

	case pkt.PUBCOMP:
		c.handlePubcomp(parsed.Pubcomp.PacketID)
		return true, false

	case pkt.SUBSCRIBE:
		return srv.handleSubscribe(ctx, conn, c, parsed.Subscribe), false

	case pkt.UNSUBSCRIBE:
		return srv.handleUnsubscribe(ctx, conn, c, parsed.Unsubscribe), false

	case pkt.PINGREQ:
		conn.Write(pkt.CreatePingresp().Encode())
		return true, false

	case pkt.DISCONNECT:
		if err := srv.sm.Disconnect(ctx, c.clientID, true, c.cleanSession); err != nil {
			srv.log.LogError(err, "graceful disconnect failed", logger.ClientID(c.clientID))
		}
		srv.registry.remove(c.clientID, c)
		c.cleanup()
		return false, true

	default:
		return false, false
	}
}

func (srv *Server) handlePublish(ctx context.Context, conn net.Conn, c *clientConn, p *pkt.PublishPacket) bool {
	msg := model.NewMessage(p.Topic, p.Payload, model.QoS(p.QoS), p.Retain, c.clientID)

	switch p.QoS {
	case pkt.QoSAtMostOnce:
		srv.publish(ctx, c, msg)

	case pkt.QoSAtLeastOnce:
		srv.publish(ctx, c, msg)
		if p.PacketID != nil {
			conn.Write(pkt.NewPubAck(*p.PacketID))
		}

	case pkt.QoSExactlyOnce:
		if p.PacketID == nil {
			return false
		}
		alreadyHeld := c.holdQoS2(*p.PacketID, qos2Held{msg: msg})
		conn.Write(pkt.NewPubRec(*p.PacketID))
		_ = alreadyHeld // duplicate PUBLISH: PUBREC is resent, message is not re-processed
	}
	return true
}

func (srv *Server) publish(ctx context.Context, c *clientConn, msg model.BrokerMessage) {
	deliverCtx := router.WithDeliverer(ctx, srv.registry)
	if err := srv.rt.HandlePublish(deliverCtx, c.username, msg); err != nil {
		srv.log.LogError(err, "publish failed", logger.ClientID(c.clientID), logger.String("topic", msg.Topic))
	}
}

// handlePubrel completes the receiver-side QoS 2 handshake: the message
// is routed exactly once, on PUBREL, using the message held since PUBLISH
// (spec §6.1 ambient QoS machinery; exactly-once delivery into the router
// is what the PUBLISH/PUBREC/PUBREL/PUBCOMP dance exists to guarantee).
func (srv *Server) handlePubrel(ctx context.Context, conn net.Conn, c *clientConn, packetID uint16) bool {
	if msg, ok := c.takePubrel(packetID); ok {
		srv.publish(ctx, c, msg)
	}
	conn.Write(pkt.NewPubComp(packetID))
	return true
}

func (srv *Server) handleSubscribe(ctx context.Context, conn net.Conn, c *clientConn, sp *pkt.SubscribePacket) bool {
	returnCodes := make([]byte, len(sp.Filters))
	for i, f := range sp.Filters {
		deliverCtx := router.WithDeliverer(ctx, srv.registry)
		granted, err := srv.rt.HandleSubscribe(deliverCtx, c.username, c.clientID, f.Topic, model.QoS(f.QoS), srv.registry)
		if err != nil {
			returnCodes[i] = pkt.SubackFailure
			continue
		}
		returnCodes[i] = subackCodeFor(granted)
	}
	suback := &pkt.SubackPacket{PacketID: sp.PacketID, ReturnCodes: returnCodes}
	conn.Write(suback.Encode())
	return true
}

func subackCodeFor(qos model.QoS) byte {
	switch qos {
	case model.QoS1:
		return pkt.SubackMaxQoS1
	case model.QoS2:
		return pkt.SubackMaxQoS2
	default:
		return pkt.SubackMaxQoS0
	}
}

func (srv *Server) handleUnsubscribe(ctx context.Context, conn net.Conn, c *clientConn, up *pkt.UnsubscribePacket) bool {
	for _, filter := range up.TopicFilters {
		if err := srv.rt.HandleUnsubscribe(ctx, c.clientID, filter); err != nil {
			srv.log.LogError(err, "unsubscribe failed", logger.ClientID(c.clientID), logger.String("filter", filter))
		}
	}
	unsuback := &pkt.UnsubackPacket{PacketID: up.PacketID}
	conn.Write(unsuback.Encode())
	return true
}
