// Package handler implements the per-connection MQTT 5.0 state machine,
// grounded in original_source/server.py's handle_client packet-type
// branching and session.Session's state enum.
package handler

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/flowmq/broker/dispatcher"
	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/hook"
	"github.com/flowmq/broker/pkg/logger"
	"github.com/flowmq/broker/registry"
	"github.com/flowmq/broker/repository"
	"github.com/flowmq/broker/session"
	"github.com/flowmq/broker/types/message"
)

// State is the per-connection protocol state: a connection awaits
// CONNECT, becomes active once accepted, then closes.
type State byte

const (
	StateAwaitingConnect State = iota
	StateActive
	StateClosed
)

// Conn is the transport surface the handler needs: a byte stream it
// reads packets from and that also satisfies registry.Sink so the
// dispatcher can write to the same connection.
type Conn interface {
	io.Reader
	registry.Sink
	SetReadDeadline(d time.Duration)
	Close() error
}

// Handler drives one client connection through the protocol state
// machine, wired to the shared repository, registry, and dispatcher.
type Handler struct {
	conn  Conn
	repo  repository.Repository
	reg   *registry.Registry
	disp  *dispatcher.Dispatcher
	log   *logger.SlogLogger
	hooks *hook.Manager

	state           State
	clientID        string
	username        string
	protocolVersion byte
	keepAlive       time.Duration

	// sess tracks per-connection QoS 2 dedup and pending-ack state once
	// CONNECT succeeds; nil while StateAwaitingConnect.
	sess *session.Session
}

// New creates a Handler for one freshly accepted connection. hooks may
// be nil, in which case every hook point is skipped.
func New(conn Conn, repo repository.Repository, reg *registry.Registry, disp *dispatcher.Dispatcher, log *logger.SlogLogger, hooks *hook.Manager) *Handler {
	return &Handler{
		conn:  conn,
		repo:  repo,
		reg:   reg,
		disp:  disp,
		log:   log,
		hooks: hooks,
		state: StateAwaitingConnect,
	}
}

// hookClient snapshots the connection's identity for a hook invocation.
func (h *Handler) hookClient() *hook.Client {
	return &hook.Client{
		ID:              h.clientID,
		Username:        h.username,
		ProtocolVersion: h.protocolVersion,
		KeepAlive:       uint16(h.keepAlive / time.Second),
		State:           hook.ClientStateConnected,
	}
}

// Run reads and handles packets until the connection closes or ctx is
// cancelled. It always returns with the connection closed and, if the
// client id was registered, deregistered.
func (h *Handler) Run(ctx context.Context) error {
	defer h.cleanup(ctx)

	for {
		if h.state == StateClosed {
			return nil
		}

		fh, err := encoding.ParseFixedHeader(h.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, encoding.ErrUnexpectedEOF) {
				return nil
			}
			return h.fail(ctx, err)
		}

		if err := h.dispatch(ctx, fh); err != nil {
			return h.fail(ctx, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, fh *encoding.FixedHeader) error {
	switch fh.Type {
	case encoding.CONNECT:
		return h.handleConnect(ctx, fh)
	case encoding.PUBLISH:
		return h.handlePublish(ctx, fh)
	case encoding.PUBACK:
		return h.handlePuback(fh)
	case encoding.PUBREC:
		return h.handlePubrec(fh)
	case encoding.PUBREL:
		return h.handlePubrel(ctx, fh)
	case encoding.PUBCOMP:
		return h.handlePubcomp(fh)
	case encoding.SUBSCRIBE:
		return h.handleSubscribe(ctx, fh)
	case encoding.UNSUBSCRIBE:
		return h.handleUnsubscribe(ctx, fh)
	case encoding.PINGREQ:
		return h.handlePingreq(fh)
	case encoding.DISCONNECT:
		return h.handleDisconnect(ctx, fh)
	case encoding.AUTH:
		_, err := encoding.ParseAuthPacket(h.conn, fh)
		return err
	default:
		return encoding.NewProtocolError(encoding.ErrInvalidType, "unexpected packet type before CONNECT")
	}
}

// handleConnect validates and either accepts (CONNACK) or rejects and
// closes. CONNECT failures always send a CONNACK before closing.
func (h *Handler) handleConnect(ctx context.Context, fh *encoding.FixedHeader) error {
	if h.state != StateAwaitingConnect {
		return encoding.NewProtocolError(encoding.ErrInvalidType, "CONNECT received after session established")
	}

	pkt, err := encoding.ParseConnectPacket(h.conn, fh)
	if err != nil {
		reason := encoding.GetReasonCode(err)
		if errors.Is(err, encoding.ErrInvalidProtocolName) {
			reason = encoding.ReasonUnsupportedProtocolVersion
		}
		nack := &encoding.ConnackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.CONNACK}, ReasonCode: reason}
		if sendErr := h.send(nack); sendErr != nil {
			return sendErr
		}
		if reason == encoding.ReasonUnsupportedProtocolVersion {
			h.state = StateClosed
			return nil
		}
		return err
	}

	sessionPresent, reason, err := h.repo.StoreClient(ctx, pkt)
	if err != nil {
		return err
	}

	if reason == encoding.ReasonSuccess && h.hooks != nil {
		hookPkt := &hook.ConnectPacket{
			ProtocolName:    pkt.ProtocolName,
			ProtocolVersion: byte(pkt.ProtocolVersion),
			CleanStart:      pkt.CleanStart,
			KeepAlive:       pkt.KeepAlive,
			ClientID:        pkt.ClientID,
			Username:        pkt.Username,
			Password:        pkt.Password,
			SessionPresent:  sessionPresent,
		}
		if !h.hooks.OnConnectAuthenticate(&hook.Client{ID: pkt.ClientID, Username: pkt.Username, ProtocolVersion: byte(pkt.ProtocolVersion), CleanStart: pkt.CleanStart, KeepAlive: pkt.KeepAlive}, hookPkt) {
			reason = encoding.ReasonNotAuthorized
			sessionPresent = false
		}
	}

	ack := &encoding.ConnackPacket{
		FixedHeader:    encoding.FixedHeader{Type: encoding.CONNACK},
		SessionPresent: sessionPresent,
		ReasonCode:     reason,
	}
	if err := h.send(ack); err != nil {
		return err
	}
	if reason != encoding.ReasonSuccess {
		h.state = StateClosed
		return nil
	}

	h.clientID = pkt.ClientID
	h.username = pkt.Username
	h.protocolVersion = byte(pkt.ProtocolVersion)
	h.keepAlive = time.Duration(pkt.KeepAlive) * time.Second * 3 / 2
	h.state = StateActive
	if h.keepAlive > 0 {
		h.conn.SetReadDeadline(h.keepAlive)
	}
	h.reg.Register(h.clientID, h.conn)

	h.sess = session.New(pkt.ClientID, pkt.CleanStart, connectSessionExpiry(pkt), byte(pkt.ProtocolVersion))
	h.sess.SetActive()

	if h.hooks != nil {
		_ = h.hooks.OnConnect(h.hookClient(), nil)
	}

	return nil
}

func connectSessionExpiry(pkt *encoding.ConnectPacket) uint32 {
	if prop := pkt.Properties.GetProperty(encoding.PropSessionExpiryInterval); prop != nil {
		if expiry, ok := prop.Value.(uint32); ok {
			return expiry
		}
	}
	return 0
}

// handlePublish implements the three QoS flows: qos 0 delivers
// immediately with no ack; qos 1 stores then PUBACKs;
// qos 2 dedups by packet id, stores, then PUBRECs and waits for PUBREL.
func (h *Handler) handlePublish(ctx context.Context, fh *encoding.FixedHeader) error {
	if h.state != StateActive {
		return encoding.NewProtocolError(encoding.ErrInvalidType, "PUBLISH before CONNECT")
	}
	pkt, err := encoding.ParsePublishPacket(h.conn, fh)
	if err != nil {
		return err
	}

	msg := message.NewMessage(pkt.PacketID, pkt.TopicName, pkt.Payload, fh.QoS, fh.Retain, nil)

	if h.hooks != nil {
		hookPkt := &hook.PublishPacket{PacketID: pkt.PacketID, Topic: pkt.TopicName, Payload: pkt.Payload, QoS: byte(fh.QoS), Retain: fh.Retain}
		if err := h.hooks.OnPublish(h.hookClient(), hookPkt); err != nil {
			h.hooks.OnPublishDropped(h.hookClient(), hookPkt, hook.DropReasonQuotaExceeded)
			return h.ackDropped(pkt.PacketID, fh.QoS)
		}
	}

	switch fh.QoS {
	case encoding.QoS0:
		return h.publish(ctx, msg)
	case encoding.QoS1:
		if err := h.repo.SaveMessage(ctx, msg); err != nil {
			return h.sendPuback(pkt.PacketID, encoding.ReasonUnspecifiedError)
		}
		if err := h.publish(ctx, msg); err != nil {
			return err
		}
		return h.sendPuback(pkt.PacketID, encoding.ReasonSuccess)
	case encoding.QoS2:
		if h.sess.HasPendingPubrel(pkt.PacketID) {
			return h.sendPubrec(pkt.PacketID, encoding.ReasonSuccess)
		}
		if err := h.repo.SaveMessage(ctx, msg); err != nil {
			return h.sendPubrec(pkt.PacketID, encoding.ReasonUnspecifiedError)
		}
		h.sess.AddPendingPubrel(pkt.PacketID)
		return h.sendPubrec(pkt.PacketID, encoding.ReasonSuccess)
	}
	return nil
}

// publish hands a message to the dispatcher for fan-out to subscribers.
func (h *Handler) publish(ctx context.Context, msg *message.Message) error {
	return h.disp.Enqueue(ctx, h.repo, msg)
}

// ackDropped acknowledges a publish that a hook rejected (e.g. a rate
// limit) without storing or dispatching it, so the sender doesn't retry.
func (h *Handler) ackDropped(packetID uint16, qos encoding.QoS) error {
	switch qos {
	case encoding.QoS1:
		return h.sendPuback(packetID, encoding.ReasonQuotaExceeded)
	case encoding.QoS2:
		return h.sendPubrec(packetID, encoding.ReasonQuotaExceeded)
	}
	return nil
}

func (h *Handler) handlePuback(fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParsePubackPacket(h.conn, fh)
	if err != nil {
		return err
	}
	h.disp.Pending().Signal(pkt.PacketID, pkt.ReasonCode)
	return nil
}

func (h *Handler) handlePubrec(fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParsePubrecPacket(h.conn, fh)
	if err != nil {
		return err
	}
	h.disp.Pending().Signal(pkt.PacketID, pkt.ReasonCode)
	return nil
}

// handlePubrel completes exactly-once ingress: the message stored on
// PUBLISH is looked up by packet id and dispatched once. A PUBREL
// retransmitted for a packet id already cleared still gets a PUBCOMP,
// but the message is not dispatched again.
func (h *Handler) handlePubrel(ctx context.Context, fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParsePubrelPacket(h.conn, fh)
	if err != nil {
		return err
	}

	if !h.sess.HasPendingPubrel(pkt.PacketID) {
		return h.sendPubcomp(pkt.PacketID, encoding.ReasonSuccess)
	}
	h.sess.RemovePendingPubrel(pkt.PacketID)

	msg, err := h.repo.RetrieveMessageByPacketID(ctx, pkt.PacketID)
	if err != nil {
		return h.sendPubcomp(pkt.PacketID, encoding.ReasonUnspecifiedError)
	}
	if msg != nil {
		if err := h.publish(ctx, msg); err != nil {
			return err
		}
	}
	return h.sendPubcomp(pkt.PacketID, encoding.ReasonSuccess)
}

func (h *Handler) handlePubcomp(fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParsePubcompPacket(h.conn, fh)
	if err != nil {
		return err
	}
	h.disp.Pending().Signal(pkt.PacketID, pkt.ReasonCode)
	return nil
}

// handleSubscribe grants each filter, sends SUBACK, then replays the
// retained messages matching each granted filter.
func (h *Handler) handleSubscribe(ctx context.Context, fh *encoding.FixedHeader) error {
	if h.state != StateActive {
		return encoding.NewProtocolError(encoding.ErrInvalidType, "SUBSCRIBE before CONNECT")
	}
	pkt, err := encoding.ParseSubscribePacket(h.conn, fh)
	if err != nil {
		return err
	}

	reasonCodes := make([]encoding.ReasonCode, len(pkt.Subscriptions))
	for i, sub := range pkt.Subscriptions {
		ok, err := h.repo.SaveSubscription(ctx, h.clientID, sub.TopicFilter, byte(sub.QoS))
		if err != nil || !ok {
			reasonCodes[i] = encoding.ReasonUnspecifiedError
			continue
		}
		reasonCodes[i] = encoding.ReasonCode(sub.QoS)
	}

	suback := &encoding.SubackPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.SUBACK},
		PacketID:    pkt.PacketID,
		ReasonCodes: reasonCodes,
	}
	if err := h.send(suback); err != nil {
		return err
	}

	for i, sub := range pkt.Subscriptions {
		if reasonCodes[i] == encoding.ReasonUnspecifiedError {
			continue
		}
		retained, err := h.repo.ReturnRetainedForFilter(ctx, sub.TopicFilter)
		if err != nil {
			continue
		}
		for _, rmsg := range retained {
			if err := h.sendRetained(rmsg, byte(sub.QoS)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) sendRetained(msg *message.Message, subQoS byte) error {
	effective := msg.QoS
	if byte(effective) > subQoS {
		effective = encoding.QoS(subQoS)
	}
	pkt := &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: effective, Retain: true},
		TopicName:   msg.Topic,
		Payload:     msg.Payload,
	}
	return h.send(pkt)
}

func (h *Handler) handleUnsubscribe(ctx context.Context, fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParseUnsubscribePacket(h.conn, fh)
	if err != nil {
		return err
	}
	reasonCodes := make([]encoding.ReasonCode, len(pkt.TopicFilters))
	for i, filter := range pkt.TopicFilters {
		removed, err := h.repo.RemoveSubscription(ctx, h.clientID, filter)
		if err != nil {
			reasonCodes[i] = encoding.ReasonUnspecifiedError
			continue
		}
		if removed {
			reasonCodes[i] = encoding.ReasonSuccess
		} else {
			reasonCodes[i] = encoding.ReasonNoSubscriptionExisted
		}
	}
	unsuback := &encoding.UnsubackPacket{
		FixedHeader: encoding.FixedHeader{Type: encoding.UNSUBACK},
		PacketID:    pkt.PacketID,
		ReasonCodes: reasonCodes,
	}
	return h.send(unsuback)
}

func (h *Handler) handlePingreq(fh *encoding.FixedHeader) error {
	if _, err := encoding.ParsePingreqPacket(fh); err != nil {
		return err
	}
	return h.send(&encoding.PingrespPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PINGRESP}})
}

// handleDisconnect implements clean termination: a normal-reason
// DISCONNECT discards the will message, since only abnormal
// terminations publish it.
func (h *Handler) handleDisconnect(ctx context.Context, fh *encoding.FixedHeader) error {
	pkt, err := encoding.ParseDisconnectPacket(h.conn, fh)
	if err != nil {
		return err
	}
	if pkt.ReasonCode == encoding.ReasonNormalDisconnection {
		_ = h.repo.RemoveWill(ctx, h.clientID)
	}
	h.state = StateClosed
	return nil
}

// fail closes the connection on any handler error: malformed packets
// and protocol violations are logged and the connection is closed.
func (h *Handler) fail(ctx context.Context, err error) error {
	if h.log != nil {
		h.log.Error("connection closed on error", "client_id", h.clientID, "error", err)
	}
	h.state = StateClosed
	return err
}

// cleanup runs on every Run exit: abnormal disconnects publish the will
// message, the client is deregistered, and the connection is closed.
func (h *Handler) cleanup(ctx context.Context) {
	if h.clientID != "" {
		h.reg.Deregister(h.clientID, h.conn)
		if h.sess != nil {
			h.sess.SetDisconnected()
		}
		if h.hooks != nil {
			h.hooks.OnDisconnect(h.hookClient(), nil, false)
		}
		will, err := h.repo.RetrieveWill(ctx, h.clientID)
		if err == nil && will != nil {
			msg := message.NewMessage(0, will.Topic, will.Payload, encoding.QoS(will.QoS), will.Retain, nil)
			_ = h.publish(ctx, msg)
			_ = h.repo.RemoveWill(ctx, h.clientID)
		}
		_ = h.repo.UpdateDisconnectTime(ctx, h.clientID)
	}
	_ = h.conn.Close()
}

type encodable interface {
	Encode(w io.Writer) error
}

func (h *Handler) send(pkt encodable) error {
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return err
	}
	_, err := h.conn.Write(buf.Bytes())
	return err
}

func (h *Handler) sendPuback(packetID uint16, reason encoding.ReasonCode) error {
	return h.send(&encoding.PubackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBACK}, PacketID: packetID, ReasonCode: reason})
}

func (h *Handler) sendPubrec(packetID uint16, reason encoding.ReasonCode) error {
	return h.send(&encoding.PubrecPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREC}, PacketID: packetID, ReasonCode: reason})
}

func (h *Handler) sendPubcomp(packetID uint16, reason encoding.ReasonCode) error {
	return h.send(&encoding.PubcompPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBCOMP}, PacketID: packetID, ReasonCode: reason})
}
