// Package repository generalizes the existing per-concern stores
// (store.Store, session.Store, topic.Router, store.RetainedStore) into
// the single Repository contract the broker core consumes, grounded in
// original_source/sqlServer.py's validation and schema.
package repository

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/store"
	"github.com/flowmq/broker/topic"
	"github.com/flowmq/broker/types/message"
)

// Client mirrors the clients row: connection identity and current state.
type Client struct {
	ClientID      string
	Username      string
	Banned        bool
	CleanSession  bool
	Connected     bool
	KeepAlive     uint16
	SessionExpiry uint32
	LastSeen      time.Time
}

// User mirrors the users row: username/password-hash pairs used to
// authenticate CONNECT.
type User struct {
	Username     string
	PasswordHash string
}

// WillMessage mirrors the will_messages row.
type WillMessage struct {
	ClientID      string
	Topic         string
	Payload       []byte
	QoS           byte
	Retain        bool
	DelayInterval uint32
}

// Subscriber is one entry returned by GetSubscribers: a client whose
// subscription matches the published topic, collapsed to the highest
// granted QoS for that client.
type Subscriber struct {
	ClientID string
	QoS      byte
}

// Config bounds the validation original_source/sqlServer.py performs in
// store_client, in the order store_client checks them.
type Config struct {
	MaxPacketSize         uint32
	MaxConnections        int
	MaxClientIDLength     int
	MinConnectionInterval time.Duration
}

// DefaultConfig returns the limits sqlServer.py hard-codes.
func DefaultConfig() Config {
	return Config{
		MaxPacketSize:         268435456,
		MaxConnections:        10000,
		MaxClientIDLength:     23,
		MinConnectionInterval: time.Second,
	}
}

// Repository is the storage contract the broker core depends on. It is
// implemented by Store, which is backend-agnostic over the generic
// store.Store[T] (memory, pebble, or redis).
type Repository interface {
	StoreClient(ctx context.Context, pkt *encoding.ConnectPacket) (sessionPresent bool, reasonCode encoding.ReasonCode, err error)
	SaveSubscription(ctx context.Context, clientID, filter string, qos byte) (bool, error)
	RemoveSubscription(ctx context.Context, clientID, filter string) (bool, error)
	RemoveAllSubscriptions(ctx context.Context, clientID string) (bool, error)
	SaveMessage(ctx context.Context, msg *message.Message) error
	SaveWill(ctx context.Context, will *WillMessage) error
	RetrieveWill(ctx context.Context, clientID string) (*WillMessage, error)
	RemoveWill(ctx context.Context, clientID string) error
	UpdateDisconnectTime(ctx context.Context, clientID string) error
	RetrieveMessageByPacketID(ctx context.Context, packetID uint16) (*message.Message, error)
	GetSubscribers(ctx context.Context, topicName string) ([]Subscriber, error)
	ReturnRetainedForFilter(ctx context.Context, filter string) ([]*message.Message, error)
	GetClient(ctx context.Context, clientID string) (*Client, bool, error)
}

// Store is the default Repository implementation: per-entity generic
// stores backed by a pluggable store.Store[T], plus the live in-memory
// indices (topic.Router for subscription matching, store.RetainedStore
// for retained lookups) that cannot be generic key/value lookups because
// they must support wildcard matching.
type Store struct {
	cfg Config

	clients store.Store[*Client]
	users   store.Store[*User]
	wills   store.Store[*WillMessage]
	msgByID store.Store[*message.Message]

	router   *topic.Router
	retained *store.RetainedStore
	matcher  *topic.TopicMatcher

	// connectedCount tracks live (Connected == true) clients, since
	// clients.Count counts every row ever stored and client rows are
	// never deleted.
	connectedCount atomic.Int64
}

// NewStore builds a Repository over the given per-entity backends. Pass
// store.NewMemoryStore[T]() for an in-memory deployment, or any other
// store.Store[T] implementation (pebble, redis) per entity.
func NewStore(cfg Config, clients store.Store[*Client], users store.Store[*User], wills store.Store[*WillMessage], msgByID store.Store[*message.Message]) *Store {
	return &Store{
		cfg:      cfg,
		clients:  clients,
		users:    users,
		wills:    wills,
		msgByID:  msgByID,
		router:   topic.NewRouter(),
		retained: store.NewRetainedStore(),
		matcher:  topic.NewTopicMatcher(),
	}
}

// HashPassword returns the SHA-256 hex digest original_source/sqlServer.py
// stores in place of a plaintext password.
func HashPassword(password []byte) string {
	sum := sha256.Sum256(password)
	return hex.EncodeToString(sum[:])
}

// StoreClient validates and upserts a CONNECT attempt, following
// sqlServer.py:store_client's exact check order: packet size, protocol
// level, availability, busy, banned, connection rate, client-id length,
// password, then upsert.
func (s *Store) StoreClient(ctx context.Context, pkt *encoding.ConnectPacket) (bool, encoding.ReasonCode, error) {
	if pkt.FixedHeader.RemainingLength > s.cfg.MaxPacketSize {
		return false, encoding.ReasonPacketTooLarge, nil
	}

	if pkt.ProtocolVersion != encoding.ProtocolVersion50 {
		return false, encoding.ReasonUnsupportedProtocolVersion, nil
	}

	existing, found, err := s.GetClient(ctx, pkt.ClientID)
	if err != nil {
		return false, encoding.ReasonUnspecifiedError, errors.Wrap(err, "repository: load client")
	}

	alreadyConnected := found && existing.Connected
	if !alreadyConnected && int(s.connectedCount.Load()) >= s.cfg.MaxConnections {
		return false, encoding.ReasonServerBusy, nil
	}

	if found && existing.Banned {
		return false, encoding.ReasonBanned, nil
	}

	if found && !existing.LastSeen.IsZero() && time.Since(existing.LastSeen) < s.cfg.MinConnectionInterval {
		return false, encoding.ReasonConnectionRateExceeded, nil
	}

	if len(pkt.ClientID) > s.cfg.MaxClientIDLength {
		return false, encoding.ReasonClientIdentifierNotValid, nil
	}

	if pkt.UsernameFlag {
		user, ok, err := s.loadUser(ctx, pkt.Username)
		if err != nil {
			return false, encoding.ReasonUnspecifiedError, errors.Wrap(err, "repository: load user")
		}
		if ok && user.PasswordHash != "" {
			if subtle.ConstantTimeCompare([]byte(user.PasswordHash), []byte(HashPassword(pkt.Password))) != 1 {
				return false, encoding.ReasonBadUsernameOrPassword, nil
			}
		} else {
			if err := s.users.Save(ctx, pkt.Username, &User{Username: pkt.Username, PasswordHash: HashPassword(pkt.Password)}); err != nil {
				return false, encoding.ReasonUnspecifiedError, errors.Wrap(err, "repository: save user")
			}
		}
	}

	sessionPresent := found && !pkt.CleanStart

	client := &Client{
		ClientID:      pkt.ClientID,
		Username:      pkt.Username,
		Banned:        found && existing.Banned,
		CleanSession:  pkt.CleanStart,
		Connected:     true,
		KeepAlive:     pkt.KeepAlive,
		SessionExpiry: connectSessionExpiry(pkt),
		LastSeen:      time.Now(),
	}
	if err := s.clients.Save(ctx, client.ClientID, client); err != nil {
		return false, encoding.ReasonUnspecifiedError, errors.Wrap(err, "repository: save client")
	}
	if !alreadyConnected {
		s.connectedCount.Add(1)
	}

	if pkt.WillFlag {
		will := &WillMessage{
			ClientID:      pkt.ClientID,
			Topic:         pkt.WillTopic,
			Payload:       pkt.WillPayload,
			QoS:           byte(pkt.WillQoS),
			Retain:        pkt.WillRetain,
			DelayInterval: willDelayInterval(pkt),
		}
		if err := s.SaveWill(ctx, will); err != nil {
			return false, encoding.ReasonUnspecifiedError, errors.Wrap(err, "repository: save will")
		}
	}

	if !sessionPresent {
		_ = s.RemoveAllSubscriptionsNoPublish(ctx, pkt.ClientID)
	}

	return sessionPresent, encoding.ReasonSuccess, nil
}

func connectSessionExpiry(pkt *encoding.ConnectPacket) uint32 {
	if prop := pkt.Properties.GetProperty(encoding.PropSessionExpiryInterval); prop != nil {
		if expiry, ok := prop.Value.(uint32); ok {
			return expiry
		}
	}
	return 0
}

func willDelayInterval(pkt *encoding.ConnectPacket) uint32 {
	if prop := pkt.WillProperties.GetProperty(encoding.PropWillDelayInterval); prop != nil {
		if delay, ok := prop.Value.(uint32); ok {
			return delay
		}
	}
	return 0
}

// RemoveAllSubscriptionsNoPublish drops subscription state for a clean
// session without treating storage errors as fatal to CONNECT handling.
func (s *Store) RemoveAllSubscriptionsNoPublish(ctx context.Context, clientID string) bool {
	_, _ = s.RemoveAllSubscriptions(ctx, clientID)
	return true
}

func (s *Store) loadUser(ctx context.Context, username string) (*User, bool, error) {
	if username == "" {
		return nil, false, nil
	}
	user, err := s.users.Load(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return user, true, nil
}

// GetClient returns a client row, if one has been stored.
func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, bool, error) {
	client, err := s.clients.Load(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return client, true, nil
}

// SaveSubscription upserts a (client_id, topic_filter) subscription,
// grounded in topic.Router.Subscribe's upsert-in-place behavior.
func (s *Store) SaveSubscription(ctx context.Context, clientID, filter string, qos byte) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	err := s.router.Subscribe(&topic.Subscription{
		ClientID:    clientID,
		TopicFilter: filter,
		QoS:         qos,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// RemoveSubscription removes a single (client_id, filter) subscription.
func (s *Store) RemoveSubscription(ctx context.Context, clientID, filter string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return s.router.Unsubscribe(clientID, filter), nil
}

// RemoveAllSubscriptions removes every subscription owned by a client.
func (s *Store) RemoveAllSubscriptions(ctx context.Context, clientID string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return s.router.UnsubscribeAll(clientID) > 0, nil
}

// SaveMessage persists a message by packet id (when it carries one) and
// updates retention for its topic: an empty payload clears it.
func (s *Store) SaveMessage(ctx context.Context, msg *message.Message) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if msg.PacketID != 0 {
		if err := s.msgByID.Save(ctx, packetIDKey(msg.PacketID), msg); err != nil {
			return errors.Wrap(err, "repository: save message by packet id")
		}
	}
	if msg.Retain {
		return s.retained.Set(ctx, msg.Topic, msg)
	}
	return nil
}

func packetIDKey(packetID uint16) string {
	return strconv.FormatUint(uint64(packetID), 10)
}

// SaveWill stores the will row for a client, overwriting any existing one.
func (s *Store) SaveWill(ctx context.Context, will *WillMessage) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.wills.Save(ctx, will.ClientID, will)
}

// RetrieveWill returns the will row for a client, or nil if none is set.
func (s *Store) RetrieveWill(ctx context.Context, clientID string) (*WillMessage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	will, err := s.wills.Load(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return will, nil
}

// RemoveWill deletes the will row for a client.
func (s *Store) RemoveWill(ctx context.Context, clientID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err := s.wills.Delete(ctx, clientID)
	if err != nil && errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// UpdateDisconnectTime marks a client disconnected and stamps last_seen.
func (s *Store) UpdateDisconnectTime(ctx context.Context, clientID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	client, found, err := s.GetClient(ctx, clientID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if client.Connected {
		s.connectedCount.Add(-1)
	}
	client.Connected = false
	client.LastSeen = time.Now()
	return s.clients.Save(ctx, clientID, client)
}

// RetrieveMessageByPacketID looks up the message a QoS 2 PUBREL completes.
func (s *Store) RetrieveMessageByPacketID(ctx context.Context, packetID uint16) (*message.Message, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	msg, err := s.msgByID.Load(ctx, packetIDKey(packetID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// GetSubscribers returns every client whose subscription matches
// topicName, collapsing duplicate client ids to the highest granted qos.
// It does not check whether a client is currently connected.
func (s *Store) GetSubscribers(ctx context.Context, topicName string) ([]Subscriber, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	matches := s.router.Match(topicName)
	best := make(map[string]byte, len(matches))
	order := make([]string, 0, len(matches))
	for _, m := range matches {
		if cur, ok := best[m.ClientID]; !ok || m.QoS > cur {
			if !ok {
				order = append(order, m.ClientID)
			}
			best[m.ClientID] = m.QoS
		}
	}
	subs := make([]Subscriber, 0, len(order))
	for _, clientID := range order {
		subs = append(subs, Subscriber{ClientID: clientID, QoS: best[clientID]})
	}
	return subs, nil
}

// ReturnRetainedForFilter returns the retained message for every topic
// matching filter, per spec's "at most one per topic" invariant.
func (s *Store) ReturnRetainedForFilter(ctx context.Context, filter string) ([]*message.Message, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return s.retained.Match(ctx, filter, s.matcher)
}
