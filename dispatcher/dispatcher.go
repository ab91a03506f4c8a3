// Package dispatcher fans a published message out to every matching
// subscriber, grounded directly in original_source/message_dispatcher.py:
// a fixed worker pool, a shared pending-acks table, and a wrapping 16-bit
// packet-id counter that skips zero.
//
// The source's per-connection-thread model reorders a subscriber's
// deliveries whenever multiple workers can race on the same queue.
// This implementation resolves it by hashing client_id to a fixed
// worker so every subscriber's deliveries are strictly ordered.
package dispatcher

import (
	"bytes"
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/flowmq/broker/encoding"
	"github.com/flowmq/broker/registry"
	"github.com/flowmq/broker/repository"
	"github.com/flowmq/broker/types/message"
)

// Config tunes the worker pool and ack waits.
type Config struct {
	Workers    int
	QueueSize  int
	AckTimeout time.Duration
}

// DefaultConfig mirrors message_dispatcher.py's defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    5,
		QueueSize:  1024,
		AckTimeout: 5 * time.Second,
	}
}

type task struct {
	subscriberID string
	qos          byte
	msg          *message.Message
}

// Dispatcher fans out published messages to subscribers, one worker
// queue per hashed subscriber id.
type Dispatcher struct {
	cfg Config
	reg *registry.Registry

	metrics *Metrics
	pending *PendingAcks

	queues []chan task
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	idMu   sync.Mutex
	nextID uint16
}

// New builds a Dispatcher with cfg.Workers goroutines, each draining its
// own bounded queue, and starts them immediately.
func New(cfg Config, reg *registry.Registry) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:     cfg,
		reg:     reg,
		metrics: newMetrics(),
		pending: NewPendingAcks(),
		queues:  make([]chan task, cfg.Workers),
		ctx:     ctx,
		cancel:  cancel,
		nextID:  1,
	}
	for i := range d.queues {
		d.queues[i] = make(chan task, cfg.QueueSize)
	}
	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker(i)
	}
	return d
}

// Pending exposes the shared ack-signal table so Session Handlers can
// call Signal when a PUBACK, PUBREC, or PUBCOMP arrives.
func (d *Dispatcher) Pending() *PendingAcks {
	return d.pending
}

// Metrics exposes the prometheus registry this dispatcher populates,
// for a cmd/broker process to serve over /metrics.
func (d *Dispatcher) Metrics() *Metrics {
	return d.metrics
}

// Shutdown stops accepting new deliveries and waits for in-flight
// per-subscriber tasks to drain or for ctx to be done, whichever first.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel()
	for _, q := range d.queues {
		close(q)
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue fans msg out to every subscriber repo reports for msg.Topic,
// at the effective qos = min(msg.QoS, subscriber's granted qos), routing
// each subscriber's delivery to its hashed worker. Subscribers with no
// live connection are skipped: offline delivery to persisted sessions is
// out of scope.
func (d *Dispatcher) Enqueue(ctx context.Context, repo repository.Repository, msg *message.Message) error {
	subs, err := repo.GetSubscribers(ctx, msg.Topic)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		effective := msg.QoS
		if byte(effective) > sub.QoS {
			effective = encoding.QoS(sub.QoS)
		}
		t := task{subscriberID: sub.ClientID, qos: byte(effective), msg: msg}
		idx := workerIndex(sub.ClientID, len(d.queues))
		select {
		case d.queues[idx] <- t:
			d.metrics.queueDepth.WithLabelValues(workerLabel(idx)).Inc()
		case <-d.ctx.Done():
			return d.ctx.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func workerIndex(clientID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return int(h.Sum32()) % n
}

func (d *Dispatcher) worker(idx int) {
	defer d.wg.Done()
	for t := range d.queues[idx] {
		d.metrics.queueDepth.WithLabelValues(workerLabel(idx)).Dec()
		d.deliver(t)
	}
}

func workerLabel(idx int) string {
	return strconv.Itoa(idx)
}

// nextPacketID returns the next packet id in the dispatcher-wide
// wrapping sequence, skipping zero (zero means "no packet id").
func (d *Dispatcher) nextPacketID() uint16 {
	d.idMu.Lock()
	defer d.idMu.Unlock()
	id := d.nextID
	d.nextID++
	if d.nextID == 0 {
		d.nextID = 1
	}
	return id
}

// deliver sends one message to one subscriber and, for qos 1/2, waits
// for the matching ack with no retry: a timeout is counted in the
// ack-timeouts metric and is not treated as fatal to the worker.
func (d *Dispatcher) deliver(t task) {
	sink, ok := d.reg.Lookup(t.subscriberID)
	if !ok {
		return
	}

	var packetID uint16
	if t.qos > 0 {
		packetID = d.nextPacketID()
	}

	pkt := &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{
			Type:   encoding.PUBLISH,
			QoS:    encoding.QoS(t.qos),
			Retain: false,
			DUP:    false,
		},
		TopicName: t.msg.Topic,
		PacketID:  packetID,
		Payload:   t.msg.Payload,
	}

	var waiter chan encoding.ReasonCode
	if t.qos > 0 {
		waiter = d.pending.register(packetID)
	}

	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		if t.qos > 0 {
			d.pending.remove(packetID)
		}
		return
	}
	if _, err := sink.Write(buf.Bytes()); err != nil {
		if t.qos > 0 {
			d.pending.remove(packetID)
		}
		return
	}
	d.metrics.delivered.WithLabelValues(strconv.Itoa(int(t.qos))).Inc()

	switch {
	case t.qos == 1:
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.AckTimeout)
		_, err := d.pending.wait(ctx, packetID, waiter)
		cancel()
		if err != nil {
			d.metrics.ackTimeouts.Inc()
		}
	case t.qos == 2:
		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.AckTimeout)
		_, err := d.pending.wait(ctx, packetID, waiter)
		cancel()
		if err != nil {
			d.metrics.ackTimeouts.Inc()
			return
		}
		d.sendPubrel(sink, packetID)
	}
}

func (d *Dispatcher) sendPubrel(sink registry.Sink, packetID uint16) {
	pubrel := &encoding.PubrelPacket{PacketID: packetID, ReasonCode: encoding.ReasonSuccess}
	var buf bytes.Buffer
	if err := pubrel.Encode(&buf); err != nil {
		return
	}
	waiter := d.pending.register(packetID)
	if _, err := sink.Write(buf.Bytes()); err != nil {
		d.pending.remove(packetID)
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.AckTimeout)
	defer cancel()
	_, _ = d.pending.wait(ctx, packetID, waiter)
}
