package dispatcher

import (
	"context"
	"sync"

	"github.com/flowmq/broker/encoding"
)

// PendingAcks is the table shared between the Dispatcher and every
// Session Handler: handlers signal it when they receive PUBACK, PUBREC,
// or PUBCOMP; dispatcher workers wait on it after sending a QoS 1/2
// PUBLISH or PUBREL. Access is guarded by one mutex; waiters are
// single-shot.
type PendingAcks struct {
	mu      sync.Mutex
	waiters map[uint16]chan encoding.ReasonCode
}

// NewPendingAcks creates an empty table.
func NewPendingAcks() *PendingAcks {
	return &PendingAcks{waiters: make(map[uint16]chan encoding.ReasonCode)}
}

// register installs a waiter for packetID before the dispatcher sends
// the packet it acknowledges. Overwrites any stale waiter for the same
// id (packet ids are only reused after a prior flow completed).
func (p *PendingAcks) register(packetID uint16) chan encoding.ReasonCode {
	ch := make(chan encoding.ReasonCode, 1)
	p.mu.Lock()
	p.waiters[packetID] = ch
	p.mu.Unlock()
	return ch
}

// remove drops the waiter for packetID, whether or not it fired.
func (p *PendingAcks) remove(packetID uint16) {
	p.mu.Lock()
	delete(p.waiters, packetID)
	p.mu.Unlock()
}

// Signal wakes the waiter for packetID, if one is registered. Called by
// a Session Handler when it receives PUBACK, PUBREC, or PUBCOMP.
// Returns false if no waiter was registered (e.g. the wait already timed
// out, or the packet id is not one the dispatcher is tracking).
func (p *PendingAcks) Signal(packetID uint16, reasonCode encoding.ReasonCode) bool {
	p.mu.Lock()
	ch, ok := p.waiters[packetID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- reasonCode:
	default:
	}
	return true
}

// wait blocks for either a Signal on packetID, the ack timeout, or
// context cancellation, then removes the waiter unconditionally.
func (p *PendingAcks) wait(ctx context.Context, packetID uint16, ch chan encoding.ReasonCode) (encoding.ReasonCode, error) {
	defer p.remove(packetID)
	select {
	case rc := <-ch:
		return rc, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
