package transport

import (
	"context"
	"sync"
)

// Delivery is one message accepted by a Loopback transport.
type Delivery struct {
	Message        Message
	DestEndpointID int64
	MessageID      int64
	Copied         bool
}

// Loopback is an in-process transport that accepts every delivery and
// records it. Used for local development and tests; failures can be
// injected per destination.
type Loopback struct {
	name string

	mu        sync.Mutex
	nextID    int64
	delivered []Delivery
	failures  map[int64]error
}

// NewLoopback creates a loopback transport with the given name.
func NewLoopback(name string) *Loopback {
	return &Loopback{
		name:     name,
		failures: make(map[int64]error),
	}
}

// Name returns the transport name.
func (l *Loopback) Name() string {
	return l.name
}

// Forward records the delivery with attribution.
func (l *Loopback) Forward(ctx context.Context, msg Message, destEndpointID int64) (int64, error) {
	return l.accept(msg, destEndpointID, false)
}

// Copy records the delivery without attribution.
func (l *Loopback) Copy(ctx context.Context, msg Message, destEndpointID int64) (int64, error) {
	return l.accept(msg, destEndpointID, true)
}

func (l *Loopback) accept(msg Message, destEndpointID int64, copied bool) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err, ok := l.failures[destEndpointID]; ok {
		return 0, err
	}

	l.nextID++
	l.delivered = append(l.delivered, Delivery{
		Message:        msg,
		DestEndpointID: destEndpointID,
		MessageID:      l.nextID,
		Copied:         copied,
	})
	return l.nextID, nil
}

// FailWith makes every delivery to the given destination return err.
// Passing nil clears the injection.
func (l *Loopback) FailWith(destEndpointID int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failures, destEndpointID)
		return
	}
	l.failures[destEndpointID] = err
}

// Deliveries returns a copy of everything accepted so far.
func (l *Loopback) Deliveries() []Delivery {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Delivery, len(l.delivered))
	copy(out, l.delivered)
	return out
}
