package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/raceline/raceline/pkg/signal"
)

// Subscription is one client's ordered view of a race key's signal stream.
//
// Delivery is at-least-once: a reconnect can resend signals the client saw
// before its cursor was acknowledged, so consumers must treat application as
// idempotent keyed by sequence number.
type Subscription struct {
	hub *Hub
	key signal.RaceKey

	// live is the bounded queue the hub publishes into.
	live chan signal.Signal
	// out is what the client consumes.
	out  chan signal.Signal
	done chan struct{}

	closeOnce sync.Once
	// closeErr is written before done is closed and read only after.
	closeErr      error
	lastDelivered atomic.Uint64
}

func newSubscription(h *Hub, key signal.RaceKey, resumeFrom uint64, queueSize int) *Subscription {
	sub := &Subscription{
		hub:  h,
		key:  key,
		live: make(chan signal.Signal, queueSize),
		out:  make(chan signal.Signal),
		done: make(chan struct{}),
	}
	sub.lastDelivered.Store(resumeFrom)
	return sub
}

// Signals is the ordered stream for the client. It is closed when the
// subscription ends; Err then reports why.
func (s *Subscription) Signals() <-chan signal.Signal {
	return s.out
}

// Err reports why the stream closed: nil for a clean unsubscribe,
// ErrSubscriptionOverflow for a slow-consumer drop, ErrHubClosed on
// shutdown. Only valid after Signals is closed.
func (s *Subscription) Err() error {
	return s.closeErr
}

// LastDelivered is the subscriber's resume cursor: the highest sequence
// number handed to the client.
func (s *Subscription) LastDelivered() uint64 {
	return s.lastDelivered.Load()
}

// RaceKey returns the key this subscription is scoped to.
func (s *Subscription) RaceKey() signal.RaceKey {
	return s.key
}

// Unsubscribe ends the subscription and releases its resources. Safe to call
// more than once and safe to call concurrently with delivery.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s)
	s.terminate(nil)
}

// terminate closes the subscription exactly once. The caller is responsible
// for having removed it from the hub already.
func (s *Subscription) terminate(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.done)
	})
}

// run drains the replay slice, then the live queue, into out. Signals at or
// below the cursor are duplicates from the replay/live overlap window and
// are skipped, which keeps the stream gap-free and strictly ordered.
func (s *Subscription) run(replay []signal.Signal) {
	defer close(s.out)

	for _, sig := range replay {
		if sig.SequenceNo <= s.lastDelivered.Load() {
			continue
		}
		if !s.deliver(sig) {
			return
		}
	}

	for {
		select {
		case sig := <-s.live:
			if sig.SequenceNo <= s.lastDelivered.Load() {
				continue
			}
			if !s.deliver(sig) {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) deliver(sig signal.Signal) bool {
	select {
	case s.out <- sig:
		s.lastDelivered.Store(sig.SequenceNo)
		return true
	case <-s.done:
		return false
	}
}
