package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raceline/raceline/pkg/ledger"
	"github.com/raceline/raceline/pkg/signal"
)

var (
	// ErrSubscriptionOverflow marks a subscriber dropped because its queue
	// filled faster than it consumed. The client should resubscribe from its
	// last delivered sequence number.
	ErrSubscriptionOverflow = errors.New("subscription queue overflow")
	// ErrHubClosed is reported on subscriptions terminated by shutdown.
	ErrHubClosed = errors.New("broadcast hub closed")
)

// Replayer supplies the catch-up read for (re)connecting subscribers. The
// signal ledger satisfies it.
type Replayer interface {
	ListSince(key signal.RaceKey, afterSeq uint64, limit int) ([]signal.Signal, error)
}

// Config holds hub options.
type Config struct {
	// QueueSize bounds each subscription's live queue. Zero means the
	// default of 64.
	QueueSize int
	Logger    *slog.Logger
}

// Hub distributes appended signals to all live subscriptions of a race key.
type Hub struct {
	replayer  Replayer
	queueSize int
	logger    *slog.Logger

	// onDrop is invoked when a subscriber is dropped for overflow. Used for
	// metrics; never blocks delivery.
	onDrop func(key signal.RaceKey)

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewHub creates a hub reading catch-up history from the given replayer.
func NewHub(replayer Replayer, cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		replayer:  replayer,
		queueSize: cfg.QueueSize,
		logger:    cfg.Logger.With("component", "broadcast"),
		onDrop:    func(signal.RaceKey) {},
		subs:      make(map[string]map[*Subscription]struct{}),
	}
}

// OnDrop registers a callback fired when a subscriber overflows. Must be set
// before the hub is in use.
func (h *Hub) OnDrop(fn func(key signal.RaceKey)) {
	if fn != nil {
		h.onDrop = fn
	}
}

// Subscribe registers a subscriber for a race key. resumeFrom is the
// subscriber's last delivered sequence number; everything after it is
// replayed from the ledger before live delivery begins, with no gap and no
// reorder. Subscribing to a race with no signals yet is allowed: the replay
// is simply empty and the subscriber waits for the first live signal.
func (h *Hub) Subscribe(key signal.RaceKey, resumeFrom uint64) (*Subscription, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	sub := newSubscription(h, key, resumeFrom, h.queueSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	keyName := key.String()
	if h.subs[keyName] == nil {
		h.subs[keyName] = make(map[*Subscription]struct{})
	}
	h.subs[keyName][sub] = struct{}{}
	h.mu.Unlock()

	// Read the catch-up slice after registration so nothing published in
	// between can be missed; the overlap is deduplicated by sequence number.
	replay, err := h.replayer.ListSince(key, resumeFrom, 0)
	if err != nil && !errors.Is(err, ledger.ErrUnknownRaceKey) {
		h.remove(sub)
		sub.terminate(err)
		return nil, fmt.Errorf("replay for %s: %w", keyName, err)
	}

	go sub.run(replay)

	h.logger.Debug("subscriber attached",
		"race_key", keyName,
		"resume_from", resumeFrom,
		"replay", len(replay))
	return sub, nil
}

// Publish delivers an appended signal to every live subscription of its race
// key. A subscription whose queue is full is dropped rather than blocking
// the producer or its peers.
func (h *Hub) Publish(sig signal.Signal) {
	keyName := sig.RaceKey.String()

	h.mu.Lock()
	var overflowed []*Subscription
	for sub := range h.subs[keyName] {
		select {
		case sub.live <- sig:
		default:
			delete(h.subs[keyName], sub)
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range overflowed {
		sub.terminate(ErrSubscriptionOverflow)
		h.onDrop(sig.RaceKey)
		h.logger.Warn("dropped slow subscriber",
			"race_key", keyName,
			"last_delivered", sub.LastDelivered())
	}
}

// SubscriberCount returns the number of live subscriptions for a race key.
func (h *Hub) SubscriberCount(key signal.RaceKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key.String()])
}

// Close terminates every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range all {
		sub.terminate(ErrHubClosed)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.key.String()]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.key.String())
		}
	}
}
