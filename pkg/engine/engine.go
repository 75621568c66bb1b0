// Package engine wires the signal pipeline together: validate, append,
// derive, publish. It is the single implementation of "a signal exists" that
// both the control API and the sequence timer drive.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/raceline/raceline/pkg/broadcast"
	"github.com/raceline/raceline/pkg/fsm"
	"github.com/raceline/raceline/pkg/ledger"
	"github.com/raceline/raceline/pkg/metrics"
	"github.com/raceline/raceline/pkg/sequence"
	"github.com/raceline/raceline/pkg/signal"
)

// lateFiringSkew separates ordinary scheduling jitter from firings replayed
// after downtime.
const lateFiringSkew = 10 * time.Second

// Config holds engine options.
type Config struct {
	// DataDir holds ledger.db and plans.db.
	DataDir string
	// QueueSize bounds each subscriber's delivery queue.
	QueueSize int
	// NoSync disables fsync on the stores; tests only.
	NoSync  bool
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Engine owns the ledger, the derived state store, the broadcast hub and the
// sequence timer.
type Engine struct {
	ledger  *ledger.Store
	states  *fsm.Store
	hub     *broadcast.Hub
	timer   *sequence.Timer
	logger  *slog.Logger
	metrics *metrics.Collector

	// keyMu guards the lock table. Each race key gets its own pipeline lock:
	// a signal must reach the hub in the order its sequence number was
	// assigned, so append, derive and publish stay inside one critical
	// section per key. Distinct keys proceed independently.
	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func (e *Engine) lockFor(keyName string) *sync.Mutex {
	e.keyMu.Lock()
	defer e.keyMu.Unlock()
	mu, ok := e.keyLocks[keyName]
	if !ok {
		mu = &sync.Mutex{}
		e.keyLocks[keyName] = mu
	}
	return mu
}

// Open builds the engine over DataDir and runs restart recovery: past-due
// scheduled firings are appended before Open returns, so callers can start
// serving immediately after.
func Open(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	led, err := ledger.Open(ledger.Config{
		Path:   filepath.Join(cfg.DataDir, "ledger.db"),
		NoSync: cfg.NoSync,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		ledger:   led,
		states:   fsm.NewStore(led, cfg.Logger),
		logger:   cfg.Logger.With("component", "engine"),
		metrics:  cfg.Metrics,
		keyLocks: make(map[string]*sync.Mutex),
	}

	e.hub = broadcast.NewHub(led, broadcast.Config{
		QueueSize: cfg.QueueSize,
		Logger:    cfg.Logger,
	})
	e.hub.OnDrop(func(signal.RaceKey) { e.metrics.RecordSubscriberDrop() })

	e.timer, err = sequence.Open(sequence.Config{
		Path:   filepath.Join(cfg.DataDir, "plans.db"),
		NoSync: cfg.NoSync,
		Logger: cfg.Logger,
	}, e)
	if err != nil {
		led.Close()
		return nil, err
	}

	if err := e.timer.Recover(); err != nil {
		e.timer.Close()
		led.Close()
		return nil, fmt.Errorf("sequence recovery: %w", err)
	}

	return e, nil
}

// StartSequence schedules a starting sequence and returns its handle.
func (e *Engine) StartSequence(key signal.RaceKey, cfg sequence.SequenceConfig) (string, error) {
	handle, err := e.timer.Start(key, cfg)
	if err != nil {
		return "", err
	}
	e.metrics.RecordSequenceStarted()
	return handle, nil
}

// CancelSequence stops any pending firings for the race key. Idempotent.
func (e *Engine) CancelSequence(key signal.RaceKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := e.timer.Cancel(key); err != nil {
		return err
	}
	e.metrics.RecordSequenceCancelled()
	return nil
}

// EmitSignal records an operator-issued signal. Overrides that supersede the
// running sequence (postponement, abandonment, general recall) also cancel
// the pending firings; a firing already in flight is absorbed by the state
// machine.
//
// idemKey deduplicates operator retries after a reported store failure: the
// retried call returns the signal the first attempt produced, with duplicate
// set, and has no further effect.
func (e *Engine) EmitSignal(key signal.RaceKey, draft signal.Draft, idemKey string) (sig signal.Signal, duplicate bool, err error) {
	draft.Source = signal.SourceManual

	sig, duplicate, err = e.append(key, draft, idemKey)
	if err != nil {
		return signal.Signal{}, false, err
	}
	if duplicate {
		return sig, true, nil
	}

	switch draft.Kind {
	case signal.KindPostponement, signal.KindAbandonment, signal.KindGeneralRecall:
		if err := e.timer.Cancel(key); err != nil {
			// The override is already durable and broadcast; a pending
			// firing that slips through is a no-op under Apply.
			e.logger.Warn("failed to cancel sequence after override",
				"race_key", key.String(),
				"kind", draft.Kind,
				"error", err)
		} else {
			e.metrics.RecordSequenceCancelled()
		}
	}
	return sig, false, nil
}

// AppendScheduled is the sequence timer's firing path.
func (e *Engine) AppendScheduled(key signal.RaceKey, draft signal.Draft) error {
	draft.Source = signal.SourceScheduled
	_, _, err := e.append(key, draft, "")
	return err
}

// append is the one pipeline every signal goes through. It holds the race
// key's pipeline lock across append, derive and publish: releasing it between
// the ledger write and the hub publish would let two concurrent appends reach
// subscribers out of sequence order, and the subscriber-side duplicate filter
// would then drop the earlier signal for good.
func (e *Engine) append(key signal.RaceKey, draft signal.Draft, idemKey string) (signal.Signal, bool, error) {
	mu := e.lockFor(key.String())
	mu.Lock()
	defer mu.Unlock()

	begin := time.Now()

	sig, duplicate, err := e.ledger.Append(key, draft, idemKey)
	if err != nil {
		if errors.Is(err, ledger.ErrStoreUnavailable) {
			e.metrics.RecordAppendFailure()
		}
		return signal.Signal{}, false, err
	}
	if duplicate {
		return sig, true, nil
	}

	state, err := e.states.Apply(sig)
	if err != nil {
		// The signal is durable; the cache rebuilds on the next read.
		e.logger.Error("state derivation failed",
			"race_key", key.String(),
			"sequence_no", sig.SequenceNo,
			"error", err)
		e.states.Invalidate(key)
	}

	e.hub.Publish(sig)

	e.metrics.RecordAppend(string(sig.Kind), string(sig.Source), time.Since(begin).Seconds())
	if sig.Source == signal.SourceScheduled && begin.Sub(sig.IssuedAt) > lateFiringSkew {
		e.metrics.RecordRecoveredFiring()
	}

	e.logger.Info("signal appended",
		"race_key", key.String(),
		"kind", sig.Kind,
		"sequence_no", sig.SequenceNo,
		"source", sig.Source,
		"status", state.Status)
	return sig, false, nil
}

// RaceState returns the derived state for a race key.
func (e *Engine) RaceState(key signal.RaceKey) (fsm.RaceState, error) {
	if err := key.Validate(); err != nil {
		return fsm.RaceState{}, err
	}
	return e.states.Current(key)
}

// History returns the ordered signal list after the given sequence number.
func (e *Engine) History(key signal.RaceKey, afterSeq uint64, limit int) ([]signal.Signal, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return e.ledger.ListSince(key, afterSeq, limit)
}

// Subscribe attaches a live, ordered signal stream for the race key.
func (e *Engine) Subscribe(key signal.RaceKey, resumeFrom uint64) (*broadcast.Subscription, error) {
	return e.hub.Subscribe(key, resumeFrom)
}

// ActivePlan exposes the pending sequence plan, if any.
func (e *Engine) ActivePlan(key signal.RaceKey) (sequence.Plan, bool, error) {
	return e.timer.ActivePlan(key)
}

// Close shuts the engine down: timers first so no firing races the closing
// ledger, then subscribers, then the stores.
func (e *Engine) Close() error {
	err := e.timer.Close()
	e.hub.Close()
	if cerr := e.ledger.Close(); err == nil {
		err = cerr
	}
	return err
}
