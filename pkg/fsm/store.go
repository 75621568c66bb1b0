package fsm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/raceline/raceline/pkg/ledger"
	"github.com/raceline/raceline/pkg/signal"
)

// Store maintains the derived RaceState per race key as a cached fold over
// the signal ledger. The cache is memory-only; the ledger is the source of
// truth and a lost cache entry is rebuilt by replay.
type Store struct {
	ledger *ledger.Store
	logger *slog.Logger

	mu     sync.RWMutex
	states map[string]RaceState
}

// NewStore creates a state store over the given ledger.
func NewStore(led *ledger.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		ledger: led,
		logger: logger.With("component", "race-state"),
		states: make(map[string]RaceState),
	}
}

// Apply folds a freshly appended signal into the cached state for its race
// key and returns the new state. If the cache does not line up with the
// signal's sequence number (first signal after a restart, or a missed
// update), the state is rebuilt from the ledger instead of trusting the
// cache.
func (s *Store) Apply(sig signal.Signal) (RaceState, error) {
	keyName := sig.RaceKey.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.states[keyName]
	if ok && prev.LastSequenceNo+1 == sig.SequenceNo {
		next := Apply(prev, sig)
		s.states[keyName] = next
		return next, nil
	}

	if ok && sig.SequenceNo <= prev.LastSequenceNo {
		// Duplicate delivery of an already folded signal; the cached state
		// stands.
		return prev, nil
	}

	state, err := s.rebuildLocked(sig.RaceKey)
	if err != nil {
		return RaceState{}, err
	}
	return state, nil
}

// Current returns the derived state for a race key, rebuilding from the
// ledger on a cache miss. Reads against a race that never had a signal
// return ledger.ErrUnknownRaceKey.
func (s *Store) Current(key signal.RaceKey) (RaceState, error) {
	keyName := key.String()

	s.mu.RLock()
	state, ok := s.states[keyName]
	s.mu.RUnlock()
	if ok {
		return state, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[keyName]; ok {
		return state, nil
	}
	return s.rebuildLocked(key)
}

// Invalidate drops the cached state for a key. The next read replays the
// ledger.
func (s *Store) Invalidate(key signal.RaceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key.String())
}

func (s *Store) rebuildLocked(key signal.RaceKey) (RaceState, error) {
	sigs, err := s.ledger.ListSince(key, 0, 0)
	if err != nil {
		return RaceState{}, fmt.Errorf("rebuild state for %s: %w", key.String(), err)
	}

	state := Replay(key, sigs)
	s.states[key.String()] = state

	s.logger.Debug("rebuilt race state from ledger",
		"race_key", key.String(),
		"signals", len(sigs),
		"status", state.Status)
	return state, nil
}
