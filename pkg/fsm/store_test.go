package fsm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceline/raceline/pkg/ledger"
	"github.com/raceline/raceline/pkg/signal"
)

func storeFixture(t *testing.T) (*ledger.Store, *Store) {
	t.Helper()
	led, err := ledger.Open(ledger.Config{
		Path:   filepath.Join(t.TempDir(), "ledger.db"),
		NoSync: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })
	return led, NewStore(led, nil)
}

func appendKind(t *testing.T, led *ledger.Store, key signal.RaceKey, kind signal.Kind) signal.Signal {
	t.Helper()
	draft := signal.Draft{Kind: kind, Source: signal.SourceManual, Operator: "pro"}
	if kind == signal.KindWarning {
		draft.Flags = []string{"LASER"}
	}
	sig, _, err := led.Append(key, draft, "")
	require.NoError(t, err)
	return sig
}

func TestStoreApplyTracksLedger(t *testing.T) {
	led, store := storeFixture(t)
	key := signal.RaceKey{Regatta: "spring-cup", Race: 1}

	state, err := store.Apply(appendKind(t, led, key, signal.KindWarning))
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, state.Status)

	state, err = store.Apply(appendKind(t, led, key, signal.KindPreparatory))
	require.NoError(t, err)
	assert.Equal(t, StatusPreparatory, state.Status)
	assert.Equal(t, uint64(2), state.LastSequenceNo)
}

func TestStoreApplyDuplicateIsNoOp(t *testing.T) {
	led, store := storeFixture(t)
	key := signal.RaceKey{Regatta: "spring-cup", Race: 2}

	sig := appendKind(t, led, key, signal.KindWarning)
	first, err := store.Apply(sig)
	require.NoError(t, err)

	// At-least-once delivery can hand the same signal back; the fold ignores
	// anything at or below the cursor.
	again, err := store.Apply(sig)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestStoreCurrentRebuildsAfterRestart(t *testing.T) {
	led, store := storeFixture(t)
	key := signal.RaceKey{Regatta: "spring-cup", Race: 3}

	appendKind(t, led, key, signal.KindWarning)
	appendKind(t, led, key, signal.KindPreparatory)
	appendKind(t, led, key, signal.KindPostponement)

	// A second store over the same ledger simulates a process restart with a
	// cold cache.
	fresh := NewStore(led, nil)
	state, err := fresh.Current(key)
	require.NoError(t, err)
	assert.Equal(t, StatusPostponed, state.Status)
	assert.Equal(t, uint64(3), state.LastSequenceNo)

	// And matches the warm cache.
	warm, err := store.Current(key)
	require.NoError(t, err)
	assert.Equal(t, warm, state)
}

func TestStoreApplyHealsGaps(t *testing.T) {
	led, store := storeFixture(t)
	key := signal.RaceKey{Regatta: "spring-cup", Race: 4}

	appendKind(t, led, key, signal.KindWarning)
	// Store never saw seq 1; applying seq 2 forces a rebuild from the ledger.
	sig := appendKind(t, led, key, signal.KindPreparatory)

	state, err := store.Apply(sig)
	require.NoError(t, err)
	assert.Equal(t, StatusPreparatory, state.Status)
	assert.Equal(t, uint64(2), state.LastSequenceNo)
}

func TestStoreCurrentUnknownKey(t *testing.T) {
	_, store := storeFixture(t)
	_, err := store.Current(signal.RaceKey{Regatta: "spring-cup", Race: 99})
	require.ErrorIs(t, err, ledger.ErrUnknownRaceKey)
}

func TestStoreInvalidate(t *testing.T) {
	led, store := storeFixture(t)
	key := signal.RaceKey{Regatta: "spring-cup", Race: 5}

	appendKind(t, led, key, signal.KindWarning)
	_, err := store.Current(key)
	require.NoError(t, err)

	store.Invalidate(key)
	state, err := store.Current(key)
	require.NoError(t, err)
	assert.Equal(t, StatusWarning, state.Status)
}
