package ledger

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceline/raceline/pkg/signal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "ledger.db"),
		NoSync: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testKey(race int) signal.RaceKey {
	return signal.RaceKey{Regatta: "spring-cup", Race: race}
}

func TestAppendAssignsSequenceAndIdentity(t *testing.T) {
	store := openTestStore(t)
	key := testKey(1)

	first, dup, err := store.Append(key, signal.Draft{
		Kind:   signal.KindWarning,
		Flags:  []string{"LASER"},
		Source: signal.SourceScheduled,
	}, "")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, uint64(1), first.SequenceNo)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1, first.SoundSignals)
	assert.False(t, first.IssuedAt.IsZero())

	second, _, err := store.Append(key, signal.Draft{
		Kind:   signal.KindPreparatory,
		Source: signal.SourceScheduled,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.SequenceNo)
	// Catalog default applied when the draft carries no flags.
	assert.Equal(t, []string{"P"}, second.Flags)
}

func TestAppendRejectsInvalidDraft(t *testing.T) {
	store := openTestStore(t)

	_, _, err := store.Append(testKey(1), signal.Draft{Kind: signal.Kind("gybe")}, "")
	require.ErrorIs(t, err, signal.ErrUnknownKind)

	_, _, err = store.Append(testKey(1), signal.Draft{
		Kind:  signal.KindPostponement,
		Flags: []string{"N"},
	}, "")
	require.ErrorIs(t, err, signal.ErrInvalidFlags)

	_, _, err = store.Append(signal.RaceKey{Race: 1}, signal.Draft{Kind: signal.KindWarning, Flags: []string{"A"}}, "")
	require.ErrorIs(t, err, signal.ErrInvalidRaceKey)

	// Nothing was appended.
	_, err = store.ListSince(testKey(1), 0, 0)
	require.ErrorIs(t, err, ErrUnknownRaceKey)
}

func TestAppendPreservesScheduledInstant(t *testing.T) {
	store := openTestStore(t)
	at := time.Date(2026, 6, 14, 13, 55, 0, 0, time.UTC)

	sig, _, err := store.Append(testKey(1), signal.Draft{
		Kind:     signal.KindWarning,
		Flags:    []string{"LASER"},
		Source:   signal.SourceScheduled,
		IssuedAt: at,
	}, "")
	require.NoError(t, err)
	assert.True(t, sig.IssuedAt.Equal(at))
}

func TestIdempotentRetry(t *testing.T) {
	store := openTestStore(t)
	key := testKey(2)

	draft := signal.Draft{Kind: signal.KindPostponement, Source: signal.SourceManual, Operator: "pro"}

	first, dup, err := store.Append(key, draft, "op-retry-1")
	require.NoError(t, err)
	assert.False(t, dup)

	second, dup, err := store.Append(key, draft, "op-retry-1")
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.SequenceNo, second.SequenceNo)
	assert.Equal(t, first.ID, second.ID)

	// Without a key, duplicates are allowed but still totally ordered.
	third, dup, err := store.Append(key, draft, "")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, first.SequenceNo+1, third.SequenceNo)
}

func TestListSince(t *testing.T) {
	store := openTestStore(t)
	key := testKey(3)

	for i := 0; i < 5; i++ {
		_, _, err := store.Append(key, signal.Draft{
			Kind:     signal.KindAnnouncement,
			Source:   signal.SourceManual,
			Operator: "pro",
			Title:    "notice",
			Message:  "wind shift expected",
		}, "")
		require.NoError(t, err)
	}

	all, err := store.ListSince(key, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, sig := range all {
		assert.Equal(t, uint64(i+1), sig.SequenceNo)
	}

	tail, err := store.ListSince(key, 3, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].SequenceNo)

	limited, err := store.ListSince(key, 0, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, uint64(2), limited[1].SequenceNo)

	// Stable read: repeating the call yields the same slice.
	again, err := store.ListSince(key, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, tail, again)
}

func TestListSinceUnknownKey(t *testing.T) {
	store := openTestStore(t)
	_, err := store.ListSince(testKey(9), 0, 0)
	require.ErrorIs(t, err, ErrUnknownRaceKey)
}

func TestConcurrentAppendsDistinctSequences(t *testing.T) {
	store := openTestStore(t)
	key := testKey(4)

	const n = 32
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig, _, err := store.Append(key, signal.Draft{
				Kind:     signal.KindIndividualRecall,
				Source:   signal.SourceManual,
				Operator: "pro",
			}, "")
			require.NoError(t, err)
			seqs <- sig.SequenceNo
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, n)

	last, err := store.LastSequence(key)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), last)
}

func TestSequencesIndependentAcrossKeys(t *testing.T) {
	store := openTestStore(t)

	a, _, err := store.Append(testKey(1), signal.Draft{Kind: signal.KindWarning, Flags: []string{"470"}, Source: signal.SourceScheduled}, "")
	require.NoError(t, err)
	b, _, err := store.Append(testKey(2), signal.Draft{Kind: signal.KindWarning, Flags: []string{"470"}, Source: signal.SourceScheduled}, "")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a.SequenceNo)
	assert.Equal(t, uint64(1), b.SequenceNo)
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	key := testKey(7)

	store, err := Open(Config{Path: path, NoSync: true})
	require.NoError(t, err)
	_, _, err = store.Append(key, signal.Draft{Kind: signal.KindWarning, Flags: []string{"49ER"}, Source: signal.SourceScheduled}, "")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(Config{Path: path, NoSync: true})
	require.NoError(t, err)
	defer store.Close()

	sig, _, err := store.Append(key, signal.Draft{Kind: signal.KindPreparatory, Source: signal.SourceScheduled}, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sig.SequenceNo)
}
