package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceline/raceline/pkg/fsm"
	"github.com/raceline/raceline/pkg/ledger"
	"github.com/raceline/raceline/pkg/metrics"
	"github.com/raceline/raceline/pkg/sequence"
	"github.com/raceline/raceline/pkg/signal"
)

var engineKey = signal.RaceKey{Regatta: "spring-cup", Race: 1}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	return openTestEngineAt(t, t.TempDir())
}

func openTestEngineAt(t *testing.T, dir string) *Engine {
	t.Helper()
	eng, err := Open(Config{
		DataDir: dir,
		NoSync:  true,
		Metrics: metrics.NewCollector(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func seqConfig() sequence.SequenceConfig {
	return sequence.SequenceConfig{
		WarningMinutes:     5,
		PreparatoryMinutes: 4,
		OneMinuteOffset:    1,
		ClassFlag:          "LASER",
	}
}

func waitForStatus(t *testing.T, eng *Engine, key signal.RaceKey, want fsm.Status) fsm.RaceState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := eng.RaceState(key)
		if err == nil && state.Status == want {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	state, err := eng.RaceState(key)
	t.Fatalf("status never reached %s: state=%+v err=%v", want, state, err)
	return fsm.RaceState{}
}

func TestEmitSignalPipeline(t *testing.T) {
	eng := openTestEngine(t)

	sub, err := eng.Subscribe(engineKey, 0)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	sig, duplicate, err := eng.EmitSignal(engineKey, signal.Draft{
		Kind:     signal.KindWarning,
		Flags:    []string{"LASER"},
		Operator: "pro",
	}, "")
	require.NoError(t, err)
	assert.False(t, duplicate)
	assert.Equal(t, uint64(1), sig.SequenceNo)
	assert.Equal(t, signal.SourceManual, sig.Source)

	state, err := eng.RaceState(engineKey)
	require.NoError(t, err)
	assert.Equal(t, fsm.StatusWarning, state.Status)
	assert.Equal(t, sig.ID, state.LastSignalID)

	select {
	case got := <-sub.Signals():
		assert.Equal(t, sig.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("signal was not broadcast")
	}
}

func TestEmitSignalValidation(t *testing.T) {
	eng := openTestEngine(t)

	_, _, err := eng.EmitSignal(engineKey, signal.Draft{Kind: signal.Kind("gybe")}, "")
	require.ErrorIs(t, err, signal.ErrUnknownKind)

	_, _, err = eng.EmitSignal(engineKey, signal.Draft{Kind: signal.KindAbandonment, Flags: []string{"AP"}}, "")
	require.ErrorIs(t, err, signal.ErrInvalidFlags)

	// Nothing reached the ledger.
	_, err = eng.RaceState(engineKey)
	require.ErrorIs(t, err, ledger.ErrUnknownRaceKey)
}

func TestEmitSignalIdempotentRetry(t *testing.T) {
	eng := openTestEngine(t)

	sub, err := eng.Subscribe(engineKey, 0)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	draft := signal.Draft{Kind: signal.KindPostponement, Operator: "pro"}
	first, duplicate, err := eng.EmitSignal(engineKey, draft, "retry-1")
	require.NoError(t, err)
	assert.False(t, duplicate)
	second, duplicate, err := eng.EmitSignal(engineKey, draft, "retry-1")
	require.NoError(t, err)
	assert.True(t, duplicate)
	assert.Equal(t, first.SequenceNo, second.SequenceNo)

	// The duplicate is not re-broadcast.
	<-sub.Signals()
	select {
	case sig, ok := <-sub.Signals():
		if ok {
			t.Fatalf("unexpected extra broadcast: %+v", sig)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartSequenceFiresWarning(t *testing.T) {
	eng := openTestEngine(t)

	handle, err := eng.StartSequence(engineKey, seqConfig())
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	state := waitForStatus(t, eng, engineKey, fsm.StatusWarning)
	assert.Equal(t, []string{"LASER"}, state.ActiveFlags)

	history, err := eng.History(engineKey, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, signal.KindWarning, history[0].Kind)
	assert.Equal(t, signal.SourceScheduled, history[0].Source)

	// The rest of the sequence is pending, not fired.
	plan, found, err := eng.ActivePlan(engineKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, handle, plan.Handle)
}

func TestStartSequenceRejectsBadConfig(t *testing.T) {
	eng := openTestEngine(t)

	_, err := eng.StartSequence(engineKey, sequence.SequenceConfig{
		WarningMinutes: 3, PreparatoryMinutes: 4, OneMinuteOffset: 1, ClassFlag: "LASER",
	})
	require.ErrorIs(t, err, sequence.ErrInvalidSequenceConfig)
}

func TestOverrideCancelsRunningSequence(t *testing.T) {
	eng := openTestEngine(t)

	_, err := eng.StartSequence(engineKey, seqConfig())
	require.NoError(t, err)
	waitForStatus(t, eng, engineKey, fsm.StatusWarning)

	_, _, err = eng.EmitSignal(engineKey, signal.Draft{Kind: signal.KindPostponement, Operator: "pro"}, "")
	require.NoError(t, err)

	state, err := eng.RaceState(engineKey)
	require.NoError(t, err)
	assert.Equal(t, fsm.StatusPostponed, state.Status)
	assert.Equal(t, []string{signal.FlagAP}, state.ActiveFlags)

	_, found, err := eng.ActivePlan(engineKey)
	require.NoError(t, err)
	assert.False(t, found, "pending firings survived the postponement")

	// A later sequence starts fresh from warning.
	_, err = eng.StartSequence(engineKey, seqConfig())
	require.NoError(t, err)
	waitForStatus(t, eng, engineKey, fsm.StatusWarning)
}

func TestCancelSequenceIdempotent(t *testing.T) {
	eng := openTestEngine(t)

	_, err := eng.StartSequence(engineKey, seqConfig())
	require.NoError(t, err)
	waitForStatus(t, eng, engineKey, fsm.StatusWarning)

	require.NoError(t, eng.CancelSequence(engineKey))
	require.NoError(t, eng.CancelSequence(engineKey))
}

func TestRestartRebuildsStateAndKeepsPlan(t *testing.T) {
	dir := t.TempDir()

	eng := openTestEngineAt(t, dir)
	_, err := eng.StartSequence(engineKey, seqConfig())
	require.NoError(t, err)
	waitForStatus(t, eng, engineKey, fsm.StatusWarning)
	require.NoError(t, eng.Close())

	// Reopen over the same data dir: derived state is rebuilt from the
	// ledger and the not-yet-due firings are still scheduled.
	reopened := openTestEngineAt(t, dir)
	state, err := reopened.RaceState(engineKey)
	require.NoError(t, err)
	assert.Equal(t, fsm.StatusWarning, state.Status)

	plan, found, err := reopened.ActivePlan(engineKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, plan.Entries[0].Fired)
	assert.False(t, plan.Entries[1].Fired)
}

func TestConcurrentEmitsStreamInOrder(t *testing.T) {
	eng, err := Open(Config{
		DataDir:   t.TempDir(),
		NoSync:    true,
		QueueSize: 4096,
		Metrics:   metrics.NewCollector(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	sub, err := eng.Subscribe(engineKey, 0)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, _, err := eng.EmitSignal(engineKey, signal.Draft{
					Kind:     signal.KindAnnouncement,
					Operator: "pro",
					Title:    "notice",
					Message:  "mark change",
				}, "")
				assert.NoError(t, err)
			}
		}()
	}

	// However the writers interleave, the subscriber sees every signal in
	// sequence order with no gaps.
	timeout := time.After(30 * time.Second)
	for want := uint64(1); want <= workers*perWorker; want++ {
		select {
		case sig := <-sub.Signals():
			require.Equal(t, want, sig.SequenceNo)
		case <-timeout:
			t.Fatalf("stream stalled waiting for sequence %d", want)
		}
	}
	wg.Wait()
}

func TestSubscribeResumeAfterOverflowStyleReconnect(t *testing.T) {
	eng := openTestEngine(t)

	for i := 0; i < 4; i++ {
		_, _, err := eng.EmitSignal(engineKey, signal.Draft{
			Kind:     signal.KindAnnouncement,
			Operator: "pro",
			Title:    "notice",
			Message:  "committee boat on station",
		}, "")
		require.NoError(t, err)
	}

	sub, err := eng.Subscribe(engineKey, 2)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var seqs []uint64
	timeout := time.After(5 * time.Second)
	for len(seqs) < 2 {
		select {
		case sig := <-sub.Signals():
			seqs = append(seqs, sig.SequenceNo)
		case <-timeout:
			t.Fatal("replay did not arrive")
		}
	}
	assert.Equal(t, []uint64{3, 4}, seqs)
}
