package sequence

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/raceline/raceline/pkg/ledger"
	"github.com/raceline/raceline/pkg/signal"
)

var bucketPlans = []byte("plans")

var ErrTimerClosed = errors.New("sequence timer closed")

// Appender is the single effect a firing has. The engine satisfies it with
// the full append-derive-publish path.
type Appender interface {
	AppendScheduled(key signal.RaceKey, draft signal.Draft) error
}

// Config holds timer options.
type Config struct {
	// Path of the plan database.
	Path   string
	NoSync bool
	Logger *slog.Logger
}

// Timer schedules and fires starting sequences, one live plan per race key.
type Timer struct {
	db       *bolt.DB
	appender Appender
	logger   *slog.Logger

	mu      sync.Mutex
	runners map[string]*runner
	closed  bool
	wg      sync.WaitGroup

	// now and retryBackoff are swapped out by tests.
	now          func() time.Time
	retryBackoff time.Duration
}

type runner struct {
	handle   string
	stopCh   chan struct{}
	stopOnce sync.Once
}

func (r *runner) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Open opens the plan database. Call Recover before serving traffic.
func Open(cfg Config, appender Appender) (*Timer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open plan db: %w", err)
	}
	db.NoSync = cfg.NoSync

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPlans)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create plan bucket: %w", err)
	}

	return &Timer{
		db:           db,
		appender:     appender,
		logger:       cfg.Logger.With("component", "sequence-timer"),
		runners:      make(map[string]*runner),
		now:          time.Now,
		retryBackoff: 200 * time.Millisecond,
	}, nil
}

// Start schedules a starting sequence for the race key: warning now, the
// remaining firings at their absolute instants. A sequence already running
// for the key is superseded. The plan is durably recorded before the first
// firing so a restart can recompute what should already have fired.
func (t *Timer) Start(key signal.RaceKey, cfg SequenceConfig) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	handle := uuid.NewString()
	plan := buildPlan(handle, key, cfg, t.now())

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrTimerClosed
	}

	keyName := key.String()
	if prev, ok := t.runners[keyName]; ok {
		prev.stop()
		delete(t.runners, keyName)
	}

	if err := t.putPlan(plan); err != nil {
		return "", err
	}
	t.spawnLocked(plan)

	t.logger.Info("starting sequence scheduled",
		"race_key", keyName,
		"handle", handle,
		"start_at", plan.Entries[len(plan.Entries)-1].At)
	return handle, nil
}

// Cancel stops all not-yet-fired firings for the race key and discards the
// plan. Cancelling an already-cancelled or completed sequence is a no-op. A
// firing already in flight may still land; the state machine's total Apply
// absorbs it.
func (t *Timer) Cancel(key signal.RaceKey) error {
	keyName := key.String()

	t.mu.Lock()
	if r, ok := t.runners[keyName]; ok {
		r.stop()
		delete(t.runners, keyName)
	}
	t.mu.Unlock()

	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlans).Delete([]byte(keyName))
	})
	if err != nil {
		return fmt.Errorf("discard plan for %s: %w", keyName, err)
	}
	return nil
}

// ActivePlan returns the persisted plan for a race key, if any.
func (t *Timer) ActivePlan(key signal.RaceKey) (Plan, bool, error) {
	var plan Plan
	var found bool
	err := t.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPlans).Get([]byte(key.String()))
		if data == nil {
			return nil
		}
		p, err := decodePlan(data)
		if err != nil {
			return err
		}
		plan, found = p, true
		return nil
	})
	return plan, found, err
}

// Recover replays persisted plans after a restart. Firings whose instant has
// passed during the downtime are appended immediately, in order, stamped
// with their scheduled instants; live timers resume for the rest. Must be
// called before the control API starts accepting commands.
func (t *Timer) Recover() error {
	var plans []Plan
	err := t.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlans).ForEach(func(_, v []byte) error {
			p, err := decodePlan(v)
			if err != nil {
				return err
			}
			plans = append(plans, p)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}

	for _, plan := range plans {
		t.recoverPlan(plan)
	}
	return nil
}

func (t *Timer) recoverPlan(plan Plan) {
	keyName := plan.RaceKey.String()
	now := t.now()
	fired := 0

	for i := range plan.Entries {
		e := plan.Entries[i]
		if e.Fired || e.At.After(now) {
			continue
		}
		if !t.fire(plan, i) {
			// Persistent store failure; keep the plan so the next restart
			// retries from here.
			t.logger.Error("recovery firing failed, plan retained",
				"race_key", keyName,
				"kind", e.Kind)
			return
		}
		plan.Entries[i].Fired = true
		fired++
	}

	if fired > 0 {
		t.logger.Info("recovered past-due firings",
			"race_key", keyName,
			"fired", fired)
	}

	if plan.nextUnfired() == -1 {
		return // fully fired, markFired dropped the plan
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.spawnLocked(plan)
}

// spawnLocked starts the delivery goroutine for a plan. Caller holds t.mu.
func (t *Timer) spawnLocked(plan Plan) {
	r := &runner{handle: plan.Handle, stopCh: make(chan struct{})}
	t.runners[plan.RaceKey.String()] = r
	t.wg.Add(1)
	go t.run(r, plan)
}

func (t *Timer) run(r *runner, plan Plan) {
	defer t.wg.Done()
	defer t.removeRunner(plan.RaceKey.String(), r)

	for i := range plan.Entries {
		e := plan.Entries[i]
		if e.Fired {
			continue
		}

		// Interval math rides the monotonic clock; e.At itself is the
		// wall-clock stamp the signal will carry.
		if delay := e.At.Sub(t.now()); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-r.stopCh:
				timer.Stop()
				return
			}
		} else {
			select {
			case <-r.stopCh:
				return
			default:
			}
		}

		if !t.fire(plan, i) {
			return
		}
	}
}

// fire appends one scheduled signal, retrying transient store failures with
// backoff, and marks the entry fired. Returns false on persistent failure.
func (t *Timer) fire(plan Plan, idx int) bool {
	e := plan.Entries[idx]
	draft := signal.Draft{
		Kind:     e.Kind,
		Flags:    e.Flags,
		Source:   signal.SourceScheduled,
		IssuedAt: e.At,
	}

	backoff := t.retryBackoff
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		err = t.appender.AppendScheduled(plan.RaceKey, draft)
		if err == nil {
			break
		}
		if !errors.Is(err, ledger.ErrStoreUnavailable) {
			break
		}
		t.logger.Warn("scheduled append failed, retrying",
			"race_key", plan.RaceKey.String(),
			"kind", e.Kind,
			"attempt", attempt+1,
			"error", err)
	}
	if err != nil {
		t.logger.Error("scheduled append abandoned",
			"race_key", plan.RaceKey.String(),
			"kind", e.Kind,
			"error", err)
		return false
	}

	if err := t.markFired(plan.RaceKey, plan.Handle, idx); err != nil {
		t.logger.Error("failed to mark firing",
			"race_key", plan.RaceKey.String(),
			"kind", e.Kind,
			"error", err)
	}

	t.logger.Info("scheduled signal fired",
		"race_key", plan.RaceKey.String(),
		"kind", e.Kind,
		"issued_at", e.At)
	return true
}

// markFired records a completed firing; when the plan is fully fired it is
// dropped. A plan superseded by a newer handle is left untouched.
func (t *Timer) markFired(key signal.RaceKey, handle string, idx int) error {
	keyName := key.String()
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		data := b.Get([]byte(keyName))
		if data == nil {
			return nil
		}
		plan, err := decodePlan(data)
		if err != nil {
			return err
		}
		if plan.Handle != handle {
			return nil
		}

		plan.Entries[idx].Fired = true
		if plan.nextUnfired() == -1 {
			return b.Delete([]byte(keyName))
		}

		encoded, err := encodePlan(plan)
		if err != nil {
			return err
		}
		return b.Put([]byte(keyName), encoded)
	})
}

func (t *Timer) putPlan(plan Plan) error {
	data, err := encodePlan(plan)
	if err != nil {
		return err
	}
	return t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlans).Put([]byte(plan.RaceKey.String()), data)
	})
}

func (t *Timer) removeRunner(keyName string, r *runner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.runners[keyName]; ok && current == r {
		delete(t.runners, keyName)
	}
}

// Close stops all runners and closes the plan database.
func (t *Timer) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, r := range t.runners {
		r.stop()
	}
	t.runners = make(map[string]*runner)
	t.mu.Unlock()

	t.wg.Wait()
	return t.db.Close()
}
