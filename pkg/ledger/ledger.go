package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
	bolt "go.etcd.io/bbolt"

	"github.com/raceline/raceline/pkg/signal"
)

var (
	bucketSignals     = []byte("signals")
	bucketIdempotency = []byte("idempotency")
)

var (
	// ErrStoreUnavailable marks a transient storage failure. The append is
	// safe to retry: no sequence number or signal ID was exposed.
	ErrStoreUnavailable = errors.New("signal store unavailable")
	// ErrUnknownRaceKey is returned by reads against a race that has never
	// had a signal appended.
	ErrUnknownRaceKey = errors.New("unknown race key")
)

// Config holds ledger options.
type Config struct {
	Path string
	// NoSync trades durability for speed. Tests use it; production
	// deployments should not.
	NoSync bool
	Logger *slog.Logger
}

// Store is the BoltDB-backed signal ledger.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger

	// keyMu guards the lock table; each race key gets its own append lock so
	// partitions never serialize against each other.
	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex

	now func() time.Time
}

// Open opens or creates the ledger file.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.NoSync = cfg.NoSync

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSignals); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketIdempotency); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{
		db:       db,
		logger:   cfg.Logger.With("component", "ledger"),
		keyLocks: make(map[string]*sync.Mutex),
		now:      time.Now,
	}, nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	mu, ok := s.keyLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.keyLocks[key] = mu
	}
	return mu
}

// Append validates the draft against the catalog, assigns the next sequence
// number for the race key and durably writes the signal, all-or-nothing.
//
// idemKey, when non-empty, deduplicates operator retries: a second append
// with the same key returns the signal the first one produced and reports
// duplicate=true so callers skip re-publishing it.
func (s *Store) Append(key signal.RaceKey, draft signal.Draft, idemKey string) (sig signal.Signal, duplicate bool, err error) {
	if err := key.Validate(); err != nil {
		return signal.Signal{}, false, err
	}
	if err := signal.ValidateDraft(draft); err != nil {
		return signal.Signal{}, false, err
	}
	flags, err := signal.NormalizeFlags(draft.Kind, draft.Flags)
	if err != nil {
		return signal.Signal{}, false, err
	}

	issuedAt := draft.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}

	keyName := key.String()
	mu := s.lockFor(keyName)
	mu.Lock()
	defer mu.Unlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		sb, err := tx.Bucket(bucketSignals).CreateBucketIfNotExists([]byte(keyName))
		if err != nil {
			return err
		}
		ib, err := tx.Bucket(bucketIdempotency).CreateBucketIfNotExists([]byte(keyName))
		if err != nil {
			return err
		}

		if idemKey != "" {
			if prev := ib.Get([]byte(idemKey)); prev != nil {
				existing := sb.Get(prev)
				if existing == nil {
					return fmt.Errorf("idempotency key %q points at missing seq %d", idemKey, DecodeSeq(prev))
				}
				sig, err = decodeSignal(existing)
				duplicate = true
				return err
			}
		}

		seq, err := sb.NextSequence()
		if err != nil {
			return err
		}

		sig = signal.Signal{
			ID:           xid.New().String(),
			RaceKey:      key,
			Kind:         draft.Kind,
			Flags:        flags,
			SoundSignals: signal.SoundCountFor(draft.Kind),
			IssuedAt:     issuedAt,
			SequenceNo:   seq,
			Source:       draft.Source,
			Operator:     draft.Operator,
			Title:        draft.Title,
			Message:      draft.Message,
			Corrects:     draft.Corrects,
		}

		data, err := encodeSignal(sig)
		if err != nil {
			return err
		}
		if err := sb.Put(EncodeSeq(seq), data); err != nil {
			return err
		}
		if idemKey != "" {
			if err := ib.Put([]byte(idemKey), EncodeSeq(seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Validation already passed, so anything here is a storage-side
		// failure and retriable by the caller.
		s.logger.Error("append failed", "race_key", keyName, "kind", draft.Kind, "error", err)
		return signal.Signal{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if duplicate {
		s.logger.Debug("append deduplicated by idempotency key",
			"race_key", keyName,
			"idempotency_key", idemKey,
			"sequence_no", sig.SequenceNo)
	}
	return sig, duplicate, nil
}

// ListSince returns signals with sequence numbers strictly greater than
// afterSeq, in order. limit <= 0 means no limit. The read is stable: the same
// arguments always yield the same prefix of the partition's history.
func (s *Store) ListSince(key signal.RaceKey, afterSeq uint64, limit int) ([]signal.Signal, error) {
	var out []signal.Signal

	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSignals).Bucket([]byte(key.String()))
		if sb == nil {
			return fmt.Errorf("%w: %s", ErrUnknownRaceKey, key.String())
		}

		c := sb.Cursor()
		for k, v := c.Seek(EncodeSeq(afterSeq + 1)); k != nil; k, v = c.Next() {
			sig, err := decodeSignal(v)
			if err != nil {
				return fmt.Errorf("decode signal at seq %d: %w", DecodeSeq(k), err)
			}
			out = append(out, sig)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LastSequence returns the highest assigned sequence number for the key,
// zero if the race has no signals yet.
func (s *Store) LastSequence(key signal.RaceKey) (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSignals).Bucket([]byte(key.String()))
		if sb == nil {
			return nil
		}
		if k, _ := sb.Cursor().Last(); k != nil {
			last = DecodeSeq(k)
		}
		return nil
	})
	return last, err
}

// Known reports whether the race key has any appended signals.
func (s *Store) Known(key signal.RaceKey) (bool, error) {
	var known bool
	err := s.db.View(func(tx *bolt.Tx) error {
		known = tx.Bucket(bucketSignals).Bucket([]byte(key.String())) != nil
		return nil
	})
	return known, err
}

// Close closes the underlying database. The store must not be used after.
func (s *Store) Close() error {
	return s.db.Close()
}
