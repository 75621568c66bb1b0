package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidRaceKey = errors.New("invalid race key")
)

// Kind identifies a race-committee signal type.
type Kind string

const (
	KindWarning          Kind = "warning"
	KindPreparatory      Kind = "preparatory"
	KindOneMinute        Kind = "one_minute"
	KindStart            Kind = "start"
	KindFinish           Kind = "finish"
	KindIndividualRecall Kind = "individual_recall"
	KindGeneralRecall    Kind = "general_recall"
	KindPostponement     Kind = "postponement"
	KindAbandonment      Kind = "abandonment"
	KindShortenedCourse  Kind = "shortened_course"
	KindAnnouncement     Kind = "announcement"
	KindCorrection       Kind = "correction"
)

// Source records how a signal came to exist.
type Source string

const (
	// SourceScheduled marks signals emitted by the sequence timer.
	SourceScheduled Source = "scheduled"
	// SourceManual marks signals issued by an operator through the control API.
	SourceManual Source = "manual"
)

// RaceKey identifies one regatta/race/fleet combination. It is the partition
// under which signal ordering is guaranteed; distinct keys never block each
// other.
type RaceKey struct {
	Regatta string `json:"regatta"`
	Race    int    `json:"race"`
	// Fleet is optional. Multi-fleet starts that share one starting sequence
	// use an empty fleet; fleets that run their own sequences get their own
	// key and therefore their own ordering domain.
	Fleet string `json:"fleet,omitempty"`
}

// String renders the key in its canonical "regatta/race[/fleet]" form. This
// form is used for bucket names and log fields, so it must be stable.
func (k RaceKey) String() string {
	if k.Fleet == "" {
		return fmt.Sprintf("%s/%d", k.Regatta, k.Race)
	}
	return fmt.Sprintf("%s/%d/%s", k.Regatta, k.Race, k.Fleet)
}

// Validate checks the key is usable as a partition name.
func (k RaceKey) Validate() error {
	if k.Regatta == "" {
		return fmt.Errorf("%w: empty regatta", ErrInvalidRaceKey)
	}
	if strings.ContainsRune(k.Regatta, '/') || strings.ContainsRune(k.Fleet, '/') {
		return fmt.Errorf("%w: %q contains '/'", ErrInvalidRaceKey, k.String())
	}
	if k.Race < 1 {
		return fmt.Errorf("%w: race number %d", ErrInvalidRaceKey, k.Race)
	}
	return nil
}

// Signal is a single committee event. Immutable once appended to the ledger;
// corrections are new signals of KindCorrection, never in-place edits.
type Signal struct {
	ID      string  `json:"id"`
	RaceKey RaceKey `json:"race_key"`
	Kind    Kind    `json:"kind"`

	// Flags are the displayed flag codes for this signal.
	Flags []string `json:"flags,omitempty"`
	// SoundSignals is fixed per kind by the catalog.
	SoundSignals int `json:"sound_signals"`

	// IssuedAt is the instant the signal became effective. Scheduled signals
	// carry their scheduled instant, which can predate the persistence time
	// when a past-due firing is appended during restart recovery.
	IssuedAt time.Time `json:"issued_at"`

	// SequenceNo is strictly increasing per race key and assigned at append
	// time. It defines the total order every subscriber observes.
	SequenceNo uint64 `json:"sequence_no"`

	Source   Source `json:"source"`
	Operator string `json:"operator,omitempty"`

	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`

	// Corrects names the signal ID a correction supersedes.
	Corrects string `json:"corrects,omitempty"`
}

// Draft is what callers hand to the ledger. ID, sequence number and, when
// zero, the issued-at stamp are assigned at append time, so a retried draft
// cannot leak a duplicate identity.
type Draft struct {
	Kind     Kind
	Flags    []string
	Source   Source
	Operator string
	Title    string
	Message  string
	Corrects string

	// IssuedAt is set by the sequence timer to the scheduled instant.
	// Zero means "stamp with the wall clock at append".
	IssuedAt time.Time
}
