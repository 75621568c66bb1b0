package signal

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrUnknownKind     = errors.New("unknown signal kind")
	ErrInvalidFlags    = errors.New("invalid flags for signal kind")
	ErrInvalidText     = errors.New("invalid text for signal kind")
	ErrMissingOperator = errors.New("manual signal without operator")
)

// Flag codes used by the fixed-flag kinds.
const (
	FlagAP       = "AP"        // answering pennant, postponement
	FlagN        = "N"         // november, abandonment
	FlagX        = "X"         // x-ray, individual recall
	FlagFirstSub = "FIRST_SUB" // first substitute, general recall
	FlagS        = "S"         // sierra, shortened course
)

// PreparatoryFlags is the closed set a preparatory signal chooses from.
var PreparatoryFlags = []string{"P", "I", "Z", "U", "BLACK"}

// Definition describes the fixed properties of one signal kind.
type Definition struct {
	Kind Kind

	// FixedFlags are flown exactly as listed. Nil for kinds that take an
	// operator-selected flag or no flag at all.
	FixedFlags []string
	// SelectOne means the signal carries exactly one flag chosen by the
	// caller, constrained to SelectFrom when that is non-nil.
	SelectOne  bool
	SelectFrom []string

	// SoundSignals made when the signal is displayed.
	SoundSignals int

	// ManualOnly kinds are never emitted by the sequence timer.
	ManualOnly bool

	// NeedsText requires title and message (announcements).
	NeedsText bool
	// NeedsCorrects requires a reference to the corrected signal.
	NeedsCorrects bool
}

// catalog is the closed set of signal kinds. Abandonment carries the most
// sound signals of any kind.
var catalog = map[Kind]Definition{
	KindWarning:          {Kind: KindWarning, SelectOne: true, SoundSignals: 1},
	KindPreparatory:      {Kind: KindPreparatory, SelectOne: true, SelectFrom: PreparatoryFlags, SoundSignals: 1},
	KindOneMinute:        {Kind: KindOneMinute, SoundSignals: 1},
	KindStart:            {Kind: KindStart, SoundSignals: 1},
	KindFinish:           {Kind: KindFinish, SoundSignals: 1, ManualOnly: true},
	KindIndividualRecall: {Kind: KindIndividualRecall, FixedFlags: []string{FlagX}, SoundSignals: 1, ManualOnly: true},
	KindGeneralRecall:    {Kind: KindGeneralRecall, FixedFlags: []string{FlagFirstSub}, SoundSignals: 2, ManualOnly: true},
	KindPostponement:     {Kind: KindPostponement, FixedFlags: []string{FlagAP}, SoundSignals: 2, ManualOnly: true},
	KindAbandonment:      {Kind: KindAbandonment, FixedFlags: []string{FlagN}, SoundSignals: 3, ManualOnly: true},
	KindShortenedCourse:  {Kind: KindShortenedCourse, FixedFlags: []string{FlagS}, SoundSignals: 2, ManualOnly: true},
	KindAnnouncement:     {Kind: KindAnnouncement, SoundSignals: 0, ManualOnly: true, NeedsText: true},
	KindCorrection:       {Kind: KindCorrection, SoundSignals: 0, ManualOnly: true, NeedsCorrects: true},
}

// Lookup returns the definition for a kind.
func Lookup(kind Kind) (Definition, error) {
	def, ok := catalog[kind]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return def, nil
}

// Kinds returns every kind in the catalog. Order is unspecified.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(catalog))
	for k := range catalog {
		kinds = append(kinds, k)
	}
	return kinds
}

// SoundCountFor returns the number of sound signals for a kind, zero for an
// unknown kind.
func SoundCountFor(kind Kind) int {
	return catalog[kind].SoundSignals
}

// ManualOnly reports whether the kind may only be issued by an operator.
func ManualOnly(kind Kind) bool {
	return catalog[kind].ManualOnly
}

// ValidateDraft checks a draft against the catalog. It covers flags, the
// per-kind text requirements and the operator attribution of manual signals;
// sequence assignment is the ledger's job.
func ValidateDraft(d Draft) error {
	def, err := Lookup(d.Kind)
	if err != nil {
		return err
	}
	if err := validateFlags(def, d.Flags); err != nil {
		return err
	}
	// Every manual signal is attributed: the audit trail must name who gave
	// the order.
	if d.Source == SourceManual && d.Operator == "" {
		return fmt.Errorf("%w: %s", ErrMissingOperator, d.Kind)
	}
	if def.NeedsText && (d.Title == "" || d.Message == "") {
		return fmt.Errorf("%w: %s requires title and message", ErrInvalidText, d.Kind)
	}
	if def.NeedsCorrects && d.Corrects == "" {
		return fmt.Errorf("%w: %s requires the corrected signal id", ErrInvalidText, d.Kind)
	}
	if !def.NeedsText && !def.NeedsCorrects && d.Title != "" {
		return fmt.Errorf("%w: %s does not take a title", ErrInvalidText, d.Kind)
	}
	return nil
}

// NormalizeFlags returns the flags to record for a draft, applying the
// catalog defaults where the caller supplied none.
func NormalizeFlags(kind Kind, flags []string) ([]string, error) {
	def, err := Lookup(kind)
	if err != nil {
		return nil, err
	}
	if err := validateFlags(def, flags); err != nil {
		return nil, err
	}
	if len(flags) > 0 {
		return slices.Clone(flags), nil
	}
	switch {
	case def.FixedFlags != nil:
		return slices.Clone(def.FixedFlags), nil
	case def.Kind == KindPreparatory:
		// Plain papa start unless the committee chose otherwise.
		return []string{"P"}, nil
	default:
		return nil, nil
	}
}

func validateFlags(def Definition, flags []string) error {
	switch {
	case def.FixedFlags != nil:
		if len(flags) == 0 {
			return nil // defaults applied by NormalizeFlags
		}
		if !slices.Equal(flags, def.FixedFlags) {
			return fmt.Errorf("%w: %s is always flown as %v", ErrInvalidFlags, def.Kind, def.FixedFlags)
		}
	case def.SelectOne:
		if len(flags) == 0 {
			// Warning has no default: the class flag is the committee's call.
			if def.SelectFrom == nil {
				return fmt.Errorf("%w: %s requires exactly one flag", ErrInvalidFlags, def.Kind)
			}
			return nil
		}
		if len(flags) != 1 {
			return fmt.Errorf("%w: %s carries exactly one flag, got %d", ErrInvalidFlags, def.Kind, len(flags))
		}
		if def.SelectFrom != nil && !slices.Contains(def.SelectFrom, flags[0]) {
			return fmt.Errorf("%w: %q is not one of %v", ErrInvalidFlags, flags[0], def.SelectFrom)
		}
	default:
		if len(flags) != 0 {
			return fmt.Errorf("%w: %s carries no flags", ErrInvalidFlags, def.Kind)
		}
	}
	return nil
}
