package sequence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raceline/raceline/pkg/signal"
)

var ErrInvalidSequenceConfig = errors.New("invalid sequence configuration")

// SequenceConfig describes one starting sequence. Minutes count down to the
// start: with the usual 5-4-1 sequence the warning sounds at t0, the
// preparatory at t0+1m, the one-minute at t0+4m and the start at t0+5m.
type SequenceConfig struct {
	WarningMinutes     int `json:"warning_minutes"`
	PreparatoryMinutes int `json:"preparatory_minutes"`
	OneMinuteOffset    int `json:"one_minute_offset"`

	// ClassFlag is the flag hoisted with the warning signal.
	ClassFlag string `json:"class_flag"`
	// PreparatoryFlag selects the prep flag; empty means the catalog
	// default (P).
	PreparatoryFlag string `json:"preparatory_flag,omitempty"`
}

// Validate enforces warning > preparatory > one-minute > 0.
func (c SequenceConfig) Validate() error {
	if c.WarningMinutes <= c.PreparatoryMinutes ||
		c.PreparatoryMinutes <= c.OneMinuteOffset ||
		c.OneMinuteOffset <= 0 {
		return fmt.Errorf("%w: want warning > preparatory > one-minute > 0, got %d/%d/%d",
			ErrInvalidSequenceConfig, c.WarningMinutes, c.PreparatoryMinutes, c.OneMinuteOffset)
	}
	if c.ClassFlag == "" {
		return fmt.Errorf("%w: class flag is required", ErrInvalidSequenceConfig)
	}
	if c.PreparatoryFlag != "" {
		if _, err := signal.NormalizeFlags(signal.KindPreparatory, []string{c.PreparatoryFlag}); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSequenceConfig, err)
		}
	}
	return nil
}

// Entry is one scheduled firing within a plan.
type Entry struct {
	Kind  signal.Kind `json:"kind"`
	At    time.Time   `json:"at"`
	Flags []string    `json:"flags,omitempty"`
	Fired bool        `json:"fired"`
}

// Plan is the persisted record of a starting sequence. It is written before
// the first firing so a restart can recompute what should already have
// happened from wall-clock time.
type Plan struct {
	Handle    string         `json:"handle"`
	RaceKey   signal.RaceKey `json:"race_key"`
	Entries   []Entry        `json:"entries"`
	CreatedAt time.Time      `json:"created_at"`
}

// buildPlan lays the four firings out on the wall clock, warning first.
func buildPlan(handle string, key signal.RaceKey, cfg SequenceConfig, t0 time.Time) Plan {
	start := t0.Add(time.Duration(cfg.WarningMinutes) * time.Minute)
	prepFlag := cfg.PreparatoryFlag
	if prepFlag == "" {
		prepFlag = "P"
	}

	return Plan{
		Handle:    handle,
		RaceKey:   key,
		CreatedAt: t0,
		Entries: []Entry{
			{Kind: signal.KindWarning, At: t0, Flags: []string{cfg.ClassFlag}},
			{Kind: signal.KindPreparatory, At: start.Add(-time.Duration(cfg.PreparatoryMinutes) * time.Minute), Flags: []string{prepFlag}},
			{Kind: signal.KindOneMinute, At: start.Add(-time.Duration(cfg.OneMinuteOffset) * time.Minute)},
			{Kind: signal.KindStart, At: start},
		},
	}
}

// nextUnfired returns the index of the first entry still to fire, or -1 when
// the plan is complete.
func (p Plan) nextUnfired() int {
	for i, e := range p.Entries {
		if !e.Fired {
			return i
		}
	}
	return -1
}

func encodePlan(p Plan) ([]byte, error) {
	return json.Marshal(p)
}

func decodePlan(data []byte) (Plan, error) {
	var p Plan
	err := json.Unmarshal(data, &p)
	return p, err
}
