// Package recurrence expands RFC 5545 recurrence rules into concrete fire
// instants.
//
// Expansion always runs on the wall clock in the reminder's own timezone, so
// a daily 09:00 rule stays at 09:00 local across DST transitions; every
// produced instant is then converted to UTC using the zone rules at that
// moment, not a fixed offset captured at creation time.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"remindd/internal/reminder"
)

const (
	// MaxInstances bounds a single expansion. Together with MaxHorizon this
	// keeps malicious or degenerate rules (e.g. FREQ=SECONDLY) from
	// materializing unbounded state. Hitting the bound is not an error; the
	// result is truncated and flagged.
	MaxInstances = 1000

	// MaxHorizon caps how far into the future expansion may look.
	MaxHorizon = 2 * 365 * 24 * time.Hour
)

// Engine parses and expands repeat rules. The zero value is ready to use.
type Engine struct{}

func New() *Engine { return &Engine{} }

// Validate checks rule syntax at creation time.
func (e *Engine) Validate(rule string) error {
	if strings.TrimSpace(rule) == "" {
		return nil
	}
	if _, err := parseRule(rule, time.Now().UTC()); err != nil {
		return err
	}
	return nil
}

// Next returns the first instant strictly after "after", in UTC.
// ok is false when the recurrence has ended (COUNT/UNTIL exhausted).
func (e *Engine) Next(rule string, start time.Time, loc *time.Location, after time.Time) (time.Time, bool, error) {
	if loc == nil {
		loc = time.UTC
	}
	r, err := parseRule(rule, start.In(loc))
	if err != nil {
		return time.Time{}, false, err
	}
	next := r.After(after.In(loc), false)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

// Expand returns the ordered UTC instants strictly after "after", bounded by
// min(MaxInstances, MaxHorizon from start). The second result reports whether
// the sequence was truncated by either bound.
func (e *Engine) Expand(rule string, start time.Time, loc *time.Location, after time.Time) ([]time.Time, bool, error) {
	if loc == nil {
		loc = time.UTC
	}
	r, err := parseRule(rule, start.In(loc))
	if err != nil {
		return nil, false, err
	}

	horizon := start.Add(MaxHorizon)
	var out []time.Time
	it := r.Iterator()
	for {
		t, ok := it()
		if !ok {
			return out, false, nil
		}
		if !t.After(after) {
			continue
		}
		if t.After(horizon) {
			return out, true, nil
		}
		out = append(out, t.UTC())
		if len(out) >= MaxInstances {
			// Peek one more occurrence to distinguish "exactly at the cap"
			// from a genuinely truncated sequence.
			if _, more := it(); more {
				return out, true, nil
			}
			return out, false, nil
		}
	}
}

// parseRule builds an RRule anchored at dtstart. The optional "RRULE:" prefix
// is accepted so stored values can round-trip full iCalendar lines.
func parseRule(rule string, dtstart time.Time) (*rrule.RRule, error) {
	raw := strings.TrimSpace(rule)
	raw = strings.TrimPrefix(raw, "RRULE:")
	if raw == "" {
		return nil, fmt.Errorf("%w: empty rule", reminder.ErrInvalidRecurrenceRule)
	}
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reminder.ErrInvalidRecurrenceRule, err)
	}
	opt.Dtstart = dtstart
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reminder.ErrInvalidRecurrenceRule, err)
	}
	return r, nil
}
