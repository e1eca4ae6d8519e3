package recurrence

import (
	"errors"
	"testing"
	"time"

	"remindd/internal/reminder"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	e := New()

	tests := []struct {
		name    string
		rule    string
		wantErr bool
	}{
		{name: "empty is one-shot", rule: ""},
		{name: "daily", rule: "FREQ=DAILY"},
		{name: "prefixed", rule: "RRULE:FREQ=WEEKLY;BYDAY=MO,WE"},
		{name: "count", rule: "FREQ=DAILY;COUNT=3"},
		{name: "garbage", rule: "FREQ=SOMETIMES", wantErr: true},
		{name: "not a rule", rule: "every tuesday", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := e.Validate(tt.rule)
			if tt.wantErr {
				if !errors.Is(err, reminder.ErrInvalidRecurrenceRule) {
					t.Fatalf("Validate(%q) = %v, want ErrInvalidRecurrenceRule", tt.rule, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate(%q) error: %v", tt.rule, err)
			}
		})
	}
}

// A daily 09:00 reminder in New York must stay at 09:00 wall clock across
// the spring-forward transition, which means its UTC instant shifts from
// 14:00 to 13:00.
func TestNextAcrossDST(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("zone database unavailable: %v", err)
	}
	e := New()

	// 2026-03-07 is the day before the US spring-forward.
	start := time.Date(2026, 3, 7, 9, 0, 0, 0, loc)
	next, ok, err := e.Next("FREQ=DAILY", start, loc, start)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if !ok {
		t.Fatal("expected a next occurrence")
	}

	wantLocal := time.Date(2026, 3, 8, 9, 0, 0, 0, loc)
	if !next.Equal(wantLocal) {
		t.Fatalf("next = %v, want %v", next, wantLocal)
	}
	if got := next.UTC().Hour(); got != 13 {
		t.Fatalf("next UTC hour = %d, want 13 (EDT offset)", got)
	}
	if got := start.UTC().Hour(); got != 14 {
		t.Fatalf("start UTC hour = %d, want 14 (EST offset)", got)
	}
}

func TestNextSeriesEnd(t *testing.T) {
	t.Parallel()
	e := New()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	// COUNT=2: dtstart plus one more. After that occurrence the series is done.
	second := start.AddDate(0, 0, 1)
	next, ok, err := e.Next("FREQ=DAILY;COUNT=2", start, time.UTC, start)
	if err != nil || !ok {
		t.Fatalf("Next = (%v, %v, %v), want second occurrence", next, ok, err)
	}
	if !next.Equal(second) {
		t.Fatalf("next = %v, want %v", next, second)
	}

	_, ok, err = e.Next("FREQ=DAILY;COUNT=2", start, time.UTC, second)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if ok {
		t.Fatal("expected exhausted series")
	}
}

func TestExpandTruncatesAtInstanceCap(t *testing.T) {
	t.Parallel()
	e := New()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	out, truncated, err := e.Expand("FREQ=MINUTELY", start, time.UTC, start)
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncation for an unbounded minutely rule")
	}
	if len(out) != MaxInstances {
		t.Fatalf("len = %d, want %d", len(out), MaxInstances)
	}
	for i := 1; i < len(out); i++ {
		if !out[i].After(out[i-1]) {
			t.Fatalf("instants out of order at %d: %v then %v", i, out[i-1], out[i])
		}
	}
}

func TestExpandTruncatesAtHorizon(t *testing.T) {
	t.Parallel()
	e := New()
	start := time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)

	out, truncated, err := e.Expand("FREQ=YEARLY", start, time.UTC, start)
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if !truncated {
		t.Fatal("expected truncation at the horizon")
	}
	horizon := start.Add(MaxHorizon)
	for _, ts := range out {
		if ts.After(horizon) {
			t.Fatalf("instant %v beyond horizon %v", ts, horizon)
		}
	}
}

func TestExpandBoundedSeriesNotTruncated(t *testing.T) {
	t.Parallel()
	e := New()
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

	out, truncated, err := e.Expand("FREQ=DAILY;COUNT=5", start, time.UTC, start)
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if truncated {
		t.Fatal("bounded series must not report truncation")
	}
	// dtstart itself is not "after" the cursor, so 4 remain.
	if len(out) != 4 {
		t.Fatalf("len = %d, want 4", len(out))
	}
}
