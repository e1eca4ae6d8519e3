package reminder

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Status is the reminder lifecycle state.
//
// Transitions:
//
//	active  -> snoozed | completed | cancelled | active (recurring re-arm)
//	snoozed -> active | snoozed | completed | cancelled
//
// completed and cancelled are terminal.
type Status string

const (
	StatusActive    Status = "active"
	StatusSnoozed   Status = "snoozed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSnoozed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Scheduled reports whether a reminder in state s must own a pending timer.
func (s Status) Scheduled() bool {
	return s == StatusActive || s == StatusSnoozed
}

// Reminder is the central entity of the scheduling engine.
//
// DueAtUTC is the absolute fire instant. DueAtLocal + Timezone preserve the
// wall-clock time the user asked for; DueAtUTC must always be derivable from
// them, but it is stored separately so DST edge cases stay auditable.
type Reminder struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Title    string    `json:"title"`
	Body     string    `json:"body,omitempty"`
	DueAtUTC time.Time `json:"due_at_utc"`
	// DueAtLocal is the wall-clock time in Timezone, formatted without offset.
	DueAtLocal string `json:"due_at_local"`
	Timezone   string `json:"timezone"`
	// RepeatRule is an RFC 5545 RRULE string; empty means one-shot.
	RepeatRule string `json:"repeat_rule,omitempty"`
	Status     Status `json:"status"`
	DedupKey   string `json:"-"`
	// Revision is bumped on every mutation and is the CAS token for
	// status transitions and reschedules.
	Revision  int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recurring reports whether the reminder has a repeat rule.
func (r *Reminder) Recurring() bool { return strings.TrimSpace(r.RepeatRule) != "" }

// LocalLayout is the wire/storage format of DueAtLocal (no zone offset;
// the zone lives in Timezone).
const LocalLayout = "2006-01-02T15:04:05"

// Location resolves the reminder's IANA timezone.
func (r *Reminder) Location() (*time.Location, error) {
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}

// LocalDue parses DueAtLocal in the reminder's zone.
func (r *Reminder) LocalDue() (time.Time, error) {
	loc, err := r.Location()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation(LocalLayout, r.DueAtLocal, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("due_at_local %q: %w", r.DueAtLocal, err)
	}
	return t, nil
}

// SetDue fills DueAtUTC, DueAtLocal and Timezone from a single instant.
// The local representation is computed with the zone rules at that instant.
func (r *Reminder) SetDue(t time.Time, loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	r.DueAtUTC = t.UTC()
	r.DueAtLocal = t.In(loc).Format(LocalLayout)
	r.Timezone = loc.String()
}

// DedupKeyFor derives the content-based duplicate signature for a creation.
//
// This is deliberately independent from any client-supplied idempotency key:
// it detects semantic duplicates (same user, same normalized title, same
// instant), not double submission of one logical request.
func DedupKeyFor(userID, title string, dueUTC time.Time) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(NormalizeTitle(title)))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(dueUTC.UTC().Format(time.RFC3339)))
	return fmt.Sprintf("%x", h.Sum64())
}

// NormalizeTitle collapses whitespace and case so cosmetic differences don't
// defeat duplicate detection.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}
