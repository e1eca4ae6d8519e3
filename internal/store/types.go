package store

import (
	"context"
	"time"

	"remindd/internal/reminder"
)

// Config configures persistence.
//
// Driver values:
//   - "sqlite": SQLite database file (production default)
//   - "memory": process-local store (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Filter narrows List results. Zero value means "everything for this user".
type Filter struct {
	Status reminder.Status
	Limit  int
}

// Store is the reminder persistence API.
//
// Every mutation of status/due time is a single atomic compare-and-swap
// guarded by the row revision; there is deliberately no plain "update" that
// could clobber a concurrent snooze/cancel/fire.
type Store interface {
	// Create inserts r or, when its dedup key already exists, returns the
	// pre-existing reminder with deduplicated=true. It never merges state.
	Create(ctx context.Context, r reminder.Reminder) (reminder.Reminder, bool, error)

	// Get and List are user-scoped; a foreign id yields ErrNotFound.
	Get(ctx context.Context, userID, id string) (reminder.Reminder, error)
	List(ctx context.Context, userID string, f Filter) ([]reminder.Reminder, error)

	// GetByID is unscoped and reserved for the scheduler's fire path.
	GetByID(ctx context.Context, id string) (reminder.Reminder, error)

	// ListScheduled returns every active/snoozed reminder; it feeds the
	// startup reconciliation pass.
	ListScheduled(ctx context.Context) ([]reminder.Reminder, error)

	// UpdateStatus transitions status iff the stored revision equals fromRev
	// and the stored status is one of from. Mismatch: ErrStateConflict.
	UpdateStatus(ctx context.Context, id string, fromRev int64, from []reminder.Status, to reminder.Status) error

	// Reschedule moves the due instant and status under the same CAS
	// discipline; used by snooze and by recurrence re-arming.
	Reschedule(ctx context.Context, id string, fromRev int64, dueUTC time.Time, dueLocal string, to reminder.Status) error

	// AppendDelivery records one firing attempt outcome.
	AppendDelivery(ctx context.Context, d Delivery) error

	// Registry exposes the durable timer registry sharing this store's medium.
	Registry() Registry

	Close() error
}

// Entry is one pending wake-up. The (ReminderID, DueAt) pair is the claim
// key: a stale entry left behind by a snooze naturally fails to claim-match.
type Entry struct {
	ReminderID string
	UserID     string
	DueAt      time.Time
}

// Registry is the durable sorted-by-due-instant timer index.
//
// Register is idempotent so the reconciliation pass can re-run concurrently
// with live creates without clobbering anything.
type Registry interface {
	Register(ctx context.Context, e Entry) error

	// Claim atomically removes the exact (reminderID, dueAt) entry and
	// reports whether this caller won it. At-most-one winner per entry even
	// across scheduler instances sharing the medium.
	Claim(ctx context.Context, reminderID string, dueAt time.Time) (bool, error)

	// Disarm removes every entry for the reminder (cancel/complete path).
	Disarm(ctx context.Context, reminderID string) error

	NextDue(ctx context.Context) (time.Time, bool, error)
	DueBefore(ctx context.Context, now time.Time, limit int) ([]Entry, error)

	// Pending counts live entries for one reminder (invariant checks).
	Pending(ctx context.Context, reminderID string) (int, error)
}

// Delivery is the audit record of one firing.
type Delivery struct {
	ReminderID string
	UserID     string
	DueAt      time.Time
	FiredAt    time.Time
	Lag        time.Duration
	Attempts   int
	OK         bool
	Error      string
}
