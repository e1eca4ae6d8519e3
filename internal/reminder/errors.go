package reminder

import "errors"

// Error taxonomy shared across store, scheduler and the API surface.
//
// Duplicate creation is NOT represented here: it is a flagged successful
// outcome (Create returns the pre-existing reminder plus deduplicated=true).
var (
	// ErrInvalidRecurrenceRule rejects a malformed RRULE at creation time.
	// A parse failure at fire time for an already-accepted rule is a bug and
	// is alerted, never mapped to this error.
	ErrInvalidRecurrenceRule = errors.New("invalid recurrence rule")

	// ErrStateConflict means a compare-and-swap transition lost a race
	// (concurrent snooze/cancel/fire) or targeted a terminal reminder.
	// Callers treat it as a no-op or retry after re-reading.
	ErrStateConflict = errors.New("reminder state conflict")

	ErrNotFound = errors.New("reminder not found")

	// ErrForbidden marks an ownership violation (id exists, wrong user).
	ErrForbidden = errors.New("reminder access forbidden")
)
