// Package store persists reminders, the durable timer registry and the
// delivery audit log.
//
// Two drivers exist behind Open(): "sqlite" (production, modernc.org/sqlite)
// and "memory" (tests and throwaway runs). Both enforce the same contracts:
// content-dedup on create, compare-and-swap status transitions keyed by
// revision, and atomic claim of (reminder_id, due_instant) registry entries.
package store
