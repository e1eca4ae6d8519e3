// Package scheduler owns the fire path: it watches the durable timer
// registry, claims due entries, delivers them through the notification
// bridge, and advances reminder state (complete one-shots, re-arm
// recurrences).
//
// The dispatch loop is event driven. It sleeps until the earliest
// registered due instant and is woken early through Wake() whenever a
// create, snooze or re-arm changes the head of the registry; it never
// polls on a fixed interval.
package scheduler
