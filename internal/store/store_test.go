package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqliteStore, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "remindd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqliteStore,
	}
}

func newTestReminder(user, title string, due time.Time) reminder.Reminder {
	r := reminder.Reminder{
		ID:       user + "-" + reminder.NormalizeTitle(title),
		UserID:   user,
		Title:    title,
		Status:   reminder.StatusActive,
		Revision: 1,
	}
	r.SetDue(due, time.UTC)
	r.DedupKey = reminder.DedupKeyFor(user, title, r.DueAtUTC)
	return r
}

func TestCreateDeduplicates(t *testing.T) {
	t.Parallel()
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			due := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

			first := newTestReminder("u1", "Pay rent", due)
			created, deduped, err := st.Create(ctx, first)
			if err != nil || deduped {
				t.Fatalf("first create = (%v, %v), want fresh row", deduped, err)
			}

			// Same content, different candidate id: must hand back the
			// original row, not insert a second one.
			second := newTestReminder("u1", "  pay   RENT ", due)
			second.ID = "different-candidate-id"
			got, deduped, err := st.Create(ctx, second)
			if err != nil {
				t.Fatalf("second create error: %v", err)
			}
			if !deduped {
				t.Fatal("expected deduplicated=true")
			}
			if got.ID != created.ID {
				t.Fatalf("got id %s, want original %s", got.ID, created.ID)
			}

			// Different due instant is a genuinely new reminder.
			third := newTestReminder("u1", "Pay rent", due.Add(time.Hour))
			if _, deduped, err = st.Create(ctx, third); err != nil || deduped {
				t.Fatalf("third create = (%v, %v), want fresh row", deduped, err)
			}
		})
	}
}

func TestGetIsUserScoped(t *testing.T) {
	t.Parallel()
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newTestReminder("owner", "Water plants", time.Now().Add(time.Hour))
			if _, _, err := st.Create(ctx, r); err != nil {
				t.Fatalf("create: %v", err)
			}

			if _, err := st.Get(ctx, "owner", r.ID); err != nil {
				t.Fatalf("owner get: %v", err)
			}
			if _, err := st.Get(ctx, "intruder", r.ID); !errors.Is(err, reminder.ErrNotFound) {
				t.Fatalf("foreign get = %v, want ErrNotFound", err)
			}
			if _, err := st.GetByID(ctx, r.ID); err != nil {
				t.Fatalf("unscoped get: %v", err)
			}
		})
	}
}

func TestUpdateStatusCAS(t *testing.T) {
	t.Parallel()
	scheduled := []reminder.Status{reminder.StatusActive, reminder.StatusSnoozed}
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newTestReminder("u1", "Dentist", time.Now().Add(time.Hour))
			created, _, err := st.Create(ctx, r)
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			if err := st.UpdateStatus(ctx, created.ID, created.Revision, scheduled, reminder.StatusCancelled); err != nil {
				t.Fatalf("first transition: %v", err)
			}

			// Same revision again: the CAS must lose.
			err = st.UpdateStatus(ctx, created.ID, created.Revision, scheduled, reminder.StatusCompleted)
			if !errors.Is(err, reminder.ErrStateConflict) {
				t.Fatalf("stale revision = %v, want ErrStateConflict", err)
			}

			// Fresh revision but terminal status: guard must reject.
			cur, err := st.GetByID(ctx, created.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			err = st.UpdateStatus(ctx, created.ID, cur.Revision, scheduled, reminder.StatusCompleted)
			if !errors.Is(err, reminder.ErrStateConflict) {
				t.Fatalf("terminal transition = %v, want ErrStateConflict", err)
			}

			if err := st.UpdateStatus(ctx, "no-such-id", 1, scheduled, reminder.StatusCancelled); !errors.Is(err, reminder.ErrNotFound) {
				t.Fatalf("missing id = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRescheduleBumpsRevision(t *testing.T) {
	t.Parallel()
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newTestReminder("u1", "Standup", time.Now().Add(time.Hour))
			created, _, err := st.Create(ctx, r)
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			newDue := created.DueAtUTC.Add(30 * time.Minute)
			local := newDue.Format(reminder.LocalLayout)
			if err := st.Reschedule(ctx, created.ID, created.Revision, newDue, local, reminder.StatusSnoozed); err != nil {
				t.Fatalf("reschedule: %v", err)
			}

			// Exactly one of two concurrent snoozes reading the same
			// revision can win.
			err = st.Reschedule(ctx, created.ID, created.Revision, newDue.Add(time.Minute), local, reminder.StatusSnoozed)
			if !errors.Is(err, reminder.ErrStateConflict) {
				t.Fatalf("second CAS = %v, want ErrStateConflict", err)
			}

			cur, err := st.Get(ctx, "u1", created.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if cur.Status != reminder.StatusSnoozed {
				t.Fatalf("status = %s, want snoozed", cur.Status)
			}
			if !cur.DueAtUTC.Equal(newDue.UTC().Truncate(time.Millisecond)) && !cur.DueAtUTC.Equal(newDue.UTC()) {
				t.Fatalf("due = %v, want %v", cur.DueAtUTC, newDue)
			}
			if cur.Revision != created.Revision+1 {
				t.Fatalf("revision = %d, want %d", cur.Revision, created.Revision+1)
			}
		})
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	t.Parallel()
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

			later := newTestReminder("u1", "later", base.Add(2*time.Hour))
			sooner := newTestReminder("u1", "sooner", base)
			other := newTestReminder("u2", "other user", base.Add(time.Hour))
			for _, r := range []reminder.Reminder{later, sooner, other} {
				if _, _, err := st.Create(ctx, r); err != nil {
					t.Fatalf("create %s: %v", r.Title, err)
				}
			}
			cancelled, _, err := st.Create(ctx, newTestReminder("u1", "cancelled", base.Add(3*time.Hour)))
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.UpdateStatus(ctx, cancelled.ID, cancelled.Revision, nil, reminder.StatusCancelled); err != nil {
				t.Fatalf("cancel: %v", err)
			}

			all, err := st.List(ctx, "u1", Filter{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("len = %d, want 3 (u2's rows excluded)", len(all))
			}
			for i := 1; i < len(all); i++ {
				if all[i].DueAtUTC.Before(all[i-1].DueAtUTC) {
					t.Fatal("list not ordered by due instant")
				}
			}

			active, err := st.List(ctx, "u1", Filter{Status: reminder.StatusActive})
			if err != nil {
				t.Fatalf("list active: %v", err)
			}
			if len(active) != 2 {
				t.Fatalf("active len = %d, want 2", len(active))
			}

			limited, err := st.List(ctx, "u1", Filter{Limit: 1})
			if err != nil {
				t.Fatalf("list limited: %v", err)
			}
			if len(limited) != 1 || limited[0].Title != "sooner" {
				t.Fatalf("limited = %+v, want just the soonest", limited)
			}

			sched, err := st.ListScheduled(ctx)
			if err != nil {
				t.Fatalf("list scheduled: %v", err)
			}
			if len(sched) != 3 {
				t.Fatalf("scheduled len = %d, want 3 (cancelled excluded)", len(sched))
			}
		})
	}
}

func TestRegistryClaimSemantics(t *testing.T) {
	t.Parallel()
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := st.Registry()
			due := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
			e := Entry{ReminderID: "rem-1", UserID: "u1", DueAt: due}

			if err := reg.Register(ctx, e); err != nil {
				t.Fatalf("register: %v", err)
			}
			// Idempotent: a reconcile pass re-registering must not add rows.
			if err := reg.Register(ctx, e); err != nil {
				t.Fatalf("re-register: %v", err)
			}
			if n, _ := reg.Pending(ctx, "rem-1"); n != 1 {
				t.Fatalf("pending = %d, want 1", n)
			}

			// A claim against a different instant (snoozed-away timer) loses.
			if won, err := reg.Claim(ctx, "rem-1", due.Add(time.Minute)); err != nil || won {
				t.Fatalf("stale claim = (%v, %v), want lose", won, err)
			}

			won, err := reg.Claim(ctx, "rem-1", due)
			if err != nil || !won {
				t.Fatalf("claim = (%v, %v), want win", won, err)
			}
			// Second claim on the same instant must lose: at most one firer.
			if won, err := reg.Claim(ctx, "rem-1", due); err != nil || won {
				t.Fatalf("double claim = (%v, %v), want lose", won, err)
			}
			if n, _ := reg.Pending(ctx, "rem-1"); n != 0 {
				t.Fatalf("pending after claim = %d, want 0", n)
			}
		})
	}
}

func TestRegistryOrdering(t *testing.T) {
	t.Parallel()
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := st.Registry()
			base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

			for i, id := range []string{"c", "a", "b"} {
				e := Entry{ReminderID: id, UserID: "u1", DueAt: base.Add(time.Duration(2-i) * time.Hour)}
				if err := reg.Register(ctx, e); err != nil {
					t.Fatalf("register %s: %v", id, err)
				}
			}

			head, ok, err := reg.NextDue(ctx)
			if err != nil || !ok {
				t.Fatalf("next due = (%v, %v)", ok, err)
			}
			if !head.Equal(base) {
				t.Fatalf("head = %v, want %v", head, base)
			}

			due, err := reg.DueBefore(ctx, base.Add(90*time.Minute), 10)
			if err != nil {
				t.Fatalf("due before: %v", err)
			}
			if len(due) != 2 {
				t.Fatalf("due len = %d, want 2", len(due))
			}
			if !due[0].DueAt.Before(due[1].DueAt) {
				t.Fatal("due entries not ordered")
			}

			if err := reg.Disarm(ctx, "b"); err != nil {
				t.Fatalf("disarm: %v", err)
			}
			if n, _ := reg.Pending(ctx, "b"); n != 0 {
				t.Fatalf("pending after disarm = %d, want 0", n)
			}
		})
	}
}

func TestAppendDelivery(t *testing.T) {
	t.Parallel()
	for name, st := range testStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := Delivery{
				ReminderID: "rem-1",
				UserID:     "u1",
				DueAt:      time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
				FiredAt:    time.Date(2026, 4, 1, 8, 0, 2, 0, time.UTC),
				Lag:        2 * time.Second,
				Attempts:   1,
				OK:         true,
			}
			if err := st.AppendDelivery(ctx, d); err != nil {
				t.Fatalf("append: %v", err)
			}
			failed := d
			failed.OK = false
			failed.Error = "chat unreachable"
			failed.Attempts = 3
			if err := st.AppendDelivery(ctx, failed); err != nil {
				t.Fatalf("append failed delivery: %v", err)
			}
		})
	}
}
