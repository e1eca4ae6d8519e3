package scheduler

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"

	"remindd/internal/eventbus"
	"remindd/internal/reminder"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

func (c *Core) worker(ctx context.Context, stopCh <-chan struct{}, queue chan fireJob) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			c.fire(ctx, j)
		}
	}
}

// fire handles one claimed due instant end to end: load, deliver, record,
// advance. The claim already guarantees at-most-one worker per instant;
// everything past the load re-validates against the live row because a
// snooze or cancel may have raced the sweep.
func (c *Core) fire(ctx context.Context, j fireJob) {
	log := c.log.With(logx.String("reminder", j.entry.ReminderID))

	r, err := c.st.GetByID(ctx, j.entry.ReminderID)
	if errors.Is(err, reminder.ErrNotFound) {
		log.Debug("claimed entry has no reminder row; dropping")
		return
	}
	if err != nil {
		log.Error("reminder load failed; claim dropped", logx.Err(err))
		return
	}
	if !r.Status.Scheduled() {
		// Cancelled or completed after the entry was registered. The claim
		// already removed the timer; nothing to deliver.
		log.Debug("reminder no longer scheduled; dropping claim", logx.String("status", string(r.Status)))
		return
	}
	if !r.DueAtUTC.Equal(j.entry.DueAt) {
		// Snoozed between sweep and claim: this instant is superseded and
		// the snooze registered its own entry.
		log.Debug("due instant superseded; dropping claim")
		return
	}

	attempts, derr := c.deliver(ctx, r)
	firedAt := c.clk.Now()
	lag := firedAt.Sub(j.entry.DueAt)
	if c.slo != nil {
		c.slo.Record(lag)
	}

	d := store.Delivery{
		ReminderID: r.ID,
		UserID:     r.UserID,
		DueAt:      j.entry.DueAt,
		FiredAt:    firedAt,
		Lag:        lag,
		Attempts:   attempts,
		OK:         derr == nil,
	}
	if derr != nil {
		d.Error = derr.Error()
		if c.slo != nil {
			c.slo.IncFailed()
		}
		// The instant still counts as handled: retrying past this point
		// would turn one flaky delivery into a stuck reminder.
		log.Warn("delivery failed; advancing anyway", logx.Int("attempts", attempts), logx.Err(derr))
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Time: firedAt, Data: d})
		}
	} else {
		if c.slo != nil {
			c.slo.IncFired()
		}
		log.Info("reminder fired", logx.Duration("lag", lag), logx.Int("attempts", attempts))
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderFired, Time: firedAt, Data: d})
		}
	}
	if aerr := c.st.AppendDelivery(ctx, d); aerr != nil {
		log.Warn("delivery audit append failed", logx.Err(aerr))
	}

	c.advance(ctx, r, log)
}

// deliver pushes through the bridge with bounded exponential retries.
func (c *Core) deliver(ctx context.Context, r reminder.Reminder) (int, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	attempts := 0
	op := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, cfg.DeliverTimeout)
		err := c.br.Deliver(callCtx, r.UserID, r.ID, r.Title, r.Body)
		cancel()
		if err != nil && ctx.Err() != nil {
			// Shutdown, not a transport failure: stop retrying.
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryBase
	bo.MaxInterval = cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(cfg.RetryMax)), ctx))
	return attempts, err
}

// advance moves the reminder past the fired instant: one-shots complete,
// recurrences re-arm at the next occurrence. Every transition is a CAS on
// the revision observed before delivery, so a concurrent snooze or cancel
// wins cleanly and this becomes a logged no-op.
func (c *Core) advance(ctx context.Context, r reminder.Reminder, log logx.Logger) {
	scheduled := []reminder.Status{reminder.StatusActive, reminder.StatusSnoozed}

	if !r.Recurring() {
		err := c.st.UpdateStatus(ctx, r.ID, r.Revision, scheduled, reminder.StatusCompleted)
		switch {
		case errors.Is(err, reminder.ErrStateConflict):
			log.Debug("completion lost to a concurrent transition")
		case err != nil:
			log.Error("completion failed", logx.Err(err))
		}
		return
	}

	loc, err := r.Location()
	if err != nil {
		log.Error("timezone load failed; recurrence disarmed", logx.String("tz", r.Timezone), logx.Err(err))
		return
	}
	due := r.DueAtUTC.In(loc)
	next, ok, err := c.rec.Next(r.RepeatRule, due, loc, due)
	if err != nil {
		// The rule validated at creation time, so failing here means stored
		// data was corrupted or zone/library behavior changed underneath us.
		// Alert operators; the reminder stays visible but disarmed.
		log.Error("recurrence expansion failed at fire time", logx.String("rule", r.RepeatRule), logx.Err(err))
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{
				Type: eventbus.TypeRuleParseFatal,
				Time: c.clk.Now(),
				Data: RuleFatalEvent{ReminderID: r.ID, Rule: r.RepeatRule, Error: err.Error()},
			})
		}
		return
	}
	if !ok {
		// COUNT/UNTIL exhausted: the series ends with this firing.
		err := c.st.UpdateStatus(ctx, r.ID, r.Revision, scheduled, reminder.StatusCompleted)
		switch {
		case errors.Is(err, reminder.ErrStateConflict):
			log.Debug("series completion lost to a concurrent transition")
		case err != nil:
			log.Error("series completion failed", logx.Err(err))
		}
		return
	}

	local := next.In(loc).Format(reminder.LocalLayout)
	if err := c.st.Reschedule(ctx, r.ID, r.Revision, next, local, reminder.StatusActive); err != nil {
		if errors.Is(err, reminder.ErrStateConflict) {
			log.Debug("re-arm lost to a concurrent transition")
			return
		}
		log.Error("re-arm failed", logx.Err(err))
		return
	}
	if err := c.Arm(ctx, r.ID, r.UserID, next); err != nil {
		// The reconcile sweep restores the timer from the rescheduled row.
		log.Error("re-arm timer register failed", logx.Err(err))
		return
	}
	log.Debug("recurrence re-armed", logx.Time("next", next))
}
