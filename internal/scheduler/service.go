package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"remindd/internal/eventbus"
	"remindd/internal/store"
	logx "remindd/pkg/logx"

	rtsup "remindd/internal/runtime/supervisor"
)

func New(cfg Config, d Deps) *Core {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 15 * time.Second
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 10 * time.Second
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = 64
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = time.Minute
	}
	if cfg.ReconcileSpec == "" {
		cfg.ReconcileSpec = "@every 1m"
	}
	if cfg.ReportSpec == "" {
		cfg.ReportSpec = "@every 5m"
	}
	clk := d.Clock
	if clk == nil {
		clk = SystemClock()
	}
	return &Core{
		cfg: cfg,
		st:  d.Store,
		br:  d.Bridge,
		rec: d.Rules,
		slo: d.SLO,
		bus: d.Bus,
		clk: clk,
		log: d.Log.With(logx.String("comp", "scheduler")),
		// Buffer of one: a wake that arrives mid-dispatch still forces one
		// more registry check, and duplicates coalesce.
		wake: make(chan struct{}, 1),
	}
}

// Wake nudges the dispatch loop to re-read the registry head. Call after
// any registration that may have moved the earliest due instant forward.
func (c *Core) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Arm registers the reminder's current due instant and wakes the loop.
func (c *Core) Arm(ctx context.Context, reminderID, userID string, dueAt time.Time) error {
	if err := c.st.Registry().Register(ctx, store.Entry{ReminderID: reminderID, UserID: userID, DueAt: dueAt}); err != nil {
		return err
	}
	c.Wake()
	return nil
}

// Disarm drops every registered instant for the reminder.
func (c *Core) Disarm(ctx context.Context, reminderID string) error {
	return c.st.Registry().Disarm(ctx, reminderID)
}

// Apply swaps config at runtime. Worker/queue changes take a restart;
// retry and housekeeping knobs apply to the next firing.
func (c *Core) Apply(ctx context.Context, cfg Config) {
	c.mu.Lock()
	prev := c.cfg
	c.cfg = cfg
	running := c.stopCh != nil && c.stopDone == nil
	c.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize ||
		prev.ReconcileSpec != cfg.ReconcileSpec || prev.ReportSpec != cfg.ReportSpec {
		c.Stop(ctx)
		c.Start(ctx)
	}
}

func (c *Core) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.stopCh != nil {
		done := c.stopDone
		c.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		c.mu.Lock()
		if c.stopCh != nil {
			c.mu.Unlock()
			return
		}
	}
	cfg := c.cfg

	c.q = make(chan fireJob, cfg.QueueSize)
	c.stopCh = make(chan struct{})
	c.stopDone = nil
	stopCh := c.stopCh
	queue := c.q

	c.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(c.log),
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup

	c.cr = cron.New()
	if _, err := c.cr.AddFunc(cfg.ReconcileSpec, func() { c.reconcileSweep() }); err != nil {
		c.log.Warn("reconcile job not scheduled", logx.String("spec", cfg.ReconcileSpec), logx.Err(err))
	}
	if _, err := c.cr.AddFunc(cfg.ReportSpec, func() { c.reportSLO() }); err != nil {
		c.log.Warn("slo report job not scheduled", logx.String("spec", cfg.ReportSpec), logx.Err(err))
	}
	cr := c.cr
	c.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		name := fmt.Sprintf("fire.%d", idx)
		sup.GoRestart(name, func(cc context.Context) error {
			c.worker(cc, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if cc.Err() != nil {
				return cc.Err()
			}
			return errors.New("fire worker exited unexpectedly")
		})
	}
	sup.GoRestart("dispatch", func(cc context.Context) error {
		c.loop(cc, stopCh)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if cc.Err() != nil {
			return cc.Err()
		}
		return errors.New("dispatch loop exited unexpectedly")
	})
	cr.Start()

	// Recover timers for reminders that were scheduled when the previous
	// process died. Runs before the loop's first sleep can go idle.
	if n, err := c.Reconcile(ctx); err != nil {
		c.log.Error("startup reconciliation failed", logx.Err(err))
	} else if n > 0 {
		c.log.Info("startup reconciliation complete", logx.Int("registered", n))
	}

	c.log.Info("scheduler started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

func (c *Core) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	if c.stopDone != nil {
		done := c.stopDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	c.stopDone = done
	close(c.stopCh)
	sup := c.sup
	cr := c.cr
	c.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		c.mu.Lock()
		c.q = nil
		c.stopCh = nil
		c.stopDone = nil
		c.sup = nil
		c.cr = nil
		c.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		c.log.Info("scheduler stopped")
	case <-ctx.Done():
		c.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Reconcile re-registers a timer for every active/snoozed reminder.
// Register is idempotent, so running this concurrently with live traffic
// is harmless; entries that already exist are left alone.
func (c *Core) Reconcile(ctx context.Context) (int, error) {
	rows, err := c.st.ListScheduled(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rows {
		if err := c.st.Registry().Register(ctx, store.Entry{ReminderID: r.ID, UserID: r.UserID, DueAt: r.DueAtUTC}); err != nil {
			c.log.Warn("reconcile register failed", logx.String("reminder", r.ID), logx.Err(err))
			continue
		}
		n++
	}
	if n > 0 {
		c.Wake()
	}
	return n, nil
}

func (c *Core) reconcileSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := c.Reconcile(ctx); err != nil {
		c.log.Warn("periodic reconciliation failed", logx.Err(err))
	}
}

func (c *Core) reportSLO() {
	if c.slo == nil {
		return
	}
	snap := c.slo.Snapshot()
	p95 := c.slo.Quantile(0.95)
	fields := []logx.Field{
		logx.Uint64("fired", snap.Fired),
		logx.Uint64("failed", snap.Failed),
		logx.Int64("lag_p95_ms", snap.P95MS),
		logx.Int64("lag_max_ms", snap.MaxMS),
	}
	if snap.Fired > 0 && p95 > c.slo.Target() {
		c.log.Warn("firing lag slo breached", fields...)
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{
				Type: eventbus.TypeSLOBreach,
				Time: c.clk.Now(),
				Data: BreachEvent{P95: p95, Target: c.slo.Target(), Fired: snap.Fired},
			})
		}
		return
	}
	c.log.Info("firing lag report", fields...)
}

// loop is the single dispatcher: sweep due entries, then sleep until the
// registry head comes due, a Wake() arrives, or IdleWait elapses.
func (c *Core) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		c.dispatchDue(ctx, stopCh)

		c.mu.Lock()
		idle := c.cfg.IdleWait
		c.mu.Unlock()

		wait := idle
		next, ok, err := c.st.Registry().NextDue(ctx)
		if err != nil {
			c.log.Warn("registry head read failed", logx.Err(err))
			wait = time.Second
		} else if ok {
			wait = next.Sub(c.clk.Now())
			if wait <= 0 {
				continue
			}
			if wait > idle {
				wait = idle
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-c.wake:
		case <-c.clk.After(wait):
		}
	}
}

func (c *Core) dispatchDue(ctx context.Context, stopCh <-chan struct{}) {
	c.mu.Lock()
	batch := c.cfg.DispatchBatch
	queue := c.q
	c.mu.Unlock()
	if queue == nil {
		return
	}

	entries, err := c.st.Registry().DueBefore(ctx, c.clk.Now(), batch)
	if err != nil {
		c.log.Warn("due sweep failed", logx.Err(err))
		return
	}
	for _, e := range entries {
		won, err := c.st.Registry().Claim(ctx, e.ReminderID, e.DueAt)
		if err != nil {
			c.log.Warn("claim failed", logx.String("reminder", e.ReminderID), logx.Err(err))
			continue
		}
		if !won {
			// Another dispatcher (or a snooze) got here first.
			continue
		}
		select {
		case queue <- fireJob{entry: e}:
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		}
	}
}
