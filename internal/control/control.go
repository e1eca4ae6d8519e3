// Package control implements the user-facing reminder operations:
// create, snooze, cancel, complete, and the read paths. It owns input
// validation and the CAS discipline; the scheduler core only ever sees
// rows this package has already transitioned.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"remindd/internal/recurrence"
	"remindd/internal/reminder"
	"remindd/internal/scheduler"
	"remindd/internal/slo"
	"remindd/internal/store"
	logx "remindd/pkg/logx"
)

// ErrInvalidArgument rejects malformed input (empty title, bad timezone,
// unparseable due time, non-positive snooze duration).
var ErrInvalidArgument = errors.New("invalid argument")

// MaxSnooze bounds a single snooze so a typo can't push a reminder years
// out.
const MaxSnooze = 28 * 24 * time.Hour

// Config tunes validation limits.
type Config struct {
	MaxTitleLen int
	MaxBodyLen  int
}

type Service struct {
	cfg   Config
	st    store.Store
	core  *scheduler.Core
	rules *recurrence.Engine
	slo   *slo.Tracker
	clk   scheduler.Clock
	log   logx.Logger
}

func New(cfg Config, st store.Store, core *scheduler.Core, rules *recurrence.Engine, tracker *slo.Tracker, clk scheduler.Clock, log logx.Logger) *Service {
	if cfg.MaxTitleLen <= 0 {
		cfg.MaxTitleLen = 256
	}
	if cfg.MaxBodyLen <= 0 {
		cfg.MaxBodyLen = 4096
	}
	if clk == nil {
		clk = scheduler.SystemClock()
	}
	return &Service{
		cfg:   cfg,
		st:    st,
		core:  core,
		rules: rules,
		slo:   tracker,
		clk:   clk,
		log:   log.With(logx.String("comp", "control")),
	}
}

// CreateRequest carries one reminder creation. DueLocal is wall-clock
// time in Timezone, "2006-01-02T15:04:05" layout.
type CreateRequest struct {
	UserID     string
	Title      string
	Body       string
	DueLocal   string
	Timezone   string
	RepeatRule string
}

// Create validates, persists and arms a reminder. The second result is
// true when an identical reminder (same user, normalized title and due
// instant) already existed; the pre-existing one is returned unchanged.
func (s *Service) Create(ctx context.Context, req CreateRequest) (reminder.Reminder, bool, error) {
	title := strings.TrimSpace(req.Title)
	if req.UserID == "" {
		return reminder.Reminder{}, false, fmt.Errorf("%w: user id required", ErrInvalidArgument)
	}
	if title == "" {
		return reminder.Reminder{}, false, fmt.Errorf("%w: title required", ErrInvalidArgument)
	}
	if len(title) > s.cfg.MaxTitleLen {
		return reminder.Reminder{}, false, fmt.Errorf("%w: title exceeds %d bytes", ErrInvalidArgument, s.cfg.MaxTitleLen)
	}
	if len(req.Body) > s.cfg.MaxBodyLen {
		return reminder.Reminder{}, false, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidArgument, s.cfg.MaxBodyLen)
	}

	tz := strings.TrimSpace(req.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return reminder.Reminder{}, false, fmt.Errorf("%w: unknown timezone %q", ErrInvalidArgument, tz)
	}
	local, err := time.ParseInLocation(reminder.LocalLayout, strings.TrimSpace(req.DueLocal), loc)
	if err != nil {
		return reminder.Reminder{}, false, fmt.Errorf("%w: due time must match %s", ErrInvalidArgument, reminder.LocalLayout)
	}
	if err := s.rules.Validate(req.RepeatRule); err != nil {
		return reminder.Reminder{}, false, err
	}

	now := s.clk.Now().UTC()
	r := reminder.Reminder{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Title:      title,
		Body:       req.Body,
		Timezone:   tz,
		RepeatRule: strings.TrimSpace(req.RepeatRule),
		Status:     reminder.StatusActive,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.SetDue(local, loc)
	r.DedupKey = reminder.DedupKeyFor(r.UserID, r.Title, r.DueAtUTC)

	stored, deduped, err := s.st.Create(ctx, r)
	if err != nil {
		return reminder.Reminder{}, false, err
	}
	if deduped {
		if s.slo != nil {
			s.slo.IncDeduplicated()
		}
		s.log.Debug("create deduplicated", logx.String("reminder", stored.ID), logx.String("user", stored.UserID))
		return stored, true, nil
	}
	if s.slo != nil {
		s.slo.IncCreated()
	}
	if err := s.core.Arm(ctx, stored.ID, stored.UserID, stored.DueAtUTC); err != nil {
		// The row is durable; the reconcile sweep re-arms it. Surfacing an
		// error here would make the client retry and hit the dedup path.
		s.log.Warn("arm after create failed", logx.String("reminder", stored.ID), logx.Err(err))
	}
	s.log.Info("reminder created",
		logx.String("reminder", stored.ID),
		logx.String("user", stored.UserID),
		logx.Time("due", stored.DueAtUTC),
		logx.Bool("recurring", stored.Recurring()))
	return stored, false, nil
}

// Snooze pushes the reminder's due instant to now+d. Exactly one of two
// concurrent snoozes wins; the loser gets ErrStateConflict and should
// re-read.
func (s *Service) Snooze(ctx context.Context, userID, id string, d time.Duration) (reminder.Reminder, error) {
	if d <= 0 {
		return reminder.Reminder{}, fmt.Errorf("%w: snooze duration must be positive", ErrInvalidArgument)
	}
	if d > MaxSnooze {
		return reminder.Reminder{}, fmt.Errorf("%w: snooze duration exceeds %s", ErrInvalidArgument, MaxSnooze)
	}

	r, err := s.st.Get(ctx, userID, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if !r.Status.Scheduled() {
		return reminder.Reminder{}, fmt.Errorf("%w: cannot snooze %s reminder", reminder.ErrStateConflict, r.Status)
	}
	loc, err := r.Location()
	if err != nil {
		return reminder.Reminder{}, err
	}

	newDue := s.clk.Now().Add(d).UTC()
	local := newDue.In(loc).Format(reminder.LocalLayout)
	if err := s.st.Reschedule(ctx, id, r.Revision, newDue, local, reminder.StatusSnoozed); err != nil {
		return reminder.Reminder{}, err
	}

	// Swap timers: the old instant must never fire, the new one must.
	// Disarm-then-arm is safe against the dispatcher because a claim on the
	// old instant no longer matches the row's due time.
	if err := s.core.Disarm(ctx, id); err != nil {
		s.log.Warn("disarm during snooze failed", logx.String("reminder", id), logx.Err(err))
	}
	if err := s.core.Arm(ctx, id, r.UserID, newDue); err != nil {
		s.log.Warn("arm during snooze failed", logx.String("reminder", id), logx.Err(err))
	}

	s.log.Info("reminder snoozed", logx.String("reminder", id), logx.String("user", userID), logx.Duration("for", d), logx.Time("due", newDue))
	return s.st.Get(ctx, userID, id)
}

// Cancel transitions to cancelled and drops pending timers. Cancelling an
// already-cancelled reminder is an idempotent success; a completed one is
// a conflict.
func (s *Service) Cancel(ctx context.Context, userID, id string) (reminder.Reminder, error) {
	r, err := s.st.Get(ctx, userID, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if r.Status == reminder.StatusCancelled {
		return r, nil
	}
	if r.Status == reminder.StatusCompleted {
		return reminder.Reminder{}, fmt.Errorf("%w: reminder already completed", reminder.ErrStateConflict)
	}
	return s.finish(ctx, userID, id, r.Revision, reminder.StatusCancelled)
}

// Complete marks the reminder done ahead of its due time.
func (s *Service) Complete(ctx context.Context, userID, id string) (reminder.Reminder, error) {
	r, err := s.st.Get(ctx, userID, id)
	if err != nil {
		return reminder.Reminder{}, err
	}
	if r.Status == reminder.StatusCompleted {
		return r, nil
	}
	if r.Status == reminder.StatusCancelled {
		return reminder.Reminder{}, fmt.Errorf("%w: reminder already cancelled", reminder.ErrStateConflict)
	}
	return s.finish(ctx, userID, id, r.Revision, reminder.StatusCompleted)
}

func (s *Service) finish(ctx context.Context, userID, id string, rev int64, to reminder.Status) (reminder.Reminder, error) {
	scheduled := []reminder.Status{reminder.StatusActive, reminder.StatusSnoozed}
	if err := s.st.UpdateStatus(ctx, id, rev, scheduled, to); err != nil {
		return reminder.Reminder{}, err
	}
	if err := s.core.Disarm(ctx, id); err != nil {
		// Harmless leftover: a stale entry fails its claim match against the
		// terminal row and is dropped by the dispatcher.
		s.log.Warn("disarm failed", logx.String("reminder", id), logx.Err(err))
	}
	s.log.Info("reminder "+string(to), logx.String("reminder", id), logx.String("user", userID))
	return s.st.Get(ctx, userID, id)
}

// Get returns one reminder, scoped to its owner.
func (s *Service) Get(ctx context.Context, userID, id string) (reminder.Reminder, error) {
	return s.st.Get(ctx, userID, id)
}

// List returns the user's reminders, optionally filtered by status.
func (s *Service) List(ctx context.Context, userID string, status reminder.Status, limit int) ([]reminder.Reminder, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, status)
	}
	return s.st.List(ctx, userID, store.Filter{Status: status, Limit: limit})
}
