package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	reg *sqliteRegistry
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	st.reg = &sqliteRegistry{db: db}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Registry() Registry { return s.reg }

const reminderCols = `id, user_id, title, body, due_at_ms, due_at_local, timezone, repeat_rule, status, dedup_key, revision, created_at, updated_at`

func (s *sqliteStore) Create(ctx context.Context, r reminder.Reminder) (reminder.Reminder, bool, error) {
	now := time.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	if r.Revision == 0 {
		r.Revision = 1
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+reminderCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(dedup_key) DO NOTHING`,
		r.ID, r.UserID, r.Title, r.Body, r.DueAtUTC.UnixMilli(), r.DueAtLocal, r.Timezone,
		r.RepeatRule, string(r.Status), r.DedupKey, r.Revision,
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return reminder.Reminder{}, false, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Duplicate content: hand back the pre-existing reminder untouched.
		existing, err := s.getWhere(ctx, `dedup_key = ?`, r.DedupKey)
		if err != nil {
			return reminder.Reminder{}, false, err
		}
		return existing, true, nil
	}
	return r, false, nil
}

func (s *sqliteStore) Get(ctx context.Context, userID, id string) (reminder.Reminder, error) {
	return s.getWhere(ctx, `id = ? AND user_id = ?`, id, userID)
}

func (s *sqliteStore) GetByID(ctx context.Context, id string) (reminder.Reminder, error) {
	return s.getWhere(ctx, `id = ?`, id)
}

func (s *sqliteStore) getWhere(ctx context.Context, where string, args ...any) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE `+where, args...)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) List(ctx context.Context, userID string, f Filter) ([]reminder.Reminder, error) {
	q := `SELECT ` + reminderCols + ` FROM reminders WHERE user_id = ?`
	args := []any{userID}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY due_at_ms ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryReminders(ctx, q, args...)
}

func (s *sqliteStore) ListScheduled(ctx context.Context) ([]reminder.Reminder, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE status IN (?,?) ORDER BY due_at_ms ASC`,
		string(reminder.StatusActive), string(reminder.StatusSnoozed),
	)
}

func (s *sqliteStore) queryReminders(ctx context.Context, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, fromRev int64, from []reminder.Status, to reminder.Status) error {
	q := `UPDATE reminders SET status = ?, revision = revision + 1, updated_at = ?
	      WHERE id = ? AND revision = ?` + statusGuard(from)
	args := []any{string(to), time.Now().UnixMilli(), id, fromRev}
	args = append(args, statusArgs(from)...)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	return s.casOutcome(ctx, res, id)
}

func (s *sqliteStore) Reschedule(ctx context.Context, id string, fromRev int64, dueUTC time.Time, dueLocal string, to reminder.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET due_at_ms = ?, due_at_local = ?, status = ?, revision = revision + 1, updated_at = ?
		 WHERE id = ? AND revision = ?`,
		dueUTC.UnixMilli(), dueLocal, string(to), time.Now().UnixMilli(), id, fromRev,
	)
	if err != nil {
		return err
	}
	return s.casOutcome(ctx, res, id)
}

// casOutcome turns "zero rows updated" into the precise error: the row is
// either gone (ErrNotFound) or someone else won the race (ErrStateConflict).
func (s *sqliteStore) casOutcome(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM reminders WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return reminder.ErrNotFound
	}
	return reminder.ErrStateConflict
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, d Delivery) error {
	if d.FiredAt.IsZero() {
		d.FiredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(reminder_id, user_id, due_at_ms, fired_at_ms, lag_ms, attempts, ok, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		d.ReminderID, d.UserID, d.DueAt.UnixMilli(), d.FiredAt.UnixMilli(),
		d.Lag.Milliseconds(), d.Attempts, boolInt(d.OK), nullStr(d.Error),
	)
	return err
}

// ---- timer registry ----

type sqliteRegistry struct {
	db *sql.DB
}

func (g *sqliteRegistry) Register(ctx context.Context, e Entry) error {
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO timers(reminder_id, due_at_ms, user_id) VALUES(?,?,?)
		 ON CONFLICT(reminder_id, due_at_ms) DO NOTHING`,
		e.ReminderID, e.DueAt.UnixMilli(), e.UserID,
	)
	return err
}

func (g *sqliteRegistry) Claim(ctx context.Context, reminderID string, dueAt time.Time) (bool, error) {
	res, err := g.db.ExecContext(ctx,
		`DELETE FROM timers WHERE reminder_id = ? AND due_at_ms = ?`,
		reminderID, dueAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *sqliteRegistry) Disarm(ctx context.Context, reminderID string) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM timers WHERE reminder_id = ?`, reminderID)
	return err
}

func (g *sqliteRegistry) NextDue(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := g.db.QueryRowContext(ctx, `SELECT MIN(due_at_ms) FROM timers`).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (g *sqliteRegistry) DueBefore(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := g.db.QueryContext(ctx,
		`SELECT reminder_id, due_at_ms, user_id FROM timers WHERE due_at_ms <= ? ORDER BY due_at_ms ASC LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.ReminderID, &ms, &e.UserID); err != nil {
			return nil, err
		}
		e.DueAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (g *sqliteRegistry) Pending(ctx context.Context, reminderID string) (int, error) {
	var n int
	err := g.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM timers WHERE reminder_id = ?`, reminderID).Scan(&n)
	return n, err
}

// ---- helpers ----

func scanReminder(row interface{ Scan(...any) error }) (reminder.Reminder, error) {
	var (
		r                         reminder.Reminder
		status                    string
		dueMS, createMS, updateMS int64
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Title, &r.Body, &dueMS, &r.DueAtLocal, &r.Timezone,
		&r.RepeatRule, &status, &r.DedupKey, &r.Revision, &createMS, &updateMS)
	if err != nil {
		return reminder.Reminder{}, err
	}
	r.DueAtUTC = time.UnixMilli(dueMS).UTC()
	r.Status = reminder.Status(status)
	r.CreatedAt = time.UnixMilli(createMS)
	r.UpdatedAt = time.UnixMilli(updateMS)
	return r, nil
}

func statusGuard(from []reminder.Status) string {
	if len(from) == 0 {
		return ""
	}
	return ` AND status IN (?` + strings.Repeat(",?", len(from)-1) + `)`
}

func statusArgs(from []reminder.Status) []any {
	args := make([]any, 0, len(from))
	for _, st := range from {
		args = append(args, string(st))
	}
	return args
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
