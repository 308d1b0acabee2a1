package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Recurrence values accepted for reminders.
const (
	RecurDaily   = "daily"
	RecurWeekly  = "weekly"
	RecurMonthly = "monthly"
)

// Reminder is one scheduled reminder.
type Reminder struct {
	ID          int64      `json:"reminder_id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueAt       time.Time  `json:"due_at"`
	Recurring   string     `json:"recurring,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (r Reminder) validate() error {
	if strings.TrimSpace(r.UserID) == "" || strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("reminder user_id and title are required")
	}
	if r.DueAt.IsZero() {
		return fmt.Errorf("reminder due_at is required")
	}
	switch r.Recurring {
	case "", RecurDaily, RecurWeekly, RecurMonthly:
		return nil
	default:
		return fmt.Errorf("unsupported recurrence %q", r.Recurring)
	}
}

// next returns the following occurrence for a recurring reminder.
func (r Reminder) next() (time.Time, bool) {
	switch r.Recurring {
	case RecurDaily:
		return r.DueAt.AddDate(0, 0, 1), true
	case RecurWeekly:
		return r.DueAt.AddDate(0, 0, 7), true
	case RecurMonthly:
		return r.DueAt.AddDate(0, 1, 0), true
	default:
		return time.Time{}, false
	}
}

// CreateReminder stores r and returns it with its assigned id.
func (s *Store) CreateReminder(ctx context.Context, r Reminder) (Reminder, error) {
	if err := r.validate(); err != nil {
		return Reminder{}, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(user_id, title, description, due_at, recurring, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Title, r.Description, r.DueAt.UnixMilli(), r.Recurring, now.UnixMilli(),
	)
	if err != nil {
		return Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Reminder{}, fmt.Errorf("create reminder id: %w", err)
	}
	r.ID = id
	r.DueAt = time.UnixMilli(r.DueAt.UnixMilli()).UTC()
	r.CreatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	s.logger.Info("reminder created", "reminder_id", id, "user_id", r.UserID, "due_at", r.DueAt)
	return r, nil
}

// GetReminder returns one reminder by id.
func (s *Store) GetReminder(ctx context.Context, id int64) (Reminder, error) {
	row := s.db.QueryRowContext(ctx, reminderSelect+` WHERE reminder_id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	return r, err
}

// ActiveReminders returns the user's open reminders ordered by due time.
func (s *Store) ActiveReminders(ctx context.Context, userID string) ([]Reminder, error) {
	return s.queryReminders(ctx, reminderSelect+` WHERE user_id = ? AND completed = 0 ORDER BY due_at ASC`, userID)
}

// CompleteReminder marks the reminder done. A recurring reminder is
// rescheduled as a new open reminder at its next occurrence.
func (s *Store) CompleteReminder(ctx context.Context, userID string, id int64) (Reminder, error) {
	r, err := s.GetReminder(ctx, id)
	if err != nil {
		return Reminder{}, err
	}
	if r.UserID != userID {
		return Reminder{}, fmt.Errorf("reminder %d: %w", id, ErrNotFound)
	}
	if r.Completed {
		return r, nil
	}
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET completed = 1, completed_at = ? WHERE reminder_id = ?`,
		now.UnixMilli(), id,
	); err != nil {
		return Reminder{}, fmt.Errorf("complete reminder %d: %w", id, err)
	}
	if due, ok := r.next(); ok {
		follow := r
		follow.ID, follow.DueAt = 0, due
		if _, err := s.CreateReminder(ctx, follow); err != nil {
			return Reminder{}, fmt.Errorf("reschedule reminder %d: %w", id, err)
		}
	}
	done := time.UnixMilli(now.UnixMilli()).UTC()
	r.Completed, r.CompletedAt = true, &done
	return r, nil
}

// ClaimDueReminders returns open reminders due at or before now that were not
// yet announced, and marks them announced.
func (s *Store) ClaimDueReminders(ctx context.Context, now time.Time) ([]Reminder, error) {
	due, err := s.queryReminders(ctx,
		reminderSelect+` WHERE completed = 0 AND notified = 0 AND due_at <= ? ORDER BY due_at ASC`,
		now.UnixMilli(),
	)
	if err != nil || len(due) == 0 {
		return nil, err
	}
	for _, r := range due {
		if _, err := s.db.ExecContext(ctx, `UPDATE reminders SET notified = 1 WHERE reminder_id = ?`, r.ID); err != nil {
			return nil, fmt.Errorf("mark reminder %d notified: %w", r.ID, err)
		}
	}
	return due, nil
}

const reminderSelect = `SELECT reminder_id, user_id, title, description, due_at, recurring, completed, completed_at, created_at FROM reminders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var (
		r         Reminder
		due       int64
		created   int64
		completed int
		doneAt    sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &due, &r.Recurring, &completed, &doneAt, &created); err != nil {
		return Reminder{}, err
	}
	r.DueAt = time.UnixMilli(due).UTC()
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.Completed = completed != 0
	if doneAt.Valid {
		t := time.UnixMilli(doneAt.Int64).UTC()
		r.CompletedAt = &t
	}
	return r, nil
}

func (s *Store) queryReminders(ctx context.Context, query string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return out, nil
}
