package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Task struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskFilter selects tasks by completion state.
type TaskFilter string

const (
	FilterAll       TaskFilter = "all"
	FilterPending   TaskFilter = "pending"
	FilterCompleted TaskFilter = "completed"
)

// Valid reports whether f is one of the known filters.
func (f TaskFilter) Valid() bool {
	switch f {
	case FilterAll, FilterPending, FilterCompleted:
		return true
	}
	return false
}

// TaskPatch carries the fields of an update; nil means unchanged.
type TaskPatch struct {
	Title       *string
	Description *string
}

const taskColumns = `id, user_id, title, description, completed, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var completed int
	if err := scanFn(&t.ID, &t.UserID, &t.Title, &t.Description, &completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return err
	}
	t.Completed = completed == 1
	return nil
}

func (s *Store) CreateTask(ctx context.Context, userID, title, description string) (*Task, error) {
	now := s.now()
	t := &Task{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, user_id, title, description, completed, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?);
		`, t.ID, t.UserID, t.Title, t.Description, t.CreatedAt, t.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, userID string, filter TaskFilter) ([]Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = ?`
	switch filter {
	case FilterPending:
		q += ` AND completed = 0`
	case FilterCompleted:
		q += ` AND completed = 1`
	case FilterAll, "":
	default:
		return nil, fmt.Errorf("unknown task filter %q", filter)
	}
	q += ` ORDER BY created_at ASC, rowid ASC;`

	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	out := []Task{}
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetTask(ctx context.Context, userID, id string) (*Task, error) {
	var t Task
	err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?;`, id, userID,
	).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, userID, id string) (*Task, error) {
	var t Task
	err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?;`, id, userID,
	).Scan, &t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// CompleteTask marks the task completed. Completing an already completed
// task is a no-op and reports changed=false; updated_at is left alone then.
func (s *Store) CompleteTask(ctx context.Context, userID, id string) (task *Task, changed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskTx(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		changed = !t.Completed
		if changed {
			t.Completed = true
			t.UpdatedAt = s.monotonic(t.UpdatedAt)
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET completed = 1, updated_at = ?
				WHERE id = ? AND user_id = ?;
			`, t.UpdatedAt, id, userID); err != nil {
				return fmt.Errorf("complete task: %w", err)
			}
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return task, changed, nil
}

func (s *Store) UpdateTask(ctx context.Context, userID, id string, patch TaskPatch) (*Task, error) {
	if patch.Title == nil && patch.Description == nil {
		return nil, fmt.Errorf("update task: empty patch")
	}
	var task *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskTx(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			t.Title = *patch.Title
		}
		if patch.Description != nil {
			t.Description = *patch.Description
		}
		t.UpdatedAt = s.monotonic(t.UpdatedAt)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET title = ?, description = ?, updated_at = ?
			WHERE id = ? AND user_id = ?;
		`, t.Title, t.Description, t.UpdatedAt, id, userID); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// DeleteTask removes the row and returns it as it was before deletion.
func (s *Store) DeleteTask(ctx context.Context, userID, id string) (*Task, error) {
	var task *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTaskTx(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?;`, id, userID); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// monotonic returns now, or a nanosecond past prev if the clock has not
// moved beyond it.
func (s *Store) monotonic(prev time.Time) time.Time {
	now := s.now()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}
