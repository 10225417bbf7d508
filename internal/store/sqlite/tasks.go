package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"automation_engine/internal/model"
)

// maxErrorLen bounds persisted error text so agent ramblings cannot grow the
// row without limit.
const maxErrorLen = 500

func truncateError(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}

const taskColumns = `id, project_id, type, status, prompt, payload_json, result, error_message, retry_count, next_retry_at, callback_sent, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (model.Task, error) {
	var (
		t           model.Task
		payload     string
		nextRetryMs sql.NullInt64
		callback    int
		createdMs   int64
		updatedMs   int64
	)
	err := sc.Scan(&t.ID, &t.ProjectID, &t.Type, &t.Status, &t.Prompt, &payload,
		&t.Result, &t.ErrorMessage, &t.RetryCount, &nextRetryMs, &callback, &createdMs, &updatedMs)
	if err != nil {
		return model.Task{}, err
	}
	t.Payload = []byte(payload)
	if nextRetryMs.Valid {
		at := time.UnixMilli(nextRetryMs.Int64)
		t.NextRetryAt = &at
	}
	t.CallbackSent = callback != 0
	t.CreatedAt = time.UnixMilli(createdMs)
	t.UpdatedAt = time.UnixMilli(updatedMs)
	return t, nil
}

func (s *Store) EnqueueTask(ctx context.Context, t model.Task) (model.Task, error) {
	if t.Type == "" {
		return model.Task{}, errors.New("task type is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.TaskStatusPending
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	payload := string(t.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, type, status, prompt, payload_json, result, error_message, retry_count, next_retry_at, callback_sent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', '', 0, NULL, 0, ?, ?)
	`, t.ID, t.ProjectID, t.Type, t.Status, t.Prompt, payload, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return model.Task{}, err
	}
	return s.GetTask(ctx, t.ID)
}

func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func (s *Store) ListTasks(ctx context.Context, status model.TaskStatus) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC LIMIT 200`
	args := []any{}
	if status != "" {
		query = `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY created_at DESC LIMIT 200`
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// NextEligibleTask returns the single task the dispatcher should run next:
// fresh tasks (never retried) strictly before due retries, oldest first
// within each group. Tasks whose next_retry_at is in the future, or whose
// retry budget is exhausted, are not eligible.
func (s *Store) NextEligibleTask(ctx context.Context, now time.Time, maxRetries int) (model.Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending'
		  AND (next_retry_at IS NULL OR (next_retry_at <= ? AND retry_count < ?))
		ORDER BY (next_retry_at IS NULL) DESC, created_at ASC
		LIMIT 1
	`, now.UnixMilli(), maxRetries)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, false, nil
	}
	if err != nil {
		return model.Task{}, false, err
	}
	return t, true, nil
}

func (s *Store) RunningCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'running'`).Scan(&n)
	return n, err
}

// MarkRunning claims a pending task. Returns false when the task was already
// claimed or has moved on.
func (s *Store) MarkRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'
	`, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteTask writes the terminal success state. The status guard makes
// re-delivery (webhook replays) a no-op after the first terminal write.
func (s *Store) CompleteTask(ctx context.Context, id, result string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'completed', result = ?, error_message = '', next_retry_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, result, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) FailTask(ctx context.Context, id, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', error_message = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, truncateError(reason), time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ScheduleRetry moves a running task back to pending with a bumped retry
// counter and an eligibility time in the future.
func (s *Store) ScheduleRetry(ctx context.Context, id, reason string, retryCount int, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', retry_count = ?, next_retry_at = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, retryCount, nextRetryAt.UnixMilli(), truncateError(reason), time.Now().UnixMilli(), id)
	return err
}

// RequeueRunning returns tasks stranded in running status to pending. Called
// once at startup: a crash mid-task must not wedge the single-flight gate.
func (s *Store) RequeueRunning(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', updated_at = ? WHERE status = 'running'
	`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkCallbackSent flips the producer-callback flag exactly once. The caller
// only fires the callback when this returns true.
func (s *Store) MarkCallbackSent(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET callback_sent = 1, updated_at = ? WHERE id = ? AND callback_sent = 0
	`, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
