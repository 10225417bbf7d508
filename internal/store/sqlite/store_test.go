package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"automation_engine/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueue(t *testing.T, s *Store, typ model.TaskType) model.Task {
	t.Helper()
	task, err := s.EnqueueTask(context.Background(), model.Task{
		ProjectID: "p1",
		Type:      typ,
		Prompt:    "do the thing",
	})
	require.NoError(t, err)
	return task
}

func TestNextEligibleTask_FreshBeforeRetries(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	// An older task already on its retry schedule (due) and a younger fresh
	// task: the fresh one must win.
	older := enqueue(t, s, model.TaskTypeGeneric)
	ok, err := s.MarkRunning(ctx, older.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ScheduleRetry(ctx, older.ID, "transient", 1, now.Add(-time.Minute)))

	time.Sleep(5 * time.Millisecond) // created_at is millisecond-granular
	fresh := enqueue(t, s, model.TaskTypeGeneric)

	got, found, err := s.NextEligibleTask(ctx, now, 3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, fresh.ID, got.ID)
}

func TestNextEligibleTask_FutureRetryNotSelected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	task := enqueue(t, s, model.TaskTypeReply)
	_, err := s.MarkRunning(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, s.ScheduleRetry(ctx, task.ID, "agent unreachable", 1, now.Add(5*time.Minute)))

	_, found, err := s.NextEligibleTask(ctx, now, 3)
	require.NoError(t, err)
	require.False(t, found)

	// Once the clock passes next_retry_at it becomes eligible again.
	got, found, err := s.NextEligibleTask(ctx, now.Add(6*time.Minute), 3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, task.ID, got.ID)
	require.Equal(t, 1, got.RetryCount)
}

func TestNextEligibleTask_ExhaustedBudgetNotSelected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	task := enqueue(t, s, model.TaskTypeGeneric)
	_, err := s.MarkRunning(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, s.ScheduleRetry(ctx, task.ID, "still failing", 3, now.Add(-time.Minute)))

	_, found, err := s.NextEligibleTask(ctx, now, 3)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMarkRunning_ClaimsOnlyPending(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	task := enqueue(t, s, model.TaskTypeGeneric)
	ok, err := s.MarkRunning(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.MarkRunning(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, ok, "a running task must not be claimable again")
}

func TestCompleteTask_IdempotentAfterTerminalWrite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	task := enqueue(t, s, model.TaskTypeReply)
	_, err := s.MarkRunning(ctx, task.ID)
	require.NoError(t, err)

	ok, err := s.CompleteTask(ctx, task.ID, "successfully replied")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CompleteTask(ctx, task.ID, "successfully replied")
	require.NoError(t, err)
	require.False(t, ok, "second terminal write must be a no-op")

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, got.Status)
	require.Nil(t, got.NextRetryAt)
}

func TestFailTask_TruncatesErrorText(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	task := enqueue(t, s, model.TaskTypeGeneric)
	_, err := s.MarkRunning(ctx, task.ID)
	require.NoError(t, err)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	_, err = s.FailTask(ctx, task.ID, string(long))
	require.NoError(t, err)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.ErrorMessage, maxErrorLen)
	require.Nil(t, got.NextRetryAt)
}

func TestRequeueRunning_ReturnsStrandedTasksToPending(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	stranded := enqueue(t, s, model.TaskTypeGeneric)
	_, err := s.MarkRunning(ctx, stranded.ID)
	require.NoError(t, err)
	untouched := enqueue(t, s, model.TaskTypeGeneric)

	n, err := s.RequeueRunning(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetTask(ctx, stranded.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusPending, got.Status)

	got, err = s.GetTask(ctx, untouched.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusPending, got.Status)
}

func TestMarkCallbackSent_Once(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	task := enqueue(t, s, model.TaskTypeYouTubeComment)
	ok, err := s.MarkCallbackSent(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.MarkCallbackSent(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsertSession_UpdatesByKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Now()
	first, err := s.UpsertSession(ctx, model.LoginSession{
		ProjectID: "p1",
		Platform:  model.PlatformGoogle,
		Email:     "user@example.com",
		Has2FA:    true,
		TwoFAType: model.TwoFASMS,
	})
	require.NoError(t, err)
	require.True(t, first.Has2FA)

	second, err := s.UpsertSession(ctx, model.LoginSession{
		ProjectID:   "p1",
		Platform:    model.PlatformGoogle,
		Email:       "user@example.com",
		IsConnected: true,
		ConnectedAt: &now,
	})
	require.NoError(t, err)
	require.True(t, second.IsConnected)
	require.False(t, second.Has2FA)

	all, err := s.ListSessions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, all, 1, "upsert must not create a second row for the same key")
}
