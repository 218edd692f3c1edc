package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscan/internal/model"
	"subscan/internal/repository"
	"subscan/pkg/outbox"
)

func TestTransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	s := New()
	job, err := s.CreateScan(ctx, "user-1")
	require.NoError(t, err)

	err = s.Transition(ctx, job.ScanID, model.StageInProgress, model.StageReadyForAnalysis, model.ScanUpdate{})
	assert.ErrorIs(t, err, repository.ErrStageConflict)

	err = s.Transition(ctx, job.ScanID, model.StageReadyForAnalysis, model.StagePending, model.ScanUpdate{})
	assert.ErrorIs(t, err, repository.ErrIllegalTransition)

	require.NoError(t, s.Transition(ctx, job.ScanID, model.StagePending, model.StageFailed, model.ScanUpdate{
		ErrorMessage:  model.StringPtr("boom"),
		MarkCompleted: true,
	}))
	got, err := s.GetScan(ctx, job.ScanID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, got.Stage)
	assert.Equal(t, "boom", *got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	err = s.Transition(ctx, job.ScanID, model.StageFailed, model.StageFailed, model.ScanUpdate{})
	assert.ErrorIs(t, err, repository.ErrIllegalTransition)
}

func TestClaimForIngestion(t *testing.T) {
	ctx := context.Background()
	s := New()
	job, _ := s.CreateScan(ctx, "user-1")

	claimed, err := s.ClaimForIngestion(ctx, job.ScanID)
	require.NoError(t, err)
	assert.Equal(t, model.StageInProgress, claimed.Stage)
	assert.Equal(t, model.ProgressClaimed, claimed.Progress)

	_, err = s.ClaimForIngestion(ctx, job.ScanID)
	assert.ErrorIs(t, err, repository.ErrStageConflict)

	_, err = s.ClaimForIngestion(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrStageConflict)
}

func TestUpdateProgressNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := New()
	job, _ := s.CreateScan(ctx, "user-1")
	_, _ = s.ClaimForIngestion(ctx, job.ScanID)

	require.NoError(t, s.UpdateProgress(ctx, job.ScanID, model.StageInProgress, 40))
	require.NoError(t, s.UpdateProgress(ctx, job.ScanID, model.StageInProgress, 30))
	got, _ := s.GetScan(ctx, job.ScanID)
	assert.Equal(t, 40, got.Progress)

	err := s.UpdateProgress(ctx, job.ScanID, model.StageAnalyzing, 80)
	assert.ErrorIs(t, err, repository.ErrStageConflict)
}

func readyScan(t *testing.T, s *Store, userID string) *model.ScanJob {
	t.Helper()
	ctx := context.Background()
	job, err := s.CreateScan(ctx, userID)
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, job.ScanID, model.StagePending, model.StageReadyForAnalysis, model.ScanUpdate{}))
	return job
}

func TestListDispatchableSkipsUsersAlreadyAnalyzing(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) })

	busy := readyScan(t, s, "user-1")
	waiting := readyScan(t, s, "user-1")
	other := readyScan(t, s, "user-2")
	require.NoError(t, s.Transition(ctx, busy.ScanID, model.StageReadyForAnalysis, model.StageAnalyzing, model.ScanUpdate{}))

	jobs, err := s.ListDispatchable(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, other.ScanID, jobs[0].ScanID)
	assert.NotEqual(t, waiting.ScanID, jobs[0].ScanID)
}

func TestRecordRedispatchStreak(t *testing.T) {
	ctx := context.Background()
	s := New()
	job := readyScan(t, s, "user-1")

	_, err := s.RecordRedispatch(ctx, job.ScanID, 3)
	assert.ErrorIs(t, err, repository.ErrStageConflict)

	require.NoError(t, s.Transition(ctx, job.ScanID, model.StageReadyForAnalysis, model.StageAnalyzing, model.ScanUpdate{}))
	for want, pending := range []int{3, 3, 3} {
		n, err := s.RecordRedispatch(ctx, job.ScanID, pending)
		require.NoError(t, err)
		assert.Equal(t, want+1, n)
	}
	n, err := s.RecordRedispatch(ctx, job.ScanID, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSaveEmailWithTaskAndTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	job, _ := s.CreateScan(ctx, "user-1")

	rec := &model.EmailRecord{ScanID: job.ScanID, UserID: "user-1", ProviderMessageID: "m1", Subject: "Receipt"}
	stored, err := s.SaveEmailWithTask(ctx, rec)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = s.SaveEmailWithTask(ctx, &model.EmailRecord{ScanID: job.ScanID, UserID: "user-1", ProviderMessageID: "m1"})
	require.NoError(t, err)
	assert.False(t, stored)

	pending, err := s.ListPendingTasks(ctx, job.ScanID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Receipt", pending[0].Email.Subject)
	taskID := pending[0].Task.ID

	require.NoError(t, s.CompleteTask(ctx, taskID, model.Verdict{Name: model.StringPtr("Netflix"), RawModelOutput: "{}"}))
	assert.ErrorIs(t, s.CompleteTask(ctx, taskID, model.Verdict{}), repository.ErrTaskConflict)
	assert.ErrorIs(t, s.FailTask(ctx, taskID, "", "late"), repository.ErrTaskConflict)

	counts, err := s.TaskCounts(ctx, job.ScanID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCounts{Completed: 1, Positive: 1}, counts)

	promotable, err := s.ListPromotable(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, promotable, 1)
	require.NoError(t, s.MarkTaskPromoted(ctx, taskID))
	promotable, _ = s.ListPromotable(ctx, job.ScanID, 10)
	assert.Empty(t, promotable)
}

func TestInsertAutoSubscriptionQueuesEvent(t *testing.T) {
	ctx := context.Background()
	s := New()
	task := model.AnalysisTask{ID: 42, ScanID: "scan-1", UserID: "user-1"}

	inserted, err := s.InsertAutoSubscription(ctx, &model.Subscription{UserID: "user-1", Name: "Netflix", NormalizedName: "netflix"}, task)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertAutoSubscription(ctx, &model.Subscription{UserID: "user-1", Name: "NETFLIX", NormalizedName: "netflix"}, task)
	require.NoError(t, err)
	assert.False(t, inserted)

	subs, _ := s.ListSubscriptionsByUser(ctx, "user-1")
	require.Len(t, subs, 1)
	assert.Equal(t, int64(42), *subs[0].SourceAnalysisID)

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, outbox.StatusPending, events[0].Status)
}

func TestOutboxRetryAndReplay(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	_, err := s.InsertAutoSubscription(ctx, &model.Subscription{UserID: "u", Name: "Spotify", NormalizedName: "spotify"}, model.AnalysisTask{ID: 1})
	require.NoError(t, err)
	id := s.Events()[0].ID

	require.NoError(t, s.MarkAsFailed(ctx, id, 2))
	pending, _ := s.GetPendingEvents(ctx, 10)
	assert.Empty(t, pending, "backing off")

	now = now.Add(10 * time.Second)
	pending, _ = s.GetPendingEvents(ctx, 10)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkAsFailed(ctx, id, 2))
	failed, _ := s.GetFailedEvents(ctx, 10)
	require.Len(t, failed, 1)

	require.NoError(t, s.ReplayEvent(ctx, id))
	pending, _ = s.GetPendingEvents(ctx, 10)
	require.Len(t, pending, 1)
	assert.Zero(t, pending[0].RetryCount)

	assert.ErrorIs(t, s.ReplayEvent(ctx, 999), outbox.ErrEventNotFound)
}
