package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"subscan/internal/model"
	"subscan/internal/repository/memstore"
)

type watchdogFixture struct {
	store     *memstore.Store
	ingested  chan string
	dispatch  chan struct{}
	submitter *recordingSubmitter
	wd        *WatchdogService
}

func newWatchdogFixture() *watchdogFixture {
	f := &watchdogFixture{
		store:     memstore.New(),
		ingested:  make(chan string, 8),
		dispatch:  make(chan struct{}, 8),
		submitter: &recordingSubmitter{},
	}
	ingest := IngestTriggerFunc(func(_ context.Context, scanID string) error {
		f.ingested <- scanID
		return nil
	})
	dispatch := DispatchTriggerFunc(func(context.Context) error {
		f.dispatch <- struct{}{}
		return nil
	})
	f.wd = NewWatchdogService(f.store, ingest, dispatch, f.submitter, WatchdogConfig{KickTimeout: time.Second}, zap.NewNop())
	return f
}

func kinds(r *Report) []string {
	var out []string
	for _, a := range r.Actions {
		out = append(out, a.Kind)
	}
	return out
}

func TestWatchdogLeavesFreshScansAlone(t *testing.T) {
	f := newWatchdogFixture()
	ctx := context.Background()
	_, err := f.store.CreateScan(ctx, "user-1")
	require.NoError(t, err)
	seedReady(t, f.store, "user-2", "a")
	seedAnalyzing(t, f.store, "user-3", "b")

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)
	assert.Empty(t, report.Errors)
}

func TestWatchdogKicksStalledPendingScan(t *testing.T) {
	f := newWatchdogFixture()
	ctx := context.Background()
	job, err := f.store.CreateScan(ctx, "user-1")
	require.NoError(t, err)
	f.store.Backdate(job.ScanID, 3*time.Minute)

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ActionKickIngestion}, kinds(report))

	got := getScan(t, f.store, job.ScanID)
	assert.Equal(t, model.StageInProgress, got.Stage)
	assert.Equal(t, model.ProgressWatchdogKicked, got.Progress)

	select {
	case id := <-f.ingested:
		assert.Equal(t, job.ScanID, id)
	case <-time.After(time.Second):
		t.Fatal("ingestion was not kicked")
	}
}

func TestWatchdogForcesStalledIngestionForward(t *testing.T) {
	f := newWatchdogFixture()
	ctx := context.Background()
	job, err := f.store.CreateScan(ctx, "user-1")
	require.NoError(t, err)
	_, err = f.store.ClaimForIngestion(ctx, job.ScanID)
	require.NoError(t, err)
	for _, id := range []string{"m1", "m2"} {
		_, err := f.store.SaveEmailWithTask(ctx, &model.EmailRecord{ScanID: job.ScanID, UserID: "user-1", ProviderMessageID: id})
		require.NoError(t, err)
	}
	f.store.Backdate(job.ScanID, 11*time.Minute)

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ActionForceReady}, kinds(report))

	got := getScan(t, f.store, job.ScanID)
	assert.Equal(t, model.StageReadyForAnalysis, got.Stage)
	assert.Equal(t, model.ProgressIngested, got.Progress)
	assert.Equal(t, 2, got.EmailsToProcess)
	assert.True(t, got.Degraded)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "ingestion stalled", *got.ErrorMessage)
	assert.Len(t, f.store.Tasks(job.ScanID), 2)

	select {
	case <-f.dispatch:
	case <-time.After(time.Second):
		t.Fatal("dispatcher was not kicked")
	}
}

func TestWatchdogKicksDispatcherOnceForStalledReadyScans(t *testing.T) {
	f := newWatchdogFixture()
	ctx := context.Background()
	a := seedReady(t, f.store, "user-1", "a")
	b := seedReady(t, f.store, "user-2", "b")
	f.store.Backdate(a.ScanID, 6*time.Minute)
	f.store.Backdate(b.ScanID, 6*time.Minute)

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ActionKickDispatch, ActionKickDispatch}, kinds(report))

	require.Eventually(t, func() bool { return len(f.dispatch) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.dispatch, 1)
	assert.Equal(t, model.StageReadyForAnalysis, getScan(t, f.store, a.ScanID).Stage)
}

func TestWatchdogFinalizesAnalyzingScanWithNoPendingTasks(t *testing.T) {
	f := newWatchdogFixture()
	ctx := context.Background()
	job := seedAnalyzing(t, f.store, "user-1", "Spotify", "Garbled")
	tasks := f.store.Tasks(job.ScanID)
	require.Len(t, tasks, 2)
	require.NoError(t, f.store.CompleteTask(ctx, tasks[0].ID, model.Verdict{Name: model.StringPtr("Spotify"), RawModelOutput: "{}"}))
	require.NoError(t, f.store.FailTask(ctx, tasks[1].ID, "???", "no JSON object in model output"))
	f.store.Backdate(job.ScanID, 16*time.Minute)

	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ActionFinalize}, kinds(report))

	got := getScan(t, f.store, job.ScanID)
	assert.Equal(t, model.StageCompleted, got.Stage)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 2, got.EmailsProcessed)
	assert.Equal(t, 1, got.SubscriptionsFound)
	assert.Equal(t, 1, got.TasksFailed)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 0, f.submitter.count())
}

func TestWatchdogRedispatchesThenFailsWithoutProgress(t *testing.T) {
	f := newWatchdogFixture()
	ctx := context.Background()
	job := seedAnalyzing(t, f.store, "user-1", "a", "b")

	for i := 1; i <= 2; i++ {
		f.store.Backdate(job.ScanID, 16*time.Minute)
		report, err := f.wd.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{ActionRedispatch}, kinds(report), "pass %d", i)
		assert.Equal(t, model.StageAnalyzing, getScan(t, f.store, job.ScanID).Stage)
	}
	require.Equal(t, 2, f.submitter.count())
	assert.Equal(t, []string{job.ScanID}, f.submitter.calls[0].ScanIDs)
	assert.Equal(t, []string{"user-1"}, f.submitter.calls[0].UserIDs)

	f.store.Backdate(job.ScanID, 16*time.Minute)
	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ActionFail}, kinds(report))
	assert.Equal(t, 2, f.submitter.count())

	got := getScan(t, f.store, job.ScanID)
	assert.Equal(t, model.StageFailed, got.Stage)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "no progress after 3 re-dispatches", *got.ErrorMessage)
}

func TestWatchdogProgressResetsRedispatchStreak(t *testing.T) {
	f := newWatchdogFixture()
	ctx := context.Background()
	job := seedAnalyzing(t, f.store, "user-1", "a", "b", "c")

	f.store.Backdate(job.ScanID, 16*time.Minute)
	_, err := f.wd.Run(ctx)
	require.NoError(t, err)
	f.store.Backdate(job.ScanID, 16*time.Minute)
	_, err = f.wd.Run(ctx)
	require.NoError(t, err)

	tasks := f.store.Tasks(job.ScanID)
	require.NoError(t, f.store.CompleteTask(ctx, tasks[0].ID, model.Verdict{RawModelOutput: "{}"}))

	f.store.Backdate(job.ScanID, 16*time.Minute)
	report, err := f.wd.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, ActionRedispatch, report.Actions[0].Kind)
	assert.Equal(t, "2 pending, streak 1", report.Actions[0].Detail)
	assert.Equal(t, model.StageAnalyzing, getScan(t, f.store, job.ScanID).Stage)
}
