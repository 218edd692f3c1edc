package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contracthttp "subscan/contracts/http"
	"subscan/internal/model"
	"subscan/internal/repository/memstore"
)

// seedReady creates a ready_for_analysis scan with one pending task per subject.
func seedReady(t *testing.T, store *memstore.Store, userID string, subjects ...string) *model.ScanJob {
	t.Helper()
	ctx := context.Background()
	job, err := store.CreateScan(ctx, userID)
	require.NoError(t, err)
	_, err = store.ClaimForIngestion(ctx, job.ScanID)
	require.NoError(t, err)
	for i, subj := range subjects {
		_, err := store.SaveEmailWithTask(ctx, &model.EmailRecord{
			ScanID:            job.ScanID,
			UserID:            userID,
			ProviderMessageID: "m" + string(rune('1'+i)),
			Subject:           subj,
			Content:           "Body of " + subj,
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.Transition(ctx, job.ScanID, model.StageInProgress, model.StageReadyForAnalysis, model.ScanUpdate{
		Progress:        model.IntPtr(model.ProgressIngested),
		EmailsToProcess: model.IntPtr(len(subjects)),
	}))
	return job
}

type recordingSubmitter struct {
	mu    sync.Mutex
	calls []contracthttp.ClassifyRequest
	err   error
}

func (r *recordingSubmitter) Submit(_ context.Context, req contracthttp.ClassifyRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	return r.err
}

func (r *recordingSubmitter) scanIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c.ScanIDs...)
	}
	return out
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestDispatcherClaimsOneScanPerUser(t *testing.T) {
	store := memstore.New()
	seedReady(t, store, "user-1", "a")
	seedReady(t, store, "user-1", "b")
	other := seedReady(t, store, "user-2", "c")

	sub := &recordingSubmitter{}
	d := NewDispatcherService(store, sub, DispatchConfig{}, zap.NewNop())

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Listed)
	assert.Len(t, summary.Claimed, 2)
	assert.Equal(t, 1, summary.Skipped)
	assert.True(t, summary.Submitted)
	assert.Equal(t, 1, summary.Attempts)
	assert.Contains(t, summary.Claimed, other.ScanID)

	require.Equal(t, 1, sub.count())
	req := sub.calls[0]
	require.Len(t, req.UserIDs, 2)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, req.UserIDs)

	// user-1 already has an analyzing scan, so its sibling waits
	summary, err = d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Listed)
	assert.Empty(t, summary.Claimed)
	assert.False(t, summary.Submitted)
	assert.Equal(t, 1, sub.count())
}

func TestDispatcherConcurrentRunsSubmitEachScanOnce(t *testing.T) {
	store := memstore.New()
	var want []string
	for _, user := range []string{"u1", "u2", "u3", "u4", "u5", "u6"} {
		want = append(want, seedReady(t, store, user, "x").ScanID)
	}

	sub := &recordingSubmitter{}
	d := NewDispatcherService(store, sub, DispatchConfig{}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Run(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, want, sub.scanIDs())
	for _, id := range want {
		assert.Equal(t, model.StageAnalyzing, getScan(t, store, id).Stage)
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	store := memstore.New()
	job := seedReady(t, store, "user-1", "a")

	failures := 1
	submit := SubmitFunc(func(context.Context, contracthttp.ClassifyRequest) error {
		if failures > 0 {
			failures--
			return errors.New("connection refused")
		}
		return nil
	})
	d := NewDispatcherService(store, submit, DispatchConfig{}, zap.NewNop())
	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Submitted)
	assert.Equal(t, 2, summary.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second}, slept)
	assert.Equal(t, model.StageAnalyzing, getScan(t, store, job.ScanID).Stage)
}

func TestDispatcherExhaustionFailsClaimedScans(t *testing.T) {
	store := memstore.New()
	job := seedReady(t, store, "user-1", "a", "b")

	sub := &recordingSubmitter{err: errors.New("classifier unavailable")}
	d := NewDispatcherService(store, sub, DispatchConfig{}, zap.NewNop())
	sleeps := 0
	d.sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	summary, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.Submitted)
	assert.Equal(t, 3, summary.Attempts)
	assert.Equal(t, 2, sleeps)
	assert.Equal(t, []string{job.ScanID}, summary.Failed)
	assert.Equal(t, "classifier unavailable", summary.Error)
	assert.Equal(t, 3, sub.count())

	got := getScan(t, store, job.ScanID)
	assert.Equal(t, model.StageFailed, got.Stage)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "dispatch failed after 3 attempts: classifier unavailable", *got.ErrorMessage)

	for _, task := range store.Tasks(job.ScanID) {
		assert.Equal(t, model.TaskPending, task.Status)
	}
}

func TestDispatcherNothingReady(t *testing.T) {
	store := memstore.New()
	_, err := store.CreateScan(context.Background(), "user-1")
	require.NoError(t, err)

	sub := &recordingSubmitter{}
	summary, err := NewDispatcherService(store, sub, DispatchConfig{}, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Listed)
	assert.Equal(t, 0, sub.count())
}
