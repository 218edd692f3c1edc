package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"subscan/internal/model"
)

func TestScenarioEmptyMailboxCompletes(t *testing.T) {
	p := newPipeline(t, bySubject(nil))
	ctx := context.Background()

	job, res := p.ingest(t, newFakeMailbox())
	assert.True(t, res.Claimed)
	assert.Equal(t, model.StageReadyForAnalysis, res.Stage)
	assert.Equal(t, 0, res.EmailsFound)

	summary, err := p.dispatcher.Run(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Submitted)
	assert.Equal(t, []string{job.ScanID}, summary.Claimed)

	got := getScan(t, p.store, job.ScanID)
	assert.Equal(t, model.StageCompleted, got.Stage)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 0, got.SubscriptionsFound)
	assert.Nil(t, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
}

func TestScenarioOnePositiveOneNegative(t *testing.T) {
	client := bySubject(map[string]string{
		"Your Spotify receipt": spotifyVerdict,
		"Weekly newsletter":    negativeVerdict,
	})
	p := newPipeline(t, client)
	ctx := context.Background()

	job, res := p.ingest(t, newFakeMailbox("Your Spotify receipt", "Weekly newsletter"))
	assert.Equal(t, 2, res.Stored)

	ingested := getScan(t, p.store, job.ScanID)
	assert.Equal(t, model.ProgressIngested, ingested.Progress)
	assert.Equal(t, 2, ingested.EmailsFound)
	assert.Equal(t, 2, ingested.EmailsToProcess)

	_, err := p.dispatcher.Run(ctx)
	require.NoError(t, err)

	got := getScan(t, p.store, job.ScanID)
	assert.Equal(t, model.StageCompleted, got.Stage)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 2, got.EmailsProcessed)
	assert.Equal(t, 1, got.SubscriptionsFound)
	assert.Equal(t, 0, got.TasksFailed)

	subs, err := p.store.ListSubscriptionsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "Spotify", subs[0].Name)
	require.NotNil(t, subs[0].Price)
	assert.InDelta(t, 9.99, *subs[0].Price, 1e-9)
	assert.Equal(t, "USD", *subs[0].Currency)
	assert.Equal(t, "monthly", *subs[0].BillingCycle)
	assert.Equal(t, model.CategoryOther, subs[0].Category)
	assert.False(t, subs[0].IsManual)

	events := p.store.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "subscription.detected", events[0].RoutingKey)

	tasks := p.store.Tasks(job.ScanID)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, model.TaskCompleted, task.Status)
	}
}

func TestScenarioNonJSONResponseFailsOnlyThatTask(t *testing.T) {
	client := bySubject(map[string]string{
		"Netflix receipt": netflixVerdict,
		"Confusing email": "I am not sure what this email is about.",
		"Promo":           negativeVerdict,
	})
	p := newPipeline(t, client)
	ctx := context.Background()

	job, _ := p.ingest(t, newFakeMailbox("Netflix receipt", "Confusing email", "Promo"))
	_, err := p.dispatcher.Run(ctx)
	require.NoError(t, err)

	tasks := p.store.Tasks(job.ScanID)
	require.Len(t, tasks, 3)
	assert.Equal(t, model.TaskCompleted, tasks[0].Status)
	assert.Equal(t, model.TaskFailed, tasks[1].Status)
	require.NotNil(t, tasks[1].RawModelOutput)
	assert.Equal(t, "I am not sure what this email is about.", *tasks[1].RawModelOutput)
	assert.Equal(t, model.TaskCompleted, tasks[2].Status)
	assert.Nil(t, tasks[2].SubscriptionName)

	got := getScan(t, p.store, job.ScanID)
	assert.Equal(t, model.StageCompleted, got.Stage)
	assert.Equal(t, 3, got.EmailsProcessed)
	assert.Equal(t, 1, got.TasksFailed)
	assert.Equal(t, 1, got.SubscriptionsFound)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "1 of 3 messages could not be classified", *got.ErrorMessage)
}

func TestReingestionIsIdempotent(t *testing.T) {
	p := newPipeline(t, bySubject(nil))
	ctx := context.Background()
	mb := newFakeMailbox("a", "b")

	job, _ := p.ingest(t, mb)

	svc := NewIngestionService(p.store, opener(mb), nil, IngestionConfig{}, zap.NewNop())
	res, err := svc.Run(ctx, job.ScanID, "token")
	require.NoError(t, err)
	assert.False(t, res.Claimed)
	assert.Equal(t, model.StageReadyForAnalysis, res.Stage)
	assert.Len(t, p.store.Tasks(job.ScanID), 2)
}
