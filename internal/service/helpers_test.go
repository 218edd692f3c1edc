package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contracthttp "subscan/contracts/http"
	"subscan/internal/mailbox"
	"subscan/internal/model"
	"subscan/internal/repository/memstore"
	"subscan/pkg/ratelimit"
)

type fakeMailbox struct {
	probeErr  error
	searchErr error
	ids       []string
	messages  map[string]*mailbox.Message
	fetchErr  map[string]error
	delay     time.Duration
}

func (f *fakeMailbox) Probe(context.Context) error { return f.probeErr }

func (f *fakeMailbox) Search(_ context.Context, _ string, max int) ([]string, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if len(f.ids) > max {
		return f.ids[:max], nil
	}
	return f.ids, nil
}

func (f *fakeMailbox) Fetch(ctx context.Context, id string) (*mailbox.Message, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.fetchErr[id]; err != nil {
		return nil, err
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s not found", id)
	}
	return m, nil
}

// newFakeMailbox builds a mailbox whose messages have the given subjects.
func newFakeMailbox(subjects ...string) *fakeMailbox {
	f := &fakeMailbox{messages: map[string]*mailbox.Message{}, fetchErr: map[string]error{}}
	for i, subj := range subjects {
		id := fmt.Sprintf("m%d", i+1)
		f.ids = append(f.ids, id)
		f.messages[id] = &mailbox.Message{
			ID:      id,
			Subject: subj,
			From:    "billing@example.com",
			Body:    "Body of " + subj,
		}
	}
	return f
}

func opener(mb Mailbox) MailboxOpener {
	return func(context.Context, string) (Mailbox, error) { return mb, nil }
}

type fakeLLM struct {
	mu    sync.Mutex
	calls int
	reply func(ctx context.Context, prompt string) (string, error)
}

func (f *fakeLLM) Provider() string { return "fake" }

func (f *fakeLLM) Complete(ctx context.Context, _, prompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.reply(ctx, prompt)
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// bySubject answers with the first reply whose key appears in the subject line.
func bySubject(replies map[string]string) *fakeLLM {
	return &fakeLLM{reply: func(_ context.Context, prompt string) (string, error) {
		for key, r := range replies {
			if strings.Contains(prompt, "Subject: "+key) {
				return r, nil
			}
		}
		return `{"is_subscription": false}`, nil
	}}
}

const (
	spotifyVerdict = `Here is my analysis: {"is_subscription": true, "subscription_name": "Spotify", "price": 9.99, "currency": "USD", "billing_cycle": "monthly", "confidence_score": 0.9}`
	netflixVerdict = `{"is_subscription": true, "subscription_name": "Netflix", "price": "15.49", "currency": "usd", "billing_cycle": "monthly"}`
	negativeVerdict = `{"is_subscription": false}`
)

type pipeline struct {
	store      *memstore.Store
	sweeper    *SweeperService
	classifier *ClassificationService
	dispatcher *DispatcherService
}

func newPipeline(t *testing.T, client *fakeLLM) *pipeline {
	t.Helper()
	log := zap.NewNop()
	store := memstore.New()
	sweeper := NewSweeperService(store, nil, SweeperConfig{}, log)
	classifier := NewClassificationService(store, client, ratelimit.New(0, time.Minute), nil, sweeper,
		ClassificationConfig{Concurrency: 2, LLMTimeout: time.Second}, log)
	dispatcher := NewDispatcherService(store, SubmitFunc(func(ctx context.Context, req contracthttp.ClassifyRequest) error {
		_, err := classifier.Classify(ctx, req)
		return err
	}), DispatchConfig{}, log)
	return &pipeline{store: store, sweeper: sweeper, classifier: classifier, dispatcher: dispatcher}
}

func (p *pipeline) ingest(t *testing.T, mb Mailbox) (*model.ScanJob, *IngestionResult) {
	t.Helper()
	ctx := context.Background()
	job, err := p.store.CreateScan(ctx, "user-1")
	require.NoError(t, err)

	svc := NewIngestionService(p.store, opener(mb), nil, IngestionConfig{Query: "subject:receipt"}, zap.NewNop())
	res, err := svc.Run(ctx, job.ScanID, "token")
	require.NoError(t, err)
	return job, res
}

// seedAnalyzing creates an analyzing scan with one pending task per subject.
func seedAnalyzing(t *testing.T, store *memstore.Store, userID string, subjects ...string) *model.ScanJob {
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
			ProviderMessageID: fmt.Sprintf("m%d", i+1),
			Subject:           subj,
			Content:           "Body of " + subj,
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.Transition(ctx, job.ScanID, model.StageInProgress, model.StageReadyForAnalysis, model.ScanUpdate{
		Progress:        model.IntPtr(model.ProgressIngested),
		EmailsToProcess: model.IntPtr(len(subjects)),
	}))
	require.NoError(t, store.Transition(ctx, job.ScanID, model.StageReadyForAnalysis, model.StageAnalyzing, model.ScanUpdate{}))
	return job
}

func getScan(t *testing.T, store *memstore.Store, scanID string) *model.ScanJob {
	t.Helper()
	job, err := store.GetScan(context.Background(), scanID)
	require.NoError(t, err)
	return job
}
