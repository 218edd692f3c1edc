// Package memstore is an in-process Store with the same conditional-update
// semantics as the Postgres repositories. It backs local runs
// (store.driver=memory) and the pipeline tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	contractmq "subscan/contracts/mq"
	"subscan/internal/model"
	"subscan/internal/repository"
	"subscan/pkg/outbox"
	"subscan/pkg/trace"
)

type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int64

	scans  map[string]*model.ScanJob
	emails map[int64]*model.EmailRecord
	tasks  map[int64]*model.AnalysisTask
	subs   []*model.Subscription
	tokens map[string]string
	events []*outbox.Event
}

func New() *Store {
	return &Store{
		now:    time.Now,
		scans:  map[string]*model.ScanJob{},
		emails: map[int64]*model.EmailRecord{},
		tasks:  map[int64]*model.AnalysisTask{},
		tokens: map[string]string{},
	}
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func copyScan(j *model.ScanJob) *model.ScanJob {
	c := *j
	return &c
}

// CreateScan inserts a pending job.
func (s *Store) CreateScan(_ context.Context, userID string) (*model.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	j := &model.ScanJob{
		ScanID:           uuid.NewString(),
		UserID:           userID,
		Stage:            model.StagePending,
		LastPendingCount: -1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.scans[j.ScanID] = j
	return copyScan(j), nil
}

func (s *Store) GetScan(_ context.Context, scanID string) (*model.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.scans[scanID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyScan(j), nil
}

func (s *Store) Transition(_ context.Context, scanID string, from, to model.Stage, upd model.ScanUpdate) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrIllegalTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.scans[scanID]
	if !ok || j.Stage != from {
		return repository.ErrStageConflict
	}
	j.Stage = to
	j.UpdatedAt = s.now()
	if upd.Progress != nil {
		j.Progress = *upd.Progress
	}
	if upd.EmailsFound != nil {
		j.EmailsFound = *upd.EmailsFound
	}
	if upd.EmailsToProcess != nil {
		j.EmailsToProcess = *upd.EmailsToProcess
	}
	if upd.EmailsProcessed != nil {
		j.EmailsProcessed = *upd.EmailsProcessed
	}
	if upd.SubscriptionsFound != nil {
		j.SubscriptionsFound = *upd.SubscriptionsFound
	}
	if upd.TasksFailed != nil {
		j.TasksFailed = *upd.TasksFailed
	}
	if upd.Degraded != nil {
		j.Degraded = *upd.Degraded
	}
	if upd.ErrorMessage != nil {
		msg := *upd.ErrorMessage
		j.ErrorMessage = &msg
	}
	if upd.MarkCompleted {
		t := j.UpdatedAt
		j.CompletedAt = &t
	}
	return nil
}

func (s *Store) ClaimForIngestion(_ context.Context, scanID string) (*model.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.scans[scanID]
	if !ok {
		return nil, repository.ErrStageConflict
	}
	claimable := j.Stage == model.StagePending ||
		(j.Stage == model.StageInProgress && j.Progress < model.ProgressClaimed)
	if !claimable {
		return nil, repository.ErrStageConflict
	}
	j.Stage = model.StageInProgress
	j.Progress = model.ProgressClaimed
	j.UpdatedAt = s.now()
	return copyScan(j), nil
}

func (s *Store) UpdateProgress(_ context.Context, scanID string, stage model.Stage, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.scans[scanID]
	if !ok || j.Stage != stage {
		return repository.ErrStageConflict
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.UpdatedAt = s.now()
	return nil
}

func (s *Store) sortedScans() []*model.ScanJob {
	out := make([]*model.ScanJob, 0, len(s.scans))
	for _, j := range s.scans {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].UpdatedAt.Equal(out[b].UpdatedAt) {
			return out[a].ScanID < out[b].ScanID
		}
		return out[a].UpdatedAt.Before(out[b].UpdatedAt)
	})
	return out
}

func (s *Store) ListStale(_ context.Context, stage model.Stage, idleBefore time.Time, limit int) ([]*model.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ScanJob
	for _, j := range s.sortedScans() {
		if len(out) >= limit {
			break
		}
		if j.Stage == stage && j.UpdatedAt.Before(idleBefore) {
			out = append(out, copyScan(j))
		}
	}
	return out, nil
}

func (s *Store) ListDispatchable(_ context.Context, limit int) ([]*model.ScanJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	analyzing := map[string]bool{}
	for _, j := range s.scans {
		if j.Stage == model.StageAnalyzing {
			analyzing[j.UserID] = true
		}
	}
	var out []*model.ScanJob
	for _, j := range s.sortedScans() {
		if len(out) >= limit {
			break
		}
		if j.Stage == model.StageReadyForAnalysis && !analyzing[j.UserID] {
			out = append(out, copyScan(j))
		}
	}
	return out, nil
}

func (s *Store) RecordRedispatch(_ context.Context, scanID string, pendingCount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.scans[scanID]
	if !ok || j.Stage != model.StageAnalyzing {
		return 0, repository.ErrStageConflict
	}
	if j.LastPendingCount == pendingCount {
		j.RedispatchCount++
	} else {
		j.RedispatchCount = 1
	}
	j.LastPendingCount = pendingCount
	j.UpdatedAt = s.now()
	return j.RedispatchCount, nil
}

func (s *Store) SaveEmailWithTask(_ context.Context, rec *model.EmailRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.emails {
		if e.ScanID == rec.ScanID && e.ProviderMessageID == rec.ProviderMessageID {
			return false, nil
		}
	}
	now := s.now()
	rec.ID = s.id()
	rec.CreatedAt = now
	stored := *rec
	s.emails[rec.ID] = &stored

	taskID := s.id()
	s.tasks[taskID] = &model.AnalysisTask{
		ID:            taskID,
		EmailRecordID: rec.ID,
		ScanID:        rec.ScanID,
		UserID:        rec.UserID,
		Status:        model.TaskPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return true, nil
}

func (s *Store) sortedTasks() []*model.AnalysisTask {
	out := make([]*model.AnalysisTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (s *Store) ListPendingTasks(_ context.Context, scanID string, limit int) ([]model.PendingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PendingTask
	for _, t := range s.sortedTasks() {
		if len(out) >= limit {
			break
		}
		if t.ScanID == scanID && t.Status == model.TaskPending {
			out = append(out, model.PendingTask{Task: *t, Email: *s.emails[t.EmailRecordID]})
		}
	}
	return out, nil
}

func (s *Store) CompleteTask(_ context.Context, taskID int64, v model.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != model.TaskPending {
		return repository.ErrTaskConflict
	}
	raw := v.RawModelOutput
	t.Status = model.TaskCompleted
	t.SubscriptionName = v.Name
	t.Price = v.Price
	t.Currency = v.Currency
	t.BillingCycle = v.BillingCycle
	t.NextBillingDate = v.NextBillingDate
	t.Provider = v.Provider
	t.Confidence = v.Confidence
	t.RawModelOutput = &raw
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) FailTask(_ context.Context, taskID int64, raw, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != model.TaskPending {
		return repository.ErrTaskConflict
	}
	t.Status = model.TaskFailed
	if raw != "" {
		t.RawModelOutput = &raw
	}
	t.ErrorMessage = &reason
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) TaskCounts(_ context.Context, scanID string) (model.TaskCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c model.TaskCounts
	for _, t := range s.tasks {
		if t.ScanID != scanID {
			continue
		}
		switch t.Status {
		case model.TaskPending:
			c.Pending++
		case model.TaskCompleted:
			c.Completed++
			if t.SubscriptionName != nil {
				c.Positive++
			}
		case model.TaskFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (s *Store) ListPromotable(_ context.Context, scanID string, limit int) ([]model.AnalysisTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AnalysisTask
	for _, t := range s.sortedTasks() {
		if len(out) >= limit {
			break
		}
		if t.Status == model.TaskCompleted && t.SubscriptionName != nil && t.PromotedAt == nil &&
			(scanID == "" || t.ScanID == scanID) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) MarkTaskPromoted(_ context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok && t.PromotedAt == nil {
		now := s.now()
		t.PromotedAt = &now
	}
	return nil
}

func (s *Store) ListSubscriptionsByUser(_ context.Context, userID string) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *Store) InsertAutoSubscription(ctx context.Context, sub *model.Subscription, task model.AnalysisTask) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if t, ok := s.tasks[task.ID]; ok && t.PromotedAt == nil {
		t.PromotedAt = &now
	}
	for _, existing := range s.subs {
		if existing.UserID == sub.UserID && !existing.IsManual && existing.NormalizedName == sub.NormalizedName {
			return false, nil
		}
	}
	taskID := task.ID
	sub.ID = s.id()
	sub.CreatedAt = now
	sub.SourceAnalysisID = &taskID
	stored := *sub
	s.subs = append(s.subs, &stored)

	event, err := outbox.NewEvent("subscription", strconv.FormatInt(sub.ID, 10), contractmq.RoutingSubscriptionDetected,
		contractmq.SubscriptionDetectedPayload{
			SubscriptionID:   sub.ID,
			UserID:           sub.UserID,
			ScanID:           task.ScanID,
			Name:             sub.Name,
			Price:            sub.Price,
			Currency:         sub.Currency,
			BillingCycle:     sub.BillingCycle,
			SourceAnalysisID: task.ID,
			TraceID:          trace.FromContext(ctx),
		})
	if err != nil {
		return false, err
	}
	event.ID = s.id()
	event.CreatedAt = now
	event.UpdatedAt = now
	s.events = append(s.events, event)
	return true, nil
}

// AddManualSubscription stands in for the manual-entry API.
func (s *Store) AddManualSubscription(userID, name, normalized string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, &model.Subscription{
		ID:             s.id(),
		UserID:         userID,
		Name:           name,
		NormalizedName: normalized,
		Category:       model.CategoryOther,
		IsManual:       true,
		CreatedAt:      s.now(),
	})
}

func (s *Store) AccessToken(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[userID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return tok, nil
}

// SetAccessToken stands in for the OAuth collaborator.
func (s *Store) SetAccessToken(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = token
}

// Backdate shifts a job's updated_at into the past.
func (s *Store) Backdate(scanID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.scans[scanID]; ok {
		j.UpdatedAt = j.UpdatedAt.Add(-d)
	}
}

// Tasks returns a snapshot of a scan's tasks ordered by id.
func (s *Store) Tasks(scanID string) []model.AnalysisTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AnalysisTask
	for _, t := range s.sortedTasks() {
		if t.ScanID == scanID {
			out = append(out, *t)
		}
	}
	return out
}

func (s *Store) eventsWithStatus(status string, limit int) []*outbox.Event {
	now := s.now()
	var out []*outbox.Event
	for _, e := range s.events {
		if len(out) >= limit {
			break
		}
		if e.Status != status {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out
}

func (s *Store) GetPendingEvents(_ context.Context, limit int) ([]*outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsWithStatus(outbox.StatusPending, limit), nil
}

func (s *Store) GetFailedEvents(_ context.Context, limit int) ([]*outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsWithStatus(outbox.StatusFailed, limit), nil
}

func (s *Store) event(id int64) *outbox.Event {
	for _, e := range s.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (s *Store) MarkAsSent(_ context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.event(eventID); e != nil {
		e.Status = outbox.StatusSent
		e.UpdatedAt = s.now()
	}
	return nil
}

func (s *Store) MarkAsFailed(_ context.Context, eventID int64, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.event(eventID)
	if e == nil {
		return nil
	}
	now := s.now()
	e.RetryCount++
	e.UpdatedAt = now
	if e.RetryCount >= maxRetries {
		e.Status = outbox.StatusFailed
		e.NextRetryAt = nil
		return nil
	}
	next := now.Add(time.Duration(e.RetryCount) * 5 * time.Second)
	e.NextRetryAt = &next
	return nil
}

func (s *Store) ReplayEvent(_ context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.event(eventID)
	if e == nil {
		return outbox.ErrEventNotFound
	}
	e.Status = outbox.StatusPending
	e.RetryCount = 0
	e.NextRetryAt = nil
	e.UpdatedAt = s.now()
	return nil
}

// Events returns the queued outbox events.
func (s *Store) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	return out
}
