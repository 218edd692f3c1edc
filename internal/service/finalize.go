package service

import (
	"context"
	"fmt"

	"subscan/internal/model"
)

// finalizeUpdate is the completion write for an analyzing scan with no
// pending tasks left. Failed tasks are surfaced, not hidden.
func finalizeUpdate(counts model.TaskCounts) model.ScanUpdate {
	upd := model.ScanUpdate{
		Progress:           model.IntPtr(model.ProgressDone),
		EmailsProcessed:    model.IntPtr(counts.Terminal()),
		SubscriptionsFound: model.IntPtr(counts.Positive),
		TasksFailed:        model.IntPtr(counts.Failed),
		MarkCompleted:      true,
	}
	if counts.Failed > 0 {
		upd.ErrorMessage = model.StringPtr(fmt.Sprintf("%d of %d messages could not be classified", counts.Failed, counts.Total()))
	}
	return upd
}

func finalizeScan(ctx context.Context, store Store, scanID string, counts model.TaskCounts) error {
	return store.Transition(ctx, scanID, model.StageAnalyzing, model.StageCompleted, finalizeUpdate(counts))
}

// analysisProgress maps terminal of total tasks onto [ProgressIngested, ProgressAnalyzed].
func analysisProgress(terminal, total int) int {
	if total <= 0 {
		return model.ProgressAnalyzed
	}
	span := model.ProgressAnalyzed - model.ProgressIngested
	return model.ProgressIngested + span*min(terminal, total)/total
}
