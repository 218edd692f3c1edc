package model

import "time"

// Stage is the position of a ScanJob in the pipeline.
type Stage string

const (
	StagePending          Stage = "pending"
	StageInProgress       Stage = "in_progress"
	StageReadyForAnalysis Stage = "ready_for_analysis"
	StageAnalyzing        Stage = "analyzing"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

var stageOrder = map[Stage]int{
	StagePending:          0,
	StageInProgress:       1,
	StageReadyForAnalysis: 2,
	StageAnalyzing:        3,
	StageCompleted:        4,
}

// Terminal reports whether no further transition is allowed.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok || s == StageFailed
}

// CanTransition reports whether from -> to is a legal move: forward along the
// fixed order, to failed from any non-terminal stage, or analyzing to itself
// (watchdog re-dispatch).
func CanTransition(from, to Stage) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StageFailed {
		return true
	}
	if from == StageAnalyzing && to == StageAnalyzing {
		return true
	}
	return stageOrder[to] > stageOrder[from]
}

// Progress bounds per stage.
const (
	ProgressWatchdogKicked = 10
	ProgressClaimed        = 15
	ProgressIngested       = 70
	ProgressAnalyzed       = 95
	ProgressDone           = 100
)

// ScanJob is one mailbox sweep for one user.
type ScanJob struct {
	ScanID             string     `json:"scan_id"`
	UserID             string     `json:"user_id"`
	Stage              Stage      `json:"stage"`
	Progress           int        `json:"progress"`
	EmailsFound        int        `json:"emails_found"`
	EmailsToProcess    int        `json:"emails_to_process"`
	EmailsProcessed    int        `json:"emails_processed"`
	SubscriptionsFound int        `json:"subscriptions_found"`
	TasksFailed        int        `json:"tasks_failed"`
	Degraded           bool       `json:"degraded"`
	RedispatchCount    int        `json:"-"`
	LastPendingCount   int        `json:"-"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// IdleFor returns how long the job has gone without an update.
func (j *ScanJob) IdleFor(now time.Time) time.Duration {
	return now.Sub(j.UpdatedAt)
}

// ScanUpdate carries the optional column changes applied together with a
// stage transition. Nil fields are left untouched.
type ScanUpdate struct {
	Progress           *int
	EmailsFound        *int
	EmailsToProcess    *int
	EmailsProcessed    *int
	SubscriptionsFound *int
	TasksFailed        *int
	Degraded           *bool
	ErrorMessage       *string
	MarkCompleted      bool
}

func IntPtr(v int) *int          { return &v }
func BoolPtr(v bool) *bool       { return &v }
func StringPtr(v string) *string { return &v }
