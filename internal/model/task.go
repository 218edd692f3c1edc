package model

import "time"

// TaskStatus is the classification state of one AnalysisTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// AnalysisTask is one classification attempt for one EmailRecord.
type AnalysisTask struct {
	ID               int64      `json:"id"`
	EmailRecordID    int64      `json:"email_record_id"`
	ScanID           string     `json:"scan_id"`
	UserID           string     `json:"user_id"`
	Status           TaskStatus `json:"status"`
	SubscriptionName *string    `json:"subscription_name,omitempty"`
	Price            *float64   `json:"price,omitempty"`
	Currency         *string    `json:"currency,omitempty"`
	BillingCycle     *string    `json:"billing_cycle,omitempty"`
	NextBillingDate  *time.Time `json:"next_billing_date,omitempty"`
	Provider         *string    `json:"provider,omitempty"`
	Confidence       *float64   `json:"confidence,omitempty"`
	RawModelOutput   *string    `json:"raw_model_output,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	PromotedAt       *time.Time `json:"promoted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// PendingTask is a pending task joined with the message it classifies.
type PendingTask struct {
	Task  AnalysisTask
	Email EmailRecord
}

// Verdict is the outcome written when a task completes. A nil Name means
// the message was judged not to be a subscription.
type Verdict struct {
	Name            *string
	Price           *float64
	Currency        *string
	BillingCycle    *string
	NextBillingDate *time.Time
	Provider        *string
	Confidence      *float64
	RawModelOutput  string
}

// Positive reports whether the verdict names a subscription.
func (v Verdict) Positive() bool {
	return v.Name != nil && *v.Name != ""
}

// TaskCounts summarizes the task statuses of one scan.
type TaskCounts struct {
	Pending   int
	Completed int
	Failed    int
	Positive  int
}

// Total is the number of tasks seeded for the scan.
func (c TaskCounts) Total() int {
	return c.Pending + c.Completed + c.Failed
}

// Terminal is the number of tasks with a final status.
func (c TaskCounts) Terminal() int {
	return c.Completed + c.Failed
}
