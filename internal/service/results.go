package service

import "subscan/internal/model"

// Item outcome statuses.
const (
	ItemStored    = "stored"
	ItemDuplicate = "duplicate"
	ItemSkipped   = "skipped"
)

// ItemOutcome is the result for one mailbox message.
type ItemOutcome struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// IngestionResult summarizes one ingestion invocation.
type IngestionResult struct {
	ScanID      string        `json:"scan_id"`
	Stage       model.Stage   `json:"stage,omitempty"`
	Claimed     bool          `json:"claimed"`
	Superseded  bool          `json:"superseded,omitempty"`
	Degraded    bool          `json:"degraded,omitempty"`
	EmailsFound int           `json:"emails_found"`
	Stored      int           `json:"stored"`
	Duplicates  int           `json:"duplicates"`
	Skipped     int           `json:"skipped"`
	Items       []ItemOutcome `json:"items,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// DispatchSummary summarizes one dispatcher run.
type DispatchSummary struct {
	Listed    int      `json:"listed"`
	Claimed   []string `json:"claimed"`
	Skipped   int      `json:"skipped"`
	Attempts  int      `json:"attempts"`
	Submitted bool     `json:"submitted"`
	Failed    []string `json:"failed,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// ScanOutcome is the classification result for one scan of a batch.
type ScanOutcome struct {
	ScanID    string      `json:"scan_id"`
	UserID    string      `json:"user_id"`
	Completed int         `json:"completed"`
	Failed    int         `json:"failed"`
	Deferred  int         `json:"deferred"`
	Positive  int         `json:"positive"`
	Finalized bool        `json:"finalized"`
	Stage     model.Stage `json:"stage,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// BatchResult summarizes one classification invocation.
type BatchResult struct {
	Scans []ScanOutcome `json:"scans"`
}

// Watchdog action kinds.
const (
	ActionKickIngestion = "kick_ingestion"
	ActionForceReady    = "force_ready"
	ActionKickDispatch  = "kick_dispatch"
	ActionFinalize      = "finalize"
	ActionRedispatch    = "redispatch"
	ActionFail          = "fail"
	ActionConflict      = "conflict"
)

// Action is one repair the watchdog applied or attempted.
type Action struct {
	ScanID string      `json:"scan_id,omitempty"`
	Stage  model.Stage `json:"stage"`
	Kind   string      `json:"kind"`
	Detail string      `json:"detail,omitempty"`
}

// Report summarizes one watchdog run.
type Report struct {
	Actions []Action `json:"actions"`
	Errors  []string `json:"errors,omitempty"`
}

// SweepSummary summarizes one sweeper run.
type SweepSummary struct {
	Examined   int `json:"examined"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}
