package http

// ClassifyRequest is the body the dispatcher posts to the classification worker.
// ScanIDs and UserIDs are parallel slices.
type ClassifyRequest struct {
	ScanIDs []string `json:"scan_ids"`
	UserIDs []string `json:"user_ids"`
}

// IngestRequest triggers the ingestion worker for one scan. AccessToken is
// optional; without it the worker looks the token up by user.
type IngestRequest struct {
	ScanID      string `json:"scan_id" form:"scan_id"`
	AccessToken string `json:"access_token,omitempty" form:"access_token"`
}

// CreateScanRequest starts a new scan for a user.
type CreateScanRequest struct {
	UserID string `json:"user_id"`
}

// ReplayRequest re-queues one failed outbox event.
type ReplayRequest struct {
	EventID int64 `json:"event_id"`
}
