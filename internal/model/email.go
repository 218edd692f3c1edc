package model

import "time"

// EmailRecord is a persisted mailbox message. Written once by ingestion.
type EmailRecord struct {
	ID                int64      `json:"id"`
	ScanID            string     `json:"scan_id"`
	UserID            string     `json:"user_id"`
	ProviderMessageID string     `json:"provider_message_id"`
	Subject           string     `json:"subject"`
	Sender            string     `json:"sender"`
	Date              *time.Time `json:"date,omitempty"`
	Content           string     `json:"content"`
	ContentPreview    string     `json:"content_preview"`
	CreatedAt         time.Time  `json:"created_at"`
}
