package model

import "time"

const CategoryOther = "other"

// Subscription is a durable recurring charge for a user, entered manually or
// promoted from an AnalysisTask.
type Subscription struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"user_id"`
	Name             string    `json:"name"`
	NormalizedName   string    `json:"-"`
	Price            *float64  `json:"price,omitempty"`
	Currency         *string   `json:"currency,omitempty"`
	BillingCycle     *string   `json:"billing_cycle,omitempty"`
	Category         string    `json:"category"`
	IsManual         bool      `json:"is_manual"`
	SourceAnalysisID *int64    `json:"source_analysis_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
