package mq

// RoutingSubscriptionDetected is published once per auto-detected subscription.
const RoutingSubscriptionDetected = "subscription.detected"

type SubscriptionDetectedPayload struct {
	SubscriptionID   int64    `json:"subscription_id"`
	UserID           string   `json:"user_id"`
	ScanID           string   `json:"scan_id"`
	Name             string   `json:"name"`
	Price            *float64 `json:"price,omitempty"`
	Currency         *string  `json:"currency,omitempty"`
	BillingCycle     *string  `json:"billing_cycle,omitempty"`
	SourceAnalysisID int64    `json:"source_analysis_id"`
	TraceID          string   `json:"trace_id,omitempty"`
}
