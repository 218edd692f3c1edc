package classify

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"subscan/internal/model"
)

// SystemPrompt pins the model to the verdict schema.
const SystemPrompt = `You review emails and decide whether they show a recurring paid subscription.
Reply with a single JSON object and nothing else:
{
  "is_subscription": boolean,
  "subscription_name": string or null,
  "price": number or null,
  "currency": ISO 4217 code or null,
  "billing_cycle": "weekly" | "monthly" | "quarterly" | "yearly" | null,
  "next_billing_date": "YYYY-MM-DD" or null,
  "service_provider": string or null,
  "confidence_score": number between 0 and 1
}
Marketing, newsletters and one-off purchases are not subscriptions.`

const truncatedMarker = "\n[... truncated ...]"

// BuildPrompt renders one message for classification. The body is cut to
// maxBodyChars runes.
func BuildPrompt(email model.EmailRecord, maxBodyChars int) string {
	date := "unknown"
	if email.Date != nil {
		date = email.Date.UTC().Format(time.RFC1123Z)
	}
	body := email.Content
	if strings.TrimSpace(body) == "" {
		body = email.ContentPreview
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", email.Sender)
	fmt.Fprintf(&b, "Subject: %s\n", email.Subject)
	fmt.Fprintf(&b, "Date: %s\n", date)
	b.WriteString("Body:\n")
	b.WriteString(Truncate(body, maxBodyChars))
	return b.String()
}

// Truncate cuts s to at most max runes without splitting a UTF-8 sequence.
// A non-positive max leaves s unchanged.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + truncatedMarker
		}
		n++
	}
	return s
}
