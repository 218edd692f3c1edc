// Package classify turns LLM text into a typed subscription verdict.
package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"subscan/internal/model"
)

var (
	// ErrNoJSON means the response holds no balanced JSON object.
	ErrNoJSON = errors.New("no json object in model output")
	// ErrInvalidVerdict means the object lacks a boolean is_subscription.
	ErrInvalidVerdict = errors.New("invalid verdict")
)

const defaultConfidence = 0.5

// ExtractJSON returns the first balanced {...} object in text. Braces inside
// JSON strings are ignored.
func ExtractJSON(text string) (string, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if start < 0 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}

// ParseVerdict extracts and coerces the verdict in raw. The returned
// Verdict carries raw as RawModelOutput. A negative verdict has nil fields.
func ParseVerdict(raw string) (model.Verdict, error) {
	v := model.Verdict{RawModelOutput: raw}

	obj, err := ExtractJSON(raw)
	if err != nil {
		return v, err
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return v, fmt.Errorf("%w: %v", ErrNoJSON, err)
	}

	isSub, ok := fields["is_subscription"].(bool)
	if !ok {
		return v, fmt.Errorf("%w: is_subscription is not a boolean", ErrInvalidVerdict)
	}
	name := strings.TrimSpace(firstString(fields, "subscription_name", "name"))
	if !isSub || name == "" {
		return v, nil
	}

	v.Name = &name
	v.Price = toNumber(fields["price"])
	if cur := strings.ToUpper(strings.TrimSpace(firstString(fields, "currency"))); cur != "" {
		v.Currency = &cur
	}
	if cycle := strings.ToLower(strings.TrimSpace(firstString(fields, "billing_cycle"))); cycle != "" {
		v.BillingCycle = &cycle
	}
	if d := strings.TrimSpace(firstString(fields, "next_billing_date")); d != "" {
		if t, err := time.Parse(time.DateOnly, d); err == nil {
			v.NextBillingDate = &t
		}
	}
	if p := strings.TrimSpace(firstString(fields, "service_provider", "provider")); p != "" {
		v.Provider = &p
	}
	v.Confidence = confidence(fields)
	return v, nil
}

func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// toNumber accepts a JSON number or a numeric string such as "$9.99" or
// "1,299.00 €".
func toNumber(v any) *float64 {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil
		}
		return &n
	case string:
		cleaned := strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == '.' || r == '-' {
				return r
			}
			return -1
		}, n)
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}

func confidence(fields map[string]any) *float64 {
	raw, ok := fields["confidence_score"]
	if !ok {
		raw = fields["confidence"]
	}
	c := defaultConfidence
	if n := toNumber(raw); n != nil {
		c = *n
		if c > 1 && c <= 100 {
			c /= 100
		}
		if c < 0 || c > 1 {
			c = defaultConfidence
		}
	}
	return &c
}
