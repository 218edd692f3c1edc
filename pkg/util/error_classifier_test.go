package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"

	"subscan/pkg/circuitbreaker"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryableError(t *testing.T) {
	var syntaxErr *json.SyntaxError
	jsonErr := json.Unmarshal([]byte("{"), &struct{}{})
	assert.True(t, errors.As(jsonErr, &syntaxErr))

	cases := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"json", jsonErr, false, "json_decode_error"},
		{"no rows", fmt.Errorf("load: %w", pgx.ErrNoRows), false, "not_found"},
		{"breaker open", circuitbreaker.ErrCircuitBreakerOpen, true, "circuit_open"},
		{"429", &HTTPStatusError{Service: "llm", StatusCode: 429}, true, "rate_limited"},
		{"503", fmt.Errorf("call: %w", &HTTPStatusError{Service: "llm", StatusCode: 503}), true, "server_error"},
		{"401", &HTTPStatusError{Service: "mailbox", StatusCode: 401}, false, "unauthorized"},
		{"400", &HTTPStatusError{Service: "llm", StatusCode: 400}, false, "client_error"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, true, "network_timeout"},
		{"net refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true, "network_error"},
		{"unknown", errors.New("weird"), false, "unknown_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(tc.err)
			assert.Equal(t, tc.retryable, retryable)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func TestHTTPStatusErrorMessage(t *testing.T) {
	assert.Equal(t, "classifier returned status 502", (&HTTPStatusError{Service: "classifier", StatusCode: 502}).Error())
	assert.Equal(t, "classifier returned status 400: bad batch",
		(&HTTPStatusError{Service: "classifier", StatusCode: 400, Body: "bad batch"}).Error())
}
