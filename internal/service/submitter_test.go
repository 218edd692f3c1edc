package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contracthttp "subscan/contracts/http"
	"subscan/pkg/auth"
	"subscan/pkg/circuitbreaker"
	"subscan/pkg/trace"
	"subscan/pkg/util"
)

func TestHTTPSubmitterSendsSignedBatch(t *testing.T) {
	signer := auth.NewSigner("secret", "subscan", time.Minute)
	var got contracthttp.ClassifyRequest
	var component, traceID string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/classify", r.URL.Path)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims, err := signer.Verify(token)
		if assert.NoError(t, err) {
			component = claims.Component
		}
		traceID = r.Header.Get(trace.HeaderName)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewTriggerClient(time.Second, signer, "dispatcher", nil, zap.NewNop())
	sub := NewHTTPSubmitter(client, srv.URL+"/v1/classify")

	ctx := trace.WithContext(context.Background(), "trace-123")
	err := sub.Submit(ctx, contracthttp.ClassifyRequest{ScanIDs: []string{"s1"}, UserIDs: []string{"u1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, got.ScanIDs)
	assert.Equal(t, []string{"u1"}, got.UserIDs)
	assert.Equal(t, "dispatcher", component)
	assert.Equal(t, "trace-123", traceID)
}

func TestTriggerClientOmitsTokenWithoutSecret(t *testing.T) {
	var authHeader string
	var body contracthttp.IngestRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	client := NewTriggerClient(time.Second, auth.NewSigner("", "", 0), "api", nil, zap.NewNop())
	require.NoError(t, NewHTTPIngestTrigger(client, srv.URL).TriggerIngest(context.Background(), "scan-9"))
	assert.Empty(t, authHeader)
	assert.Equal(t, "scan-9", body.ScanID)
}

func TestTriggerClientNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewTriggerClient(time.Second, nil, "watchdog", nil, zap.NewNop())
	err := NewHTTPDispatchTrigger(client, srv.URL).TriggerDispatch(context.Background())
	require.Error(t, err)

	var statusErr *util.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "overloaded")
}

func TestTriggerClientBreakerCountsOnlyTransientFailures(t *testing.T) {
	status := http.StatusBadRequest
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	}))
	defer srv.Close()

	cb := circuitbreaker.NewCircuitBreaker("trigger-test", circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour})
	client := NewTriggerClient(time.Second, nil, "dispatcher", cb, zap.NewNop())
	sub := NewHTTPSubmitter(client, srv.URL)

	for i := 0; i < 3; i++ {
		require.Error(t, sub.Submit(context.Background(), contracthttp.ClassifyRequest{}))
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.GetState())

	status = http.StatusBadGateway
	for i := 0; i < 2; i++ {
		require.Error(t, sub.Submit(context.Background(), contracthttp.ClassifyRequest{}))
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.GetState())

	err := sub.Submit(context.Background(), contracthttp.ClassifyRequest{})
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen)
	assert.Equal(t, 5, calls)
}
