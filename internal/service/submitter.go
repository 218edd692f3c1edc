package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	contracthttp "subscan/contracts/http"
	"subscan/pkg/auth"
	"subscan/pkg/circuitbreaker"
	"subscan/pkg/logger"
	"subscan/pkg/otel"
	"subscan/pkg/trace"
	"subscan/pkg/util"
)

// Submitter hands a claimed batch to the Classification Worker.
type Submitter interface {
	Submit(ctx context.Context, req contracthttp.ClassifyRequest) error
}

// IngestTrigger starts the Ingestion Worker for one scan.
type IngestTrigger interface {
	TriggerIngest(ctx context.Context, scanID string) error
}

// DispatchTrigger runs the Analysis Dispatcher once.
type DispatchTrigger interface {
	TriggerDispatch(ctx context.Context) error
}

// SubmitFunc adapts an in-process function to Submitter.
type SubmitFunc func(ctx context.Context, req contracthttp.ClassifyRequest) error

func (f SubmitFunc) Submit(ctx context.Context, req contracthttp.ClassifyRequest) error {
	return f(ctx, req)
}

// IngestTriggerFunc adapts an in-process function to IngestTrigger.
type IngestTriggerFunc func(ctx context.Context, scanID string) error

func (f IngestTriggerFunc) TriggerIngest(ctx context.Context, scanID string) error {
	return f(ctx, scanID)
}

// DispatchTriggerFunc adapts an in-process function to DispatchTrigger.
type DispatchTriggerFunc func(ctx context.Context) error

func (f DispatchTriggerFunc) TriggerDispatch(ctx context.Context) error {
	return f(ctx)
}

// TriggerClient posts JSON to sibling worker endpoints with a service token.
// Transient failures count against a shared circuit breaker.
type TriggerClient struct {
	client    *http.Client
	signer    *auth.Signer
	component string
	cb        *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

func NewTriggerClient(timeout time.Duration, signer *auth.Signer, component string, cb *circuitbreaker.CircuitBreaker, logger *zap.Logger) *TriggerClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TriggerClient{
		client:    &http.Client{Timeout: timeout},
		signer:    signer,
		component: component,
		cb:        cb,
		logger:    logger,
	}
}

// Post sends body to url. Any non-2xx reply is an error.
func (c *TriggerClient) Post(ctx context.Context, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger body: %w", err)
	}

	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if id := trace.FromContext(ctx); id != "" {
			req.Header.Set(trace.HeaderName, id)
		}
		if c.signer.Enabled() {
			token, err := c.signer.Issue(c.component)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}
		otel.InjectHTTP(req)

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &util.HTTPStatusError{Service: url, StatusCode: resp.StatusCode, Body: string(b)}
		}
		return nil
	}

	if c.cb == nil {
		return call()
	}
	return c.cb.ExecuteCounting(call, func(err error) bool {
		retryable, _ := util.IsRetryableError(err)
		return retryable
	})
}

// HTTPSubmitter posts batches to the Classification Worker endpoint.
type HTTPSubmitter struct {
	client *TriggerClient
	url    string
}

func NewHTTPSubmitter(client *TriggerClient, url string) *HTTPSubmitter {
	return &HTTPSubmitter{client: client, url: url}
}

func (s *HTTPSubmitter) Submit(ctx context.Context, req contracthttp.ClassifyRequest) error {
	return s.client.Post(ctx, s.url, req)
}

// HTTPIngestTrigger posts {scan_id} to the Ingestion Worker endpoint.
type HTTPIngestTrigger struct {
	client *TriggerClient
	url    string
}

func NewHTTPIngestTrigger(client *TriggerClient, url string) *HTTPIngestTrigger {
	return &HTTPIngestTrigger{client: client, url: url}
}

func (t *HTTPIngestTrigger) TriggerIngest(ctx context.Context, scanID string) error {
	return t.client.Post(ctx, t.url, contracthttp.IngestRequest{ScanID: scanID})
}

// HTTPDispatchTrigger posts an empty body to the Dispatcher endpoint.
type HTTPDispatchTrigger struct {
	client *TriggerClient
	url    string
}

func NewHTTPDispatchTrigger(client *TriggerClient, url string) *HTTPDispatchTrigger {
	return &HTTPDispatchTrigger{client: client, url: url}
}

func (t *HTTPDispatchTrigger) TriggerDispatch(ctx context.Context) error {
	return t.client.Post(ctx, t.url, struct{}{})
}

// detach runs fn in the background on a context that outlives the caller's
// request but keeps its values, bounded by timeout. Failures are logged only.
// timeout 只限制 fn 本身，fn 再 detach 出去的工作各有各的预算。
func detach(ctx context.Context, log *zap.Logger, name string, timeout time.Duration, fn func(ctx context.Context) error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(bg, timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.WithTrace(ctx, log).Warn("Background call failed",
				zap.String("target", name),
				zap.Error(err),
			)
		}
	}()
}
