// Package mailbox reads a user's Gmail mailbox with a per-scan bearer token.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"subscan/pkg/metrics"
	"subscan/pkg/util"
)

const me = "me"

// ErrUnauthorized means the provider rejected the access token.
var ErrUnauthorized = errors.New("mailbox token rejected")

// Config controls how the Gmail API is reached.
type Config struct {
	// Endpoint overrides the API base URL, for test servers.
	Endpoint string `yaml:"endpoint"`
	// FetchRPS paces message fetches. Zero disables pacing.
	FetchRPS   float64       `yaml:"fetch_rps"`
	FetchBurst int           `yaml:"fetch_burst"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Dialer opens token-scoped clients.
type Dialer struct {
	cfg    Config
	logger *zap.Logger
}

func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FetchBurst <= 0 {
		cfg.FetchBurst = 1
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Client is a Gmail API client bound to one access token.
type Client struct {
	svc    *gmail.Service
	pacer  *rate.Limiter
	logger *zap.Logger
}

// Open builds a client that authenticates every call with token.
func (d *Dialer) Open(ctx context.Context, token string) (*Client, error) {
	httpClient := &http.Client{
		Timeout:   d.cfg.Timeout,
		Transport: &bearerTransport{token: token, base: http.DefaultTransport},
	}
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if d.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(d.cfg.Endpoint))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	pacer := rate.NewLimiter(rate.Inf, 0)
	if d.cfg.FetchRPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(d.cfg.FetchRPS), d.cfg.FetchBurst)
	}
	return &Client{svc: svc, pacer: pacer, logger: d.logger}, nil
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}

// Probe checks that the token can read the mailbox profile.
func (c *Client) Probe(ctx context.Context) error {
	start := time.Now()
	_, err := c.svc.Users.GetProfile(me).Context(ctx).Do()
	observe("probe", start, err)
	return mapError(err)
}

// Search returns up to max message ids matching query, following pages.
func (c *Client) Search(ctx context.Context, query string, max int) ([]string, error) {
	var ids []string
	pageToken := ""
	for len(ids) < max {
		call := c.svc.Users.Messages.List(me).Q(query).MaxResults(int64(min(max-len(ids), 500))).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		start := time.Now()
		resp, err := call.Do()
		observe("search", start, err)
		if err != nil {
			return ids, mapError(err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" || len(resp.Messages) == 0 {
			break
		}
		pageToken = resp.NextPageToken
	}
	if len(ids) > max {
		ids = ids[:max]
	}
	return ids, nil
}

// Fetch loads one full message and extracts its text.
func (c *Client) Fetch(ctx context.Context, id string) (*Message, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	msg, err := c.svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
	observe("fetch", start, err)
	if err != nil {
		return nil, mapError(err)
	}
	return fromGmail(msg), nil
}

func observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordMailboxCallLatency(op, status, time.Since(start))
}

// mapError turns googleapi errors into util.HTTPStatusError, wrapping
// ErrUnauthorized for 401 and 403.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	statusErr := &util.HTTPStatusError{Service: "gmail", StatusCode: apiErr.Code, Body: apiErr.Message}
	if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden {
		return fmt.Errorf("%w: %w", ErrUnauthorized, statusErr)
	}
	return statusErr
}
