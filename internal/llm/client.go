// Package llm adapts hosted language models to a single text-completion call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"subscan/pkg/circuitbreaker"
	"subscan/pkg/metrics"
	"subscan/pkg/util"
)

// Client sends one system+user exchange and returns the model's text.
type Client interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Provider() string
}

// Config selects and tunes the provider.
type Config struct {
	Provider    string                `yaml:"provider"` // openai, gemini, bedrock
	Model       string                `yaml:"model"`
	APIKey      string                `yaml:"api_key"`
	BaseURL     string                `yaml:"base_url"`
	Region      string                `yaml:"region"`
	MaxTokens   int                   `yaml:"max_tokens"`
	Temperature float32               `yaml:"temperature"`
	Timeout     time.Duration         `yaml:"timeout"`
	Breaker     circuitbreaker.Config `yaml:"breaker"`
}

// ErrEmptyResponse is returned when the provider answered without text.
var ErrEmptyResponse = errors.New("empty model response")

// New builds the configured provider wrapped in a circuit breaker.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Client, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	var (
		c   Client
		err error
	)
	switch cfg.Provider {
	case "openai", "":
		c = NewOpenAIClient(cfg)
	case "gemini":
		c, err = NewGeminiClient(ctx, cfg)
	case "bedrock":
		c, err = NewBedrockClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("LLM client ready",
		zap.String("provider", c.Provider()),
		zap.String("model", cfg.Model),
	)
	return WithBreaker(c, circuitbreaker.NewCircuitBreaker("llm-"+c.Provider(), cfg.Breaker)), nil
}

// guarded records latency and trips the breaker on transient failures only.
type guarded struct {
	next Client
	cb   *circuitbreaker.CircuitBreaker
}

func WithBreaker(c Client, cb *circuitbreaker.CircuitBreaker) Client {
	return &guarded{next: c, cb: cb}
}

func (g *guarded) Provider() string { return g.next.Provider() }

func (g *guarded) Complete(ctx context.Context, system, prompt string) (string, error) {
	var out string
	start := time.Now()
	err := g.cb.ExecuteCounting(func() error {
		var err error
		out, err = g.next.Complete(ctx, system, prompt)
		return err
	}, func(err error) bool {
		retryable, _ := util.IsRetryableError(err)
		return retryable
	})
	status := "ok"
	if err != nil {
		_, status = util.IsRetryableError(err)
	}
	metrics.RecordLLMCallLatency(g.next.Provider(), status, time.Since(start))
	return out, err
}
