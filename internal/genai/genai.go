// Package genai wraps the OpenAI chat completions API as the reasoning service.
//
// Calls are rate limited, bounded by a per-call timeout and retried a small number of times
// with jittered exponential backoff. GenerateStructured strips code fences and decodes JSON,
// failing loudly so callers own their fallback policy.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"
)

// Default client configuration.
const (
	DefaultModel          = openai.ChatModelGPT4oMini
	DefaultTemperature    = 0.3
	DefaultMaxTokens      = 2048
	DefaultMaxRetries     = 2
	DefaultInitialDelay   = time.Second
	DefaultRequestTimeout = 30 * time.Second
	// DefaultRequestsPerSecond bounds the steady request rate; bursts up to DefaultBurst.
	DefaultRequestsPerSecond = 5.0
	DefaultBurst             = 10
)

var (
	// ErrNoChoicesReturned is returned when the API reply has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned from reasoning service")
	// ErrAPIKeyRequired is returned by NewClient without an API key.
	ErrAPIKeyRequired = errors.New("OpenAI API key not set")
	// ErrMalformedJSON is returned by GenerateStructured when the reply is not valid JSON for T.
	ErrMalformedJSON = errors.New("reasoning service returned malformed JSON")
)

// Generator is the text generation capability consumed by the pipeline and classifier.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// chatService is the subset of the OpenAI SDK the client needs.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openAIChatService adapts the SDK's completion service to chatService.
type openAIChatService struct {
	client *openai.Client
}

func (s *openAIChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey            string
	Model             string
	Temperature       float64
	MaxRetries        int
	InitialDelay      time.Duration
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxRetries sets how many times a failed call is retried.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRateLimit sets the steady request rate.
func WithRateLimit(perSecond float64) Option {
	return func(o *Opts) { o.RequestsPerSecond = perSecond }
}

// Client generates text with the OpenAI chat API.
type Client struct {
	chat         chatService
	model        string
	temperature  float64
	maxRetries   int
	initialDelay time.Duration
	timeout      time.Duration
	limiter      *rate.Limiter
}

// NewClient creates a client. An API key is required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:             string(DefaultModel),
		Temperature:       DefaultTemperature,
		MaxRetries:        DefaultMaxRetries,
		InitialDelay:      DefaultInitialDelay,
		Timeout:           DefaultRequestTimeout,
		RequestsPerSecond: DefaultRequestsPerSecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("GenAI NewClient options set", "api_key_set", cfg.APIKey != "", "model", cfg.Model, "max_retries", cfg.MaxRetries, "timeout", cfg.Timeout)
	if cfg.APIKey == "" {
		slog.Error("GenAI NewClient: API key not set")
		return nil, ErrAPIKeyRequired
	}

	// Retries are handled here so the SDK's own retry loop is disabled.
	sdk := openai.NewClient(option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0))
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), DefaultBurst)
	}
	return &Client{
		chat:         &openAIChatService{client: &sdk},
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxRetries:   cfg.MaxRetries,
		initialDelay: cfg.InitialDelay,
		timeout:      cfg.Timeout,
		limiter:      limiter,
	}, nil
}

// Generate sends a system and user prompt and returns the first choice's content.
// maxTokens <= 0 uses DefaultMaxTokens.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}

	attempt := 0
	operation := func() (string, error) {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return "", backoff.Permanent(err)
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.chat.Create(callCtx, params)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", backoff.Permanent(ErrNoChoicesReturned)
		}
		return resp.Choices[0].Message.Content, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("GenAI Generate: call failed, retrying", "attempt", attempt, "next_in", next, "error", err)
		}),
	)
	if err != nil {
		slog.Error("GenAI Generate failed", "attempts", attempt, "error", err)
		return "", fmt.Errorf("reasoning service call failed: %w", err)
	}
	slog.Debug("GenAI Generate succeeded", "attempts", attempt, "response_length", len(out))
	return out, nil
}

var codeFence = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// StripCodeFence returns the body of the first fenced block, or the trimmed input when there
// is none.
func StripCodeFence(s string) string {
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

// GenerateStructured calls g and decodes the reply as JSON into T. Call failures are returned
// as-is; decode failures wrap ErrMalformedJSON.
func GenerateStructured[T any](ctx context.Context, g Generator, systemPrompt, userPrompt string, maxTokens int) (T, error) {
	var out T
	raw, err := g.Generate(ctx, systemPrompt, userPrompt, maxTokens)
	if err != nil {
		return out, err
	}
	body := StripCodeFence(raw)
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		slog.Warn("GenAI GenerateStructured: decode failed", "error", err, "response_length", len(raw))
		return out, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return out, nil
}
