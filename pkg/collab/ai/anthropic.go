package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/resilience"
)

// AnthropicConfig parametrizes the Anthropic-backed provider.
type AnthropicConfig struct {
	APIKey string

	// Model name. Default: claude-sonnet-4-5.
	Model string

	// MaxTokens bounds the reply. Default: 4096.
	MaxTokens int64

	// Temperature, applied when positive. Script generation wants it
	// low.
	Temperature float64

	// BaseURL overrides the API endpoint, for proxies.
	BaseURL string

	// Timeout bounds one API call. Default: 60s.
	Timeout time.Duration
}

func (c AnthropicConfig) withDefaults() AnthropicConfig {
	if c.Model == "" {
		c.Model = "claude-sonnet-4-5"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Anthropic generates scripts through the Anthropic Messages API.
type Anthropic struct {
	cfg     AnthropicConfig
	client  anthropic.Client
	breaker *resilience.Breaker
	retry   resilience.RetryPolicy
}

// NewAnthropic creates the provider. breaker may be nil, which skips
// circuit breaking; retries stay in either case.
func NewAnthropic(cfg AnthropicConfig, breaker *resilience.Breaker) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("ai: anthropic api key is required")
	}
	cfg = cfg.withDefaults()

	// The retry policy lives here, not in the SDK, so rate limits and
	// timeouts count against the shared breaker.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		cfg:     cfg,
		client:  anthropic.NewClient(opts...),
		breaker: breaker,
		retry:   resilience.DefaultRetryPolicy(),
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// GenerateScript calls the Messages API and parses the strict-JSON
// reply. Timeouts and rate limits retry with backoff under the
// breaker; malformed replies fail immediately.
func (p *Anthropic) GenerateScript(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := resilience.Retry(ctx, p.retry, "ai.generate", func(ctx context.Context) error {
		call := func(ctx context.Context) error {
			raw, err := p.complete(ctx, req)
			if err != nil {
				return err
			}
			parsed, err := ParseResponse(raw)
			if err != nil {
				return err
			}
			resp = parsed
			return nil
		}
		if p.breaker != nil {
			return p.breaker.Execute(ctx, call)
		}
		return call(ctx)
	})
	if err != nil {
		return nil, err
	}
	logger.DebugCtx(ctx, "Script generated",
		"provider", "anthropic",
		"model", p.cfg.Model,
		"clarification", resp.Clarification)
	return resp, nil
}

// complete performs one Messages call and concatenates the text blocks.
func (p *Anthropic) complete(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	userPrompt := req.UserPrompt
	if req.Context != "" {
		userPrompt = req.Context + "\n\n" + req.UserPrompt
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		MaxTokens: p.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if p.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(p.cfg.Temperature)
	}
	if req.UserID != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(req.UserID)}
	}

	message, err := p.client.Messages.New(callCtx, params)
	if err != nil {
		return "", classifyAPIError(err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: reply carries no text content", ErrMalformedResponse)
	}
	return sb.String(), nil
}

// classifyAPIError marks rate limits, timeouts, and server-side
// failures transient; everything else fails fast.
func classifyAPIError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		if transientStatus(apierr.StatusCode) {
			return resilience.Transient(fmt.Errorf("anthropic: %w", err))
		}
		return fmt.Errorf("anthropic: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.Transient(fmt.Errorf("anthropic: request timed out: %w", err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return resilience.Transient(fmt.Errorf("anthropic: %w", err))
	}
	return fmt.Errorf("anthropic: %w", err)
}

func transientStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	}
	return false
}
