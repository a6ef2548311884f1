// Package ai defines the script-generation provider contract: a prompt
// pair in, a strict JSON reply out. The Anthropic adapter is the
// production implementation; the fake serves tests and development
// mode.
//
// Providers retry timeouts and rate limits under the AI circuit
// breaker. A malformed reply never retries: the model already spent
// the tokens, asking again with the same prompt is the caller's call.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedResponse indicates the provider reply was not the
	// strict JSON object the contract demands. Never retryable.
	ErrMalformedResponse = errors.New("ai: malformed provider response")

	// ErrEmptyScript indicates a reply without a script that also does
	// not ask for clarification.
	ErrEmptyScript = errors.New("ai: provider returned an empty script")
)

// Request is one script-generation request.
type Request struct {
	// SystemPrompt frames the task and the reply contract.
	SystemPrompt string

	// UserPrompt is the user's modeling request.
	UserPrompt string

	// Context carries optional document state the script should build on.
	Context string

	// UserID attributes the request for provider-side abuse detection.
	UserID string
}

// Response is the provider's parsed reply.
type Response struct {
	// Language of the generated script. Always "python" today.
	Language string `json:"language"`

	// Units the script works in, for example "mm".
	Units string `json:"units"`

	// Parameters echoes the dimensional parameters the script uses.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Script is the generated document script.
	Script string `json:"script"`

	Warnings []string `json:"warnings,omitempty"`

	// Clarification is set when the model needs more information
	// instead of producing a script.
	Clarification bool `json:"needs_clarification,omitempty"`
}

// Provider generates document scripts from prompts. Implementations
// must be safe for concurrent use.
type Provider interface {
	Name() string
	GenerateScript(ctx context.Context, req Request) (*Response, error)
}

// ParseResponse parses a provider reply. The reply must be exactly one
// JSON object, optionally wrapped in a Markdown code fence; anything
// else is ErrMalformedResponse. A reply whose script is empty must ask
// for clarification, otherwise it is ErrEmptyScript.
func ParseResponse(raw string) (*Response, error) {
	raw = stripFence(strings.TrimSpace(raw))
	if raw == "" || raw[0] != '{' {
		return nil, fmt.Errorf("%w: reply is not a JSON object", ErrMalformedResponse)
	}

	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Script == "" && !resp.Clarification {
		return nil, ErrEmptyScript
	}
	if resp.Language == "" {
		resp.Language = "python"
	}
	return &resp, nil
}

// stripFence removes one surrounding Markdown code fence, with or
// without a language tag.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language tag line ("json", "python", or empty).
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
