// Package llm wraps the hosted model providers the hub uses for lightweight
// text generation: drone name suggestions and chat TLDRs. Both OpenAI and
// Gemini are reached through the OpenAI-compatible chat completions API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNotConfigured is returned when no provider or API key is set.
var ErrNotConfigured = errors.New("no llm provider configured")

// geminiBaseURL is Google's OpenAI-compatible endpoint.
const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

// Default models per concern; overridable via config.
const (
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultGeminiModel = "gemini-2.0-flash"
)

// Provider generates short text completions.
type Provider interface {
	// GenerateText runs one system+user exchange and returns the trimmed
	// assistant reply.
	GenerateText(ctx context.Context, model, system, prompt string) (string, error)
	// Name identifies the provider ("openai" or "gemini").
	Name() string
	// DefaultModel is used when a concern has no model override.
	DefaultModel() string
}

type client struct {
	name         string
	defaultModel string
	api          openai.Client
}

// NewOpenAI builds a provider backed by the OpenAI API.
func NewOpenAI(apiKey string) (Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNotConfigured
	}
	return &client{
		name:         "openai",
		defaultModel: DefaultOpenAIModel,
		api:          openai.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// NewGemini builds a provider backed by Gemini's OpenAI-compatible surface.
func NewGemini(apiKey string) (Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNotConfigured
	}
	return &client{
		name:         "gemini",
		defaultModel: DefaultGeminiModel,
		api: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(geminiBaseURL),
		),
	}, nil
}

func (c *client) Name() string         { return c.name }
func (c *client) DefaultModel() string { return c.defaultModel }

func (c *client) GenerateText(ctx context.Context, model, system, prompt string) (string, error) {
	if model == "" {
		model = c.defaultModel
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(prompt))

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s completion returned no choices", c.name)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
