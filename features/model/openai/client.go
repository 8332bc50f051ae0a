// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API. It translates normalized requests into chat completion
// calls using github.com/openai/openai-go and maps responses back into the
// generic structures.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/troupe/runtime/model"
)

type (
	// CompletionsClient captures the subset of the OpenAI SDK client used by
	// the adapter. It is satisfied by *sdk.ChatCompletionService so callers
	// can pass either a real client or a stub in tests.
	CompletionsClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// DefaultModel is the model identifier used when a request names no
		// model and its class resolves to nothing. Required.
		DefaultModel string

		// HighModel serves requests with model.ClassHighReasoning.
		HighModel string

		// SmallModel serves requests with model.ClassSmall.
		SmallModel string

		// MaxTokens caps completions when a request does not set MaxTokens.
		// Zero leaves the provider default in place.
		MaxTokens int

		// Temperature applies when a request does not set Temperature.
		Temperature float64
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat         CompletionsClient
		defaultModel string
		highModel    string
		smallModel   string
		maxTok       int
		temp         float64
	}
)

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed model client from the provided completions
// client and configuration options.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, opts)
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return model.Response{}, err
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp)
}

func (c *Client) buildParams(req model.Request) (sdk.ChatCompletionNewParams, error) {
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, err
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.resolveModelID(req)),
		Messages: msgs,
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	return params, nil
}

// resolveModelID decides which concrete model ID to use based on
// Request.Model and Request.Class. Request.Model takes precedence; when
// empty, the class is mapped to the configured identifiers. Falls back to
// the default model.
func (c *Client) resolveModelID(req model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.Class {
	case model.ClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case model.ClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

// encodeMessages maps the normalized history onto the chat completion union
// constructors. Chat Completions carries system prompts inline.
func encodeMessages(msgs []model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	conversational := 0
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, sdk.UserMessage(m.Content))
			conversational++
		case model.RoleAssistant:
			out = append(out, sdk.AssistantMessage(m.Content))
			conversational++
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if conversational == 0 {
		return nil, errors.New("openai: at least one user or assistant message is required")
	}
	return out, nil
}

func translateResponse(resp *sdk.ChatCompletion) (model.Response, error) {
	if resp == nil {
		return model.Response{}, errors.New("openai: response is nil")
	}
	out := model.Response{
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	for _, choice := range resp.Choices {
		if choice.Message.Content != "" {
			out.Content = append(out.Content, model.Message{
				Role:    model.RoleAssistant,
				Content: choice.Message.Content,
			})
		}
		if out.StopReason == "" {
			out.StopReason = string(choice.FinishReason)
		}
	}
	return out, nil
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats HTTP 429 responses as rate-limited and is idempotent
// when ErrRateLimited is already present in the error chain.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == http.StatusTooManyRequests
}
