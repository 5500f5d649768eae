// Package ai wraps the language-model endpoint behind typed triage calls.
//
// All traffic goes through Complete, which applies the retry policy:
// bounded retries with exponential backoff and a deterministic seed that
// increments per attempt, so repeated attempts are not byte-identical for
// seed-sensitive providers while staying reproducible run-to-run.
package ai

import (
	"context"
	"log/slog"
	"time"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oshared "github.com/openai/openai-go/shared"

	"github.com/mailpilot/mailpilot/internal/types"
	"github.com/mailpilot/mailpilot/internal/user"
)

// RetryPolicy controls Complete's retry loop.
type RetryPolicy struct {
	// MaxRetries is the number of additional attempts after the first failure.
	MaxRetries int
	// Backoff maps a zero-based attempt index to the sleep before retrying it.
	Backoff func(attempt int) time.Duration
	// BaseSeed is the seed of the first attempt; attempt n uses BaseSeed+n.
	BaseSeed int64
}

// DefaultRetryPolicy matches the provider behavior this assistant was tuned
// against: 3 retries, 2^attempt seconds, seed starting at 42.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt)) * time.Second
		},
		BaseSeed: 42,
	}
}

// Options selects the call shape for one completion.
type Options struct {
	JSONMode bool
	Model    string
}

// Completion is a single model reply with its reported usage.
type Completion struct {
	Role    types.Role
	Content string
	Usage   types.Usage
}

// Client talks to an OpenAI-compatible endpoint.
type Client struct {
	oc         openai.Client
	model      string
	embedModel string
	retry      RetryPolicy
	log        *slog.Logger
	profile    *user.Profile
}

// NewClient builds a Client. baseURL may be empty for the provider default.
func NewClient(apiKey, baseURL, model, embedModel string, retry RetryPolicy, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, ooption.WithBaseURL(baseURL))
	}
	if retry.Backoff == nil {
		retry = DefaultRetryPolicy()
	}
	// The SDK's own retry layer is disabled; the policy below owns retries
	// so the seed can change between attempts.
	opts = append(opts, ooption.WithMaxRetries(0))
	return &Client{
		oc:         openai.NewClient(opts...),
		model:      model,
		embedModel: embedModel,
		retry:      retry,
		log:        log,
	}
}

// Complete sends the conversation and returns the model's reply. HTTP-level
// and transport failures are retried per the policy; after exhausting
// retries the last error surfaces to the caller.
func (c *Client) Complete(ctx context.Context, turns []types.ChatTurn, opts Options) (Completion, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toMessages(turns),
	}
	if opts.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &oshared.ResponseFormatJSONObjectParam{},
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		seed := c.retry.BaseSeed + int64(attempt)
		params.Seed = openai.Int(seed)

		resp, err := c.oc.Chat.Completions.New(ctx, params)
		if err == nil {
			if len(resp.Choices) == 0 {
				lastErr = errEmptyResponse
			} else {
				return Completion{
					Role:    types.RoleOperator,
					Content: resp.Choices[0].Message.Content,
					Usage: types.Usage{
						PromptTokens:     resp.Usage.PromptTokens,
						CompletionTokens: resp.Usage.CompletionTokens,
						TotalTokens:      resp.Usage.TotalTokens,
					},
				}, nil
			}
		} else {
			lastErr = err
		}

		if attempt == c.retry.MaxRetries {
			break
		}
		delay := c.retry.Backoff(attempt)
		c.log.Warn("model call failed, retrying",
			"attempt", attempt+1, "seed", seed, "delay", delay, "err", lastErr)
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return Completion{}, lastErr
}

// Embed returns the embedding vector for text using the configured model.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	resp, err := c.oc.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embedModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errEmptyResponse
	}
	return resp.Data[0].Embedding, nil
}

func toMessages(turns []types.ChatTurn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case types.RoleOperator:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		case types.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return msgs
}
