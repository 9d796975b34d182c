// Package evaluator asks an external language model to classify a student's
// progress on the current coding prompt and produce a short feedback blurb.
// A per-student rate limiter sits in front of every call.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/codedeck/codedeck/pkg/protocol"
)

// Evaluation is the model's verdict on one draft.
type Evaluation struct {
	Progress string `json:"progress"`
	Feedback string `json:"feedback"`
}

// Default is returned whenever the model cannot produce a conforming answer.
func Default() Evaluation {
	return Evaluation{Progress: protocol.ProgressNotStarted, Feedback: "Please start"}
}

// Client produces an Evaluation for a (prompt, code) pair.
type Client interface {
	Evaluate(ctx context.Context, prompt, code string) Evaluation
}

const systemPrompt = `You are a teaching assistant watching students work on a coding exercise.
Given the exercise prompt and a student's current draft, respond with ONLY a JSON object:
{"progress": "<label>", "feedback": "<20-30 word encouraging note>"}
The progress label must be exactly one of: notStarted, justStarted, halfwayDone, almostDone, allDone.
No prose outside the JSON object.`

// rateLimitBackoff is how long to wait before the single retry after a 429.
const rateLimitBackoff = 30 * time.Second

// AnthropicClient calls the Anthropic Messages API.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	logger  *slog.Logger
	backoff time.Duration
}

// NewAnthropic creates a client for the given model. An empty API key falls
// back to the SDK's environment lookup.
func NewAnthropic(apiKey, model string, logger *slog.Logger) *AnthropicClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(opts...),
		model:   model,
		logger:  logger.With("component", "evaluator"),
		backoff: rateLimitBackoff,
	}
}

// Evaluate asks the model for a progress classification. Any failure
// (transport, rate limit after one retry, or a non-conforming response)
// degrades to the default evaluation; it is never surfaced to the protocol.
func (c *AnthropicClient) Evaluate(ctx context.Context, prompt, code string) Evaluation {
	ev, err := c.call(ctx, prompt, code)
	if err == nil {
		return ev
	}

	if !isRateLimited(err) {
		c.logger.Warn("evaluation failed", "error", err)
		return Default()
	}

	select {
	case <-time.After(c.backoff):
	case <-ctx.Done():
		return Default()
	}

	ev, err = c.call(ctx, prompt, code)
	if err != nil {
		c.logger.Warn("evaluation failed after retry", "error", err)
		return Default()
	}
	return ev
}

func (c *AnthropicClient) call(ctx context.Context, prompt, code string) (Evaluation, error) {
	user := fmt.Sprintf("Exercise prompt:\n%s\n\nStudent draft:\n%s", prompt, code)

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 200,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return Evaluation{}, fmt.Errorf("anthropic messages: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return parseEvaluation(block.Text)
		}
	}
	return Evaluation{}, fmt.Errorf("no text block in response")
}

// parseEvaluation decodes the model's JSON answer, tolerating surrounding
// prose, and validates it against the schema.
func parseEvaluation(text string) (Evaluation, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Evaluation{}, fmt.Errorf("no JSON object in response")
	}

	var ev Evaluation
	if err := json.Unmarshal([]byte(text[start:end+1]), &ev); err != nil {
		return Evaluation{}, fmt.Errorf("decode evaluation: %w", err)
	}
	if !protocol.ValidProgress(ev.Progress) || ev.Feedback == "" {
		return Evaluation{}, fmt.Errorf("evaluation does not satisfy schema: %+v", ev)
	}
	return ev, nil
}

func isRateLimited(err error) bool {
	var apiErr *anthropic.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
