package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"jarvis/internal/logging"
	"jarvis/internal/models"
)

// FallbackResponse stands in for the assistant reply whenever the remote call fails.
const FallbackResponse = "I apologize, but I encountered an error processing your request."

var errEmptyCompletion = errors.New("empty completion")

// RemoteCallError wraps any failure of the completion API.
type RemoteCallError struct {
	Provider string
	Model    string
	Err      error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("completion %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

// Reporter receives remote failures before the fallback is returned.
type Reporter interface {
	ReportRemoteError(ctx context.Context, err error)
}

type Options struct {
	Provider  string
	Model     string
	MaxTokens int
	TopP      float64
}

// Client sends the conversation to the completion API. It never returns an
// error: failures are reported and replaced by FallbackResponse.
type Client struct {
	chat     model.BaseChatModel
	opts     Options
	reporter Reporter
}

func NewClient(chat model.BaseChatModel, opts Options, reporter Reporter) *Client {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	// zero means unset; configured values are range-checked at load time
	if opts.TopP == 0 {
		opts.TopP = 1
	}
	return &Client{chat: chat, opts: opts, reporter: reporter}
}

// BuildMessages lays out the request: system prompt, prior turns verbatim, new user turn.
func BuildMessages(systemPrompt string, history []models.Message, newMessage string) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, schema.SystemMessage(systemPrompt))
	for _, m := range history {
		msgs = append(msgs, &schema.Message{Role: toSchemaRole(m.Role), Content: m.Content})
	}
	msgs = append(msgs, schema.UserMessage(newMessage))
	return msgs
}

func toSchemaRole(r models.Role) schema.RoleType {
	switch r {
	case models.RoleAssistant:
		return schema.Assistant
	case models.RoleSystem:
		return schema.System
	default:
		return schema.User
	}
}

// Complete returns the assistant reply for newMessage given history.
func (c *Client) Complete(ctx context.Context, systemPrompt string, history []models.Message, newMessage string, temperature float64) string {
	defer logging.LogDuration(ctx, "completion.Complete")()

	reply, err := c.generate(ctx, BuildMessages(systemPrompt, history, newMessage), temperature)
	if err != nil {
		remoteErr := &RemoteCallError{Provider: c.opts.Provider, Model: c.opts.Model, Err: err}
		if c.reporter != nil {
			c.reporter.ReportRemoteError(ctx, remoteErr)
		} else {
			logging.ErrorLogger.Error("completion failed", zap.Error(remoteErr))
		}
		return FallbackResponse
	}
	return reply
}

func (c *Client) generate(ctx context.Context, msgs []*schema.Message, temperature float64) (string, error) {
	if c.chat == nil {
		return "", errors.New("chat model not configured")
	}
	resp, err := c.chat.Generate(ctx, msgs,
		model.WithTemperature(float32(temperature)),
		model.WithMaxTokens(c.opts.MaxTokens),
		model.WithTopP(float32(c.opts.TopP)),
	)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", errEmptyCompletion
	}
	return resp.Content, nil
}
