package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jarvis/internal/conversation"
	"jarvis/internal/logging"
	"jarvis/internal/models"
)

var (
	ErrEmptyInput         = errors.New("message is empty")
	ErrInvalidTemperature = errors.New("temperature must be within [0, 1]")
)

// Completer produces the assistant reply. It never fails; errors become a fallback reply.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, history []models.Message, newMessage string, temperature float64) string
}

// Store is the durable exchange log.
type Store interface {
	NewRecord(userMessage, botResponse string) models.HistoryRecord
	Append(ctx context.Context, record models.HistoryRecord) error
	ListAll(ctx context.Context) ([]models.HistoryRecord, error)
	Clear(ctx context.Context) error
}

// Notifier is told when the view must re-render and when the log failed.
type Notifier interface {
	Refresh(reason string)
	ReportStorageError(ctx context.Context, err error)
}

type Options struct {
	SessionID    string
	SystemPrompt string
	Temperature  float64
	// Rehydrate seeds the conversation from the durable log.
	Rehydrate bool
}

// Exchange is the outcome of one submission.
type Exchange struct {
	Reply  string               `json:"reply"`
	Record models.HistoryRecord `json:"record"`
}

// Controller drives one chat session. Submissions and clears are processed
// one at a time; concurrent callers wait their turn.
type Controller struct {
	mu sync.Mutex

	state atomic.Int32

	promptMu sync.RWMutex
	prompt   models.SystemPromptConfig

	sessionID string
	conv      *conversation.State
	client    Completer
	store     Store
	notifier  Notifier
}

// New builds an Idle controller with an empty conversation, or one seeded
// from the store when opts.Rehydrate is set.
func New(ctx context.Context, client Completer, store Store, notifier Notifier, opts Options) (*Controller, error) {
	if err := validateTemperature(opts.Temperature); err != nil {
		return nil, err
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c := &Controller{
		prompt:    models.SystemPromptConfig{PromptText: opts.SystemPrompt, Temperature: opts.Temperature},
		sessionID: sessionID,
		conv:      conversation.New(),
		client:    client,
		store:     store,
		notifier:  notifier,
	}
	if opts.Rehydrate {
		records, err := store.ListAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("rehydrate conversation: %w", err)
		}
		c.conv.Load(conversation.FromHistory(records))
		logging.AppLogger.Info("conversation rehydrated",
			zap.String("session_id", sessionID), zap.Int("exchanges", len(records)))
	}
	c.setState(Idle)
	return c, nil
}

func (c *Controller) SessionID() string { return c.sessionID }

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }

// Submit runs one exchange: record the user turn, ask for a reply using the
// prior turns only, record the reply, log the exchange and request a re-render.
// A storage failure is returned after the conversation has already advanced.
func (c *Controller) Submit(ctx context.Context, input string) (Exchange, error) {
	if strings.TrimSpace(input) == "" {
		return Exchange{}, ErrEmptyInput
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setState(Idle)

	ctx = logging.WithSessionID(ctx, c.sessionID)
	prompt := c.PromptConfig()

	c.setState(AwaitingInput)
	c.conv.Append(models.NewUserMessage(input))
	snapshot := c.conv.Snapshot()
	history := snapshot[:len(snapshot)-1]

	c.setState(RequestInFlight)
	reply := c.client.Complete(ctx, prompt.PromptText, history, input, prompt.Temperature)

	c.setState(Rendering)
	c.conv.Append(models.NewAssistantMessage(reply))
	record := c.store.NewRecord(input, reply)
	// the exchange is logged even if the caller went away during the remote call
	err := c.store.Append(context.WithoutCancel(ctx), record)
	if err != nil {
		c.notifier.ReportStorageError(ctx, err)
	}
	c.notifier.Refresh("exchange")

	exchange := Exchange{Reply: reply, Record: record}
	if err != nil {
		return exchange, fmt.Errorf("store exchange: %w", err)
	}
	return exchange, nil
}

// Clear empties the conversation and the durable log together.
func (c *Controller) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conv.Reset()
	err := c.store.Clear(ctx)
	if err != nil {
		c.notifier.ReportStorageError(ctx, err)
	}
	c.notifier.Refresh("clear")
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	logging.AppLogger.Info("chat history cleared", zap.String("session_id", c.sessionID))
	return nil
}

// ResetConversation drops the live dialogue without touching the durable
// log. Used when another process has already cleared the shared store.
func (c *Controller) ResetConversation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conv.Reset()
	logging.AppLogger.Info("conversation reset after remote clear", zap.String("session_id", c.sessionID))
}

func (c *Controller) PromptConfig() models.SystemPromptConfig {
	c.promptMu.RLock()
	defer c.promptMu.RUnlock()
	return c.prompt
}

// SetSystemPrompt takes effect on the next submission.
func (c *Controller) SetSystemPrompt(text string) {
	c.promptMu.Lock()
	c.prompt.PromptText = text
	c.promptMu.Unlock()
}

func (c *Controller) SetTemperature(t float64) error {
	if err := validateTemperature(t); err != nil {
		return err
	}
	c.promptMu.Lock()
	c.prompt.Temperature = t
	c.promptMu.Unlock()
	return nil
}

// Conversation returns a copy of the live dialogue.
func (c *Controller) Conversation() []models.Message {
	return c.conv.Snapshot()
}

// History returns the durable log, oldest first.
func (c *Controller) History(ctx context.Context) ([]models.HistoryRecord, error) {
	return c.store.ListAll(ctx)
}

func validateTemperature(t float64) error {
	if t < 0 || t > 1 {
		return fmt.Errorf("%w: got %.2f", ErrInvalidTemperature, t)
	}
	return nil
}
