package api

import (
	"context"
	_ "embed"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"jarvis/internal/auth"
	"jarvis/internal/events"
	"jarvis/internal/logging"
	"jarvis/internal/models"
	"jarvis/internal/session"
	"jarvis/internal/storage"
)

//go:embed web/index.html
var indexHTML []byte

// ChatSession is the controller surface the HTTP layer drives.
type ChatSession interface {
	Submit(ctx context.Context, input string) (session.Exchange, error)
	Clear(ctx context.Context) error
	SetSystemPrompt(text string)
	SetTemperature(t float64) error
	PromptConfig() models.SystemPromptConfig
	Conversation() []models.Message
	History(ctx context.Context) ([]models.HistoryRecord, error)
	State() session.State
	SessionID() string
}

// EventSource feeds the websocket.
type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Handler wires HTTP routes to the chat session.
type Handler struct {
	session ChatSession
	events  EventSource
	csrf    *auth.CSRF
}

// NewHandler constructs a Handler instance.
func NewHandler(chat ChatSession, source EventSource, csrf *auth.CSRF) *Handler {
	if csrf == nil {
		csrf = auth.NewCSRF()
	}
	return &Handler{session: chat, events: source, csrf: csrf}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.index)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(h.csrf.Middleware())
	api.GET("/state", h.getState)
	api.POST("/messages", h.postMessage)
	api.POST("/clear", h.clearHistory)
	api.PUT("/prompt", h.updatePrompt)
	api.GET("/history", h.listHistory)
	api.GET("/events", h.streamEvents)
}

func (h *Handler) index(c *gin.Context) {
	if _, err := h.csrf.EnsureCookie(c); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func (h *Handler) getState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":      h.session.State(),
		"session_id": h.session.SessionID(),
		"prompt":     h.session.PromptConfig(),
		"messages":   h.session.Conversation(),
	})
}

type messageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) postMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	exchange, err := h.session.Submit(c.Request.Context(), req.Content)
	if err != nil {
		var storageErr *storage.StorageError
		switch {
		case errors.Is(err, session.ErrEmptyInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.As(err, &storageErr):
			// the reply was produced; only the log write failed
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":    err.Error(),
				"reply":    exchange.Reply,
				"messages": h.session.Conversation(),
			})
		default:
			logging.ErrorLogger.Error("submit message", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reply":    exchange.Reply,
		"record":   exchange.Record,
		"messages": h.session.Conversation(),
	})
}

func (h *Handler) clearHistory(c *gin.Context) {
	if err := h.session.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Chat history cleared!"})
}

type promptRequest struct {
	PromptText  *string  `json:"prompt_text"`
	Temperature *float64 `json:"temperature"`
}

func (h *Handler) updatePrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	// temperature first so a rejected request changes nothing
	if req.Temperature != nil {
		if err := h.session.SetTemperature(*req.Temperature); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.PromptText != nil {
		h.session.SetSystemPrompt(*req.PromptText)
	}
	c.JSON(http.StatusOK, h.session.PromptConfig())
}

func (h *Handler) listHistory(c *gin.Context) {
	records, err := h.session.History(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}
