package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jarvis/internal/api"
	"jarvis/internal/auth"
	"jarvis/internal/config"
	"jarvis/internal/events"
	"jarvis/internal/logging"
	"jarvis/internal/redis"
	"jarvis/internal/service/completion"
	"jarvis/internal/session"
	"jarvis/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat page and its API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.cfg)
		},
	}
}

// server is the wired serve mode: one session behind one router.
type server struct {
	sessionID string
	store     *storage.HistoryStore
	bus       *events.Bus
	ctrl      *session.Controller
	router    *gin.Engine
	rdb       *redis.Client
}

func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	// no credential, no server
	apiKey, err := config.ResolveAPIKey(cfg)
	if err != nil {
		return nil, err
	}

	store := storage.NewHistoryStore(cfg.BasicConfig.DatabaseDriver, cfg.BasicConfig.DatabasePath)
	if err := store.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize history store: %w", err)
	}

	s := &server{sessionID: uuid.NewString(), store: store}
	sinks := []events.Sink{events.NewLogSink(logging.AppLogger, logging.ErrorLogger)}
	if cfg.Redis.Enabled {
		s.rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		sinks = append(sinks, events.NewRedisSink(s.rdb, cfg.Redis.Channel, logging.AppLogger))
	}
	s.bus = events.NewBus(s.sessionID, sinks...)

	chatModel, err := completion.NewChatModel(ctx, cfg.Provider, apiKey, cfg.Chat.MaxTokens)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init chat model: %w", err)
	}
	client := completion.NewClient(chatModel, completion.Options{
		Provider:  cfg.Provider.Name,
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Chat.MaxTokens,
		TopP:      cfg.Chat.TopP,
	}, s.bus)

	s.ctrl, err = session.New(ctx, client, store, s.bus, session.Options{
		SessionID:    s.sessionID,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Temperature:  cfg.Chat.Temperature,
		Rehydrate:    cfg.Chat.Rehydrate,
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("init session: %w", err)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.router.Use(api.RequestLogger(logging.AppLogger), gin.Recovery())
	api.NewHandler(s.ctrl, s.bus, auth.NewCSRF()).RegisterRoutes(s.router)
	return s, nil
}

// onRemote drops the live conversation when another process emptied the shared log.
func (s *server) onRemote(e events.Event) {
	if e.ClearsHistory() {
		s.ctrl.ResetConversation()
	}
}

func (s *server) close() {
	if s.rdb != nil {
		s.rdb.Close()
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	s, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// cancelling gctx closes open websocket feeds
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		logging.AppLogger.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("session_id", s.sessionID),
			zap.String("provider", cfg.Provider.Name),
			zap.String("model", cfg.Provider.Model))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		logging.AppLogger.Info("server shutdown complete")
		return nil
	})
	if s.rdb != nil {
		g.Go(func() error {
			if err := events.Listen(gctx, s.rdb, cfg.Redis.Channel, s.bus, logging.AppLogger, s.onRemote); err != nil {
				logging.ErrorLogger.Error("redis event listener stopped", zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
