package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"jarvis/internal/redis"
)

// LogSink writes events to zap. Errors go to both loggers.
type LogSink struct {
	app  *zap.Logger
	errs *zap.Logger
}

func NewLogSink(app, errs *zap.Logger) *LogSink {
	return &LogSink{app: app, errs: errs}
}

func (s *LogSink) Deliver(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.String("session_id", e.SessionID),
	}
	switch e.Kind {
	case KindRemoteCallError, KindStorageError:
		fields = append(fields, zap.String("error", e.Error))
		s.app.Warn("session event", fields...)
		s.errs.Error("session event", fields...)
	default:
		if e.Reason != "" {
			fields = append(fields, zap.String("reason", e.Reason))
		}
		s.app.Debug("session event", fields...)
	}
}

// Publisher is the subset of the redis client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisSink broadcasts events to other processes sharing the store.
type RedisSink struct {
	client  Publisher
	channel string
	log     *zap.Logger
}

func NewRedisSink(client Publisher, channel string, log *zap.Logger) *RedisSink {
	return &RedisSink{client: client, channel: channel, log: log}
}

func (s *RedisSink) Deliver(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.log.Warn("event marshal failed", zap.Error(err))
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.client.Publish(pubCtx, s.channel, payload); err != nil {
		s.log.Warn("event publish failed", zap.String("channel", s.channel), zap.Error(err))
	}
}

// Listen forwards events published by other processes to bus subscribers.
// Blocks until ctx is done.
func Listen(ctx context.Context, client *redis.Client, channel string, bus *Bus, log *zap.Logger, onRemote func(Event)) error {
	return client.Subscribe(ctx, channel, Relay(bus, log, onRemote))
}

// Relay decodes one payload from another process. Events carrying the bus's
// own session id are skipped. onRemote, when set, runs before subscribers
// see the event so a re-render observes its effect.
func Relay(bus *Bus, log *zap.Logger, onRemote func(Event)) func(payload []byte) {
	return func(payload []byte) {
		var e Event
		if err := json.Unmarshal(payload, &e); err != nil {
			log.Warn("event decode failed", zap.Error(err))
			return
		}
		if e.SessionID == bus.SessionID() {
			return
		}
		if onRemote != nil {
			onRemote(e)
		}
		bus.Forward(e)
	}
}
