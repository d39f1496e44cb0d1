// Package feed consumes location pings published by the host application
// and drives them through the detection path. The engine core stays
// transport-agnostic; this package is the one adapter between the host's
// ping stream and DetectionService.
package feed

import (
	"context"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/waylog/waylog/internal/domain"
)

// DefaultChannel is the pub/sub channel pings arrive on when none is
// configured.
const DefaultChannel = "waylog:pings"

// PingHandler is the slice of DetectionService the feed depends on.
type PingHandler interface {
	HandlePing(ctx context.Context, ping domain.Ping) error
}

// pingMessage is the wire form of one published ping.
type pingMessage struct {
	UserID     uuid.UUID `json:"user_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy_m"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RedisSubscriber reads pings from a Redis pub/sub channel and hands each
// one to the detection service.
type RedisSubscriber struct {
	client  *redis.Client
	channel string
	handler PingHandler
	log     *slog.Logger
}

// NewRedisSubscriber constructs a subscriber on the given channel. An empty
// channel name falls back to DefaultChannel.
func NewRedisSubscriber(client *redis.Client, channel string, handler PingHandler, log *slog.Logger) *RedisSubscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSubscriber{client: client, channel: channel, handler: handler, log: log}
}

// Run consumes the channel until ctx is cancelled.
// Returns nil on cancellation; shutting down is not a failure.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	s.log.Info("ping feed subscribed", "channel", s.channel)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch(ctx, []byte(msg.Payload))
		}
	}
}

// dispatch decodes one published message and hands it to the detection
// service. Undecodable payloads are logged and dropped; handler errors are
// logged and the stream continues, because one bad ping must never stall the
// feed.
func (s *RedisSubscriber) dispatch(ctx context.Context, payload []byte) {
	var pm pingMessage
	if err := json.Unmarshal(payload, &pm); err != nil {
		s.log.Warn("ping feed: undecodable message", "error", err)
		return
	}

	ping := domain.Ping{
		UserID:     pm.UserID,
		Latitude:   pm.Latitude,
		Longitude:  pm.Longitude,
		AccuracyM:  pm.AccuracyM,
		RecordedAt: pm.RecordedAt,
	}
	if err := s.handler.HandlePing(ctx, ping); err != nil {
		s.log.Error("ping feed: ping not handled", "error", err, "user_id", pm.UserID)
	}
}
