// Package notify provides Broadcaster implementations that hand confirmed
// visit events to the host application's live-update transport. The engine
// publishes and forgets; fan-out to connected clients is the host's job.
package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultChannelPrefix is used when no prefix is configured.
const DefaultChannelPrefix = "waylog:events"

// RedisBroadcaster publishes events on Redis pub/sub channels named
// <prefix>:<event>.
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
}

// NewRedisBroadcaster constructs a broadcaster publishing through the given
// client. An empty prefix falls back to DefaultChannelPrefix.
func NewRedisBroadcaster(client *redis.Client, prefix string) *RedisBroadcaster {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisBroadcaster{client: client, prefix: prefix}
}

// Broadcast publishes the payload on the event's channel.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, event string, payload []byte) error {
	channel := b.prefix + ":" + event
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("notify.RedisBroadcaster.Broadcast: %w", err)
	}
	return nil
}
