package redis

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/swapdesk/internal/domain"
)

// subscriberBuffer bounds the payloads queued per subscription.
const subscriberBuffer = 128

// SignalBus implements domain.SignalBus with Redis Pub/Sub, so snapshots
// and activity reach WebSocket clients attached to any replica. Delivery
// matches the in-process bus: a subscriber that falls behind loses
// payloads rather than stalling the connection.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

func busKey(channel string) string { return keyPrefix + "bus:" + channel }

// Publish sends payload to channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, busKey(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe follows channel, which may be a glob pattern. The returned
// channel closes when ctx is done or the connection is lost.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = sb.rdb.PSubscribe(ctx, busKey(channel))
	} else {
		ps = sb.rdb.Subscribe(ctx, busKey(channel))
	}
	// Wait for the confirmation so nothing published after we return is lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	in := ps.Channel(redis.WithChannelSize(subscriberBuffer))
	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
				}
			}
		}
	}()
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
