package queue

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/campaign-dialer/internal/engine"
)

// MetricsPublisher caches the latest metrics snapshot under a well-known
// Redis key and announces each refresh on a pub/sub channel.
type MetricsPublisher struct {
	client  *redis.Client
	key     string
	channel string
}

// NewMetricsPublisher constructs a publisher for the given key and channel.
func NewMetricsPublisher(client *redis.Client, key, channel string) *MetricsPublisher {
	return &MetricsPublisher{client: client, key: key, channel: channel}
}

// Store writes the snapshot and publishes it.
func (p *MetricsPublisher) Store(ctx context.Context, snap engine.MetricsSnapshot) error {
	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("metrics publisher: marshal: %w", err)
	}
	if err := p.client.Set(ctx, p.key, value, 0).Err(); err != nil {
		return fmt.Errorf("metrics publisher: set %s: %w", p.key, err)
	}
	if err := p.client.Publish(ctx, p.channel, value).Err(); err != nil {
		return fmt.Errorf("metrics publisher: publish %s: %w", p.channel, err)
	}
	return nil
}
