package queue

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/engine"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// CommandSubscriber delivers operator commands from a Redis pub/sub channel.
type CommandSubscriber struct {
	client  *redis.Client
	channel string
	logger  *logger.Logger
}

// NewCommandSubscriber constructs a subscriber for the given channel.
func NewCommandSubscriber(client *redis.Client, channel string, lg *logger.Logger) *CommandSubscriber {
	return &CommandSubscriber{client: client, channel: channel, logger: lg}
}

// Subscribe opens the subscription and decodes envelopes until the context is
// cancelled. Malformed payloads are logged and skipped.
func (s *CommandSubscriber) Subscribe(ctx context.Context) (<-chan engine.Command, error) {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("command subscriber: subscribe %s: %w", s.channel, err)
	}

	out := make(chan engine.Command, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var cmd engine.Command
				if err := json.Unmarshal([]byte(msg.Payload), &cmd); err != nil {
					s.logger.Warn("command subscriber: bad payload", zap.Error(err))
					continue
				}
				select {
				case out <- cmd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
