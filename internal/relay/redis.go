// Package relay fans broadcasts out across hub processes over Redis pub/sub.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goevery/openpreview/pkg/protocol"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deliverer is the local half of a hub.
type Deliverer interface {
	Broadcast(scope protocol.Scope, envelope protocol.Envelope) int
}

type message struct {
	Scope    protocol.Scope    `json:"scope"`
	Envelope protocol.Envelope `json:"envelope"`
}

type RedisRelay struct {
	logger  *zap.Logger
	client  *redis.Client
	channel string
	local   Deliverer
	ready   chan struct{}

	subscribed atomic.Bool
}

func NewRedisRelay(logger *zap.Logger, client *redis.Client, channel string, local Deliverer) *RedisRelay {
	return &RedisRelay{
		logger:  logger,
		client:  client,
		channel: channel,
		local:   local,
		ready:   make(chan struct{}),
	}
}

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return client, nil
}

// Publish sends the broadcast through Redis so every process, this one
// included, delivers it to its own connections. If Redis rejects the
// publish, or this process is not subscribed, the local hub gets the
// broadcast directly.
func (r *RedisRelay) Publish(ctx context.Context, scope protocol.Scope, envelope protocol.Envelope) error {
	payload, err := json.Marshal(message{Scope: scope, Envelope: envelope})
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("redis publish failed, delivering locally",
			zap.String("scope", scope.String()),
			zap.Error(err))

		r.local.Broadcast(scope, envelope)
		return nil
	}

	if !r.subscribed.Load() {
		r.local.Broadcast(scope, envelope)
	}

	return nil
}

// Ready is closed once Run has an active subscription.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the relay channel and delivers every broadcast to the
// local hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.subscribed.Store(true)
	defer r.subscribed.Store(false)
	close(r.ready)

	r.logger.Info("redis relay subscribed", zap.String("channel", r.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}

			var decoded message
			if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
				r.logger.Warn("dropping malformed relay message", zap.Error(err))
				continue
			}

			r.local.Broadcast(decoded.Scope, decoded.Envelope)
		}
	}
}
