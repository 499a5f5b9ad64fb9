package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/metergate/metergate/internal/budget"
	"github.com/metergate/metergate/internal/config"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// alertEnvelope is the cross-instance wire format. Origin lets an instance
// skip its own published intents on the way back in.
type alertEnvelope struct {
	Origin string             `json:"origin"`
	Intent budget.AlertIntent `json:"intent"`
}

// RedisBridge relays budget alerts between instances over a Redis pub/sub
// channel. Delivery is loss-tolerant: a missed message only means a missed
// live notification, never lost billing state.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	hub     *Hub
}

// NewRedisBridge wires the hub to a Redis channel. Returns nil when no Redis
// address is configured; the hub then stays single-instance.
func NewRedisBridge(cfg config.RedisConfig, hub *Hub) *RedisBridge {
	if strings.TrimSpace(cfg.Addr) == "" || hub == nil {
		return nil
	}
	bridge := &RedisBridge{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: cfg.Channel,
		origin:  uuid.NewString(),
		hub:     hub,
	}
	hub.SetForwarder(bridge.publish)
	return bridge
}

// Start launches the subscriber loop.
func (b *RedisBridge) Start(ctx context.Context) {
	if b == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go b.run(ctx)
	log.Infof("redis alert bridge started (channel=%s)", b.channel)
}

// Close releases the Redis client.
func (b *RedisBridge) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *RedisBridge) publish(intent budget.AlertIntent) {
	payload, errMarshal := json.Marshal(alertEnvelope{Origin: b.origin, Intent: intent})
	if errMarshal != nil {
		log.WithError(errMarshal).Warn("redis bridge: marshal alert failed")
		return
	}
	if errPublish := b.client.Publish(context.Background(), b.channel, payload).Err(); errPublish != nil {
		log.WithError(errPublish).Warn("redis bridge: publish failed")
	}
}

func (b *RedisBridge) run(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env alertEnvelope
			if errDecode := json.Unmarshal([]byte(msg.Payload), &env); errDecode != nil {
				log.WithError(errDecode).Warn("redis bridge: malformed alert message")
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.hub.broadcastAlert(env.Intent)
		}
	}
}
