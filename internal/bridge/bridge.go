// Package bridge fans room broadcasts out to other server processes over
// Redis pub/sub. It is best-effort by design: a publish failure is logged
// and never fails the operation that triggered it, and a single-node
// deployment runs complete without it.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const channelPrefix = "room:"

// Envelope is the wire form of one mirrored broadcast. Origin carries the
// publishing process's instance id so a node can ignore its own messages.
type Envelope struct {
	Origin  string          `json:"origin"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// LocalBroadcaster delivers a foreign event to the local room members.
type LocalBroadcaster interface {
	BroadcastLocal(documentID, event string, payload any)
}

type Bridge struct {
	client  *redis.Client
	origin  string
	logger  zerolog.Logger
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New connects to Redis and verifies the connection before returning.
func New(ctx context.Context, redisURL string, logger zerolog.Logger) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Bridge{
		client:  client,
		origin:  uuid.NewString(),
		logger:  logger,
		stopped: make(chan struct{}),
	}, nil
}

// Origin is this process's instance id.
func (b *Bridge) Origin() string { return b.origin }

// Publish mirrors one room broadcast to the other nodes.
func (b *Bridge) Publish(documentID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("bridge encode payload")
		return
	}
	data, err := json.Marshal(Envelope{Origin: b.origin, Event: event, Payload: raw})
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Msg("bridge encode envelope")
		return
	}
	if err := b.client.Publish(context.Background(), channelPrefix+documentID, data).Err(); err != nil {
		b.logger.Warn().Err(err).Str("document_id", documentID).Msg("bridge publish failed")
	}
}

// Run subscribes to every room channel and re-broadcasts foreign-origin
// envelopes locally until Close is called.
func (b *Bridge) Run(local LocalBroadcaster) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	go func() {
		defer close(b.stopped)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(local, msg)
			}
		}
	}()
}

func (b *Bridge) dispatch(local LocalBroadcaster, msg *redis.Message) {
	documentID := strings.TrimPrefix(msg.Channel, channelPrefix)
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("bridge decode envelope")
		return
	}
	if env.Origin == b.origin {
		return
	}
	local.BroadcastLocal(documentID, env.Event, env.Payload)
}

// Ping reports Redis connectivity for the readiness probe.
func (b *Bridge) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (b *Bridge) Close() {
	if b.cancel != nil {
		b.cancel()
		<-b.stopped
	}
	_ = b.client.Close()
}
