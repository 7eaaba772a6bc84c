// Package broadcast relays accepted frames between server instances over
// Redis pub/sub.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/shared-note/internal/types"
)

const (
	defaultTopicPrefix = "doc:"
	defaultDedupeTTL   = 2 * time.Minute
	defaultQueueSize   = 1024
	maxBackoffDelay    = 30 * time.Second

	// expired message ids are swept this many times per dedupe window
	sweepsPerTTL = 4
)

// Handler applies a frame that another instance accepted.
type Handler interface {
	HandleRelayed(ctx context.Context, name types.DocumentName, frame []byte) error
}

type redisMessage struct {
	Instance   string `json:"instance"`
	MessageID  string `json:"message_id"`
	Document   string `json:"document"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// RedisBroadcaster publishes accepted frames to Redis and feeds frames from
// other instances back into the local hub.
type RedisBroadcaster struct {
	client   redis.UniversalClient
	instance string
	logger   zerolog.Logger

	topicPrefix string
	dedupeTTL   time.Duration
	queue       chan redisMessage

	seenMu    sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
}

// NewRedisBroadcaster constructs a broadcaster for this instance.
func NewRedisBroadcaster(client redis.UniversalClient, instance string, logger zerolog.Logger) *RedisBroadcaster {
	if instance == "" {
		instance = uuid.NewString()
	}
	return &RedisBroadcaster{
		client:      client,
		instance:    instance,
		logger:      logger.With().Str("component", "broadcast").Str("instance", instance).Logger(),
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		queue:       make(chan redisMessage, defaultQueueSize),
		seen:        make(map[string]time.Time),
		lastSweep:   time.Now(),
	}
}

// Instance returns the id stamped on published messages.
func (b *RedisBroadcaster) Instance() string { return b.instance }

// Publish queues frame for delivery on the document topic. It never blocks;
// when the queue is full the frame is dropped and peers on other instances
// catch up on their next handshake.
func (b *RedisBroadcaster) Publish(name types.DocumentName, frame []byte) {
	msg := redisMessage{
		Instance:   b.instance,
		MessageID:  uuid.NewString(),
		Document:   string(name),
		Payload:    append([]byte(nil), frame...),
		EnqueuedAt: time.Now().UTC().UnixNano(),
	}
	select {
	case b.queue <- msg:
		queueDepth.Set(float64(len(b.queue)))
	default:
		droppedTotal.Inc()
		b.logger.Warn().Str("document", msg.Document).Msg("relay queue full; frame dropped")
	}
}

// Start runs the publisher and the subscriber until ctx is cancelled.
func (b *RedisBroadcaster) Start(ctx context.Context, handler Handler) {
	go b.publishLoop(ctx)
	go b.run(ctx, handler)
}

func (b *RedisBroadcaster) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.queue:
			queueDepth.Set(float64(len(b.queue)))
			if err := b.send(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Error().Err(err).Str("document", msg.Document).Msg("redis publish abandoned")
			}
		}
	}
}

func (b *RedisBroadcaster) send(ctx context.Context, msg redisMessage) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}
	topic := b.topic(types.DocumentName(msg.Document))

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxBackoffDelay
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := b.client.Publish(ctx, topic, encoded).Err()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(2*time.Minute),
		backoff.WithNotify(func(err error, delay time.Duration) {
			b.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", delay).Msg("redis publish failed; retrying")
		}),
	)
	if err == nil {
		publishedTotal.Inc()
	}
	return err
}

func (b *RedisBroadcaster) run(ctx context.Context, handler Handler) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, b.topicPrefix+"*")
		if err := b.consume(ctx, pubsub, handler); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", delay).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			delay = min(delay*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBroadcaster) consume(ctx context.Context, pubsub *redis.PubSub, handler Handler) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process(ctx, msg.Channel, msg.Payload, handler); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process relayed frame")
			}
		}
	}
}

func (b *RedisBroadcaster) process(ctx context.Context, channel, raw string, handler Handler) error {
	var payload redisMessage
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.Document == "" || payload.MessageID == "" || len(payload.Payload) == 0 {
		return errors.New("incomplete payload")
	}
	if channel != "" && strings.TrimPrefix(channel, b.topicPrefix) != payload.Document {
		return fmt.Errorf("document %q does not match channel", payload.Document)
	}
	if payload.Instance == b.instance {
		return nil
	}
	if b.isDuplicate(payload.MessageID) {
		duplicateTotal.Inc()
		return nil
	}

	if payload.EnqueuedAt > 0 {
		deliveryLatency.Observe(time.Since(time.Unix(0, payload.EnqueuedAt)).Seconds())
	}
	receivedTotal.Inc()
	return handler.HandleRelayed(ctx, types.DocumentName(payload.Document), payload.Payload)
}

func (b *RedisBroadcaster) topic(name types.DocumentName) string {
	return b.topicPrefix + string(name)
}

func (b *RedisBroadcaster) isDuplicate(messageID string) bool {
	now := time.Now()

	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	if ts, ok := b.seen[messageID]; ok && now.Sub(ts) < b.dedupeTTL {
		return true
	}

	b.seen[messageID] = now
	if now.Sub(b.lastSweep) >= b.dedupeTTL/sweepsPerTTL {
		b.lastSweep = now
		cutoff := now.Add(-b.dedupeTTL)
		for k, ts := range b.seen {
			if ts.Before(cutoff) {
				delete(b.seen, k)
			}
		}
	}
	return false
}
