package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/memquest/memquest/pkg/observability/logging"
	"github.com/memquest/memquest/pkg/observability/metrics"
)

const (
	// payloadField is the stream entry field holding the event body.
	payloadField = "payload"

	// DefaultBlockInterval is how long a read blocks before re-checking the
	// consumer's context.
	DefaultBlockInterval = 5 * time.Second
	// DefaultBatchCount is the maximum entries fetched per read.
	DefaultBatchCount = 16
)

// RedisStreamOptions configures the Redis-backed producer and consumer.
type RedisStreamOptions struct {
	// Address is the Redis host:port.
	Address string
	// Stream is the stream key events are appended to.
	Stream string
	// Group is the consumer group name. Consumer-side only.
	Group string
	// MaxLen approximately caps the stream length; zero means unbounded.
	// Producer-side only.
	MaxLen int64
	// BlockInterval overrides DefaultBlockInterval when positive.
	BlockInterval time.Duration
	// BatchCount overrides DefaultBatchCount when positive.
	BatchCount int64
}

// RedisProducer appends events to a capped Redis stream.
type RedisProducer struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisProducer creates a producer. The connection is dialed lazily on the
// first send.
func NewRedisProducer(opts RedisStreamOptions) (*RedisProducer, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if opts.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	return &RedisProducer{
		client: redis.NewClient(&redis.Options{Addr: opts.Address}),
		stream: opts.Stream,
		maxLen: opts.MaxLen,
	}, nil
}

// Send appends one payload. When MaxLen is set the stream is trimmed
// approximately, which lets Redis trim in whole macro-nodes.
func (p *RedisProducer) Send(ctx context.Context, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", p.stream, err)
	}
	return nil
}

// Close releases the connection pool.
func (p *RedisProducer) Close() error {
	return p.client.Close()
}

// RedisConsumer reads a stream through a consumer group and acknowledges
// entries only after the handler returns nil, so a crash mid-batch redelivers
// the unfinished entries to the next consumer.
type RedisConsumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	count    int64
}

// NewRedisConsumer creates a consumer with a host-scoped unique name, so
// parallel replicas on one machine do not collide in the group.
func NewRedisConsumer(opts RedisStreamOptions) (*RedisConsumer, error) {
	if opts.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if opts.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	block := opts.BlockInterval
	if block <= 0 {
		block = DefaultBlockInterval
	}
	count := opts.BatchCount
	if count <= 0 {
		count = DefaultBatchCount
	}
	return &RedisConsumer{
		client:   redis.NewClient(&redis.Options{Addr: opts.Address}),
		stream:   opts.Stream,
		group:    opts.Group,
		consumer: consumerName(),
		block:    block,
		count:    count,
	}, nil
}

// Consume blocks reading the stream until ctx ends. Handler errors leave the
// entry pending; everything else is acknowledged.
func (c *RedisConsumer) Consume(ctx context.Context, handler Handler) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	logging.Infof("Stream consumer %s joined group %s on stream %s", c.consumer, c.group, c.stream)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.stream, ">"},
			Count:    c.count,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Block interval elapsed with nothing to read.
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Warnf("Stream read failed, backing off: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				c.deliver(ctx, handler, m)
			}
		}
	}
}

func (c *RedisConsumer) deliver(ctx context.Context, handler Handler, m redis.XMessage) {
	if lag, ok := messageLag(m.ID, time.Now()); ok {
		metrics.ObserveStreamLag(lag.Seconds())
	}

	if err := handler(ctx, Message{ID: m.ID, Payload: extractPayload(m.Values)}); err != nil {
		logging.Errorf("Stream message %s failed, leaving pending for redelivery: %v", m.ID, err)
		return
	}
	if err := c.client.XAck(ctx, c.stream, c.group, m.ID).Err(); err != nil {
		logging.Warnf("Failed to ack stream message %s: %v", m.ID, err)
	}
}

// ensureGroup creates the consumer group from the start of the stream,
// creating the stream itself if needed. An existing group is fine.
func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group %s: %w", c.group, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *RedisConsumer) Close() error {
	return c.client.Close()
}

// isBusyGroup reports whether err is Redis telling us the group already
// exists, which is the normal case on restart.
func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// extractPayload pulls the event body out of a stream entry. Entries written
// by other tools may lack the field; the handler sees an empty payload and
// reports a parse failure.
func extractPayload(values map[string]interface{}) []byte {
	raw, ok := values[payloadField]
	if !ok {
		return nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil
	}
	return []byte(s)
}

// messageLag derives delivery lag from the millisecond prefix of a Redis
// stream entry ID such as "1700000000000-0".
func messageLag(id string, now time.Time) (time.Duration, bool) {
	prefix, _, found := strings.Cut(id, "-")
	if !found {
		return 0, false
	}
	ms, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	lag := now.Sub(time.UnixMilli(ms))
	if lag < 0 {
		lag = 0
	}
	return lag, true
}

func consumerName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "memquest"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}
