package streaming

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowgate/pkg/schema"
)

const (
	defaultRedisPrefix = "flowgate"
	defaultSnapshotTTL = 24 * time.Hour
)

// RedisConfig configures a RedisHub.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string        // channel and key prefix
	SnapshotTTL time.Duration // lifetime of the latest-snapshot key
	Logger      *slog.Logger
}

var _ EventHub = (*RedisHub)(nil)

// RedisHub publishes stream messages on per-execution Redis channels and
// keeps the latest snapshot of each execution under a key.
type RedisHub struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisHub connects to Redis and verifies the connection.
func NewRedisHub(ctx context.Context, cfg RedisConfig) (*RedisHub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, schema.NewErrorf(schema.ErrCodeStore, "redis ping %s", cfg.Addr).WithCause(err)
	}
	return NewRedisHubFromClient(client, cfg), nil
}

// NewRedisHubFromClient wraps an existing client.
func NewRedisHubFromClient(client *redis.Client, cfg RedisConfig) *RedisHub {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = defaultSnapshotTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisHub{client: client, prefix: cfg.Prefix, ttl: cfg.SnapshotTTL, logger: cfg.Logger}
}

func (h *RedisHub) channel(executionID string) string {
	return h.prefix + ":events:" + executionID
}

func (h *RedisHub) snapshotKey(executionID string) string {
	return h.prefix + ":snapshot:" + executionID
}

func (h *RedisHub) PublishEvent(ctx context.Context, event schema.ExecutionEvent) error {
	return h.publish(ctx, StreamEvent{ExecutionID: event.ExecutionID, Kind: KindEvent, Event: &event})
}

func (h *RedisHub) PublishSnapshot(ctx context.Context, exec *schema.Execution) error {
	msg := StreamEvent{ExecutionID: exec.ID, Kind: KindSnapshot, Snapshot: exec}
	data, err := json.Marshal(exec)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode snapshot").WithCause(err)
	}
	if err := h.client.Set(ctx, h.snapshotKey(exec.ID), data, h.ttl).Err(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "store snapshot").WithCause(err)
	}
	return h.publish(ctx, msg)
}

func (h *RedisHub) publish(ctx context.Context, msg StreamEvent) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode stream message").WithCause(err)
	}
	if err := h.client.Publish(ctx, h.channel(msg.ExecutionID), data).Err(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "redis publish").WithCause(err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot published for an execution.
func (h *RedisHub) LatestSnapshot(ctx context.Context, executionID string) (*schema.Execution, error) {
	data, err := h.client.Get(ctx, h.snapshotKey(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no snapshot for execution %s", executionID)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load snapshot").WithCause(err)
	}
	var exec schema.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode snapshot").WithCause(err)
	}
	return &exec, nil
}

// Subscribe listens on one execution's channel, or on all of them when the
// filter names no execution. Messages are decoded and filtered locally.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var ps *redis.PubSub
	if filter.ExecutionID != "" {
		ps = h.client.Subscribe(ctx, h.channel(filter.ExecutionID))
	} else {
		ps = h.client.PSubscribe(ctx, h.channel("*"))
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, schema.NewError(schema.ErrCodeStore, "redis subscribe").WithCause(err)
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var msg StreamEvent
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					h.logger.Debug("dropping malformed stream message", slog.String("channel", m.Channel))
					continue
				}
				if !filter.match(msg) {
					continue
				}
				select {
				case out <- msg:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

// Close releases the Redis client.
func (h *RedisHub) Close() error {
	return h.client.Close()
}
