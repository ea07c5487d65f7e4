package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	aldsync "github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/sync"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SnapshotConfig configures the Redis-backed snapshot cache.
type SnapshotConfig struct {
	Addr     string
	Password string
	DB       int
	Keyspace string // hash key holding the latest snapshot
	Channel  string // pub/sub channel notified on every tick
}

// snapshotEntry is one parameter's latest value, marshaled into the
// snapshot hash.
type snapshotEntry struct {
	Component string  `json:"component"`
	Value     float64 `json:"value"`
	At        int64   `json:"at"`
}

// SnapshotCache publishes the sync loop's latest values to a Redis hash
// plus a pub/sub channel, so external consumers can read current state
// without round-tripping to Postgres or the PLC.
// It implements internal/sync.TelemetrySink.
type SnapshotCache struct {
	client   *redis.Client
	keyspace string
	channel  string
	log      *zap.Logger
}

// NewSnapshotCache connects to Redis and verifies reachability with a
// PING.
func NewSnapshotCache(cfg SnapshotConfig, log *zap.Logger) (*SnapshotCache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	keyspace := cfg.Keyspace
	if keyspace == "" {
		keyspace = "ald:parameters:snapshot"
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "ald:parameters:tick"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &SnapshotCache{client: client, keyspace: keyspace, channel: channel, log: log}, nil
}

// RecordTick writes every sample into the snapshot hash in one
// pipelined call and publishes a tick notification. Failures are
// logged, never propagated, per the sink's best-effort contract.
func (c *SnapshotCache) RecordTick(ctx context.Context, samples []aldsync.Sample, summary aldsync.TickSummary) {
	if len(samples) == 0 {
		return
	}

	pipe := c.client.Pipeline()
	for _, sample := range samples {
		body, err := json.Marshal(snapshotEntry{
			Component: sample.Component,
			Value:     sample.Value,
			At:        summary.At.Unix(),
		})
		if err != nil {
			continue
		}
		pipe.HSet(ctx, c.keyspace, sample.ParameterID, body)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("snapshot cache write failed", zap.Error(err))
		return
	}

	if err := c.client.Publish(ctx, c.channel, summary.At.UnixNano()).Err(); err != nil {
		c.log.Warn("snapshot cache tick notification failed", zap.Error(err))
	}
}

// Get reads the latest cached value for one parameter.
func (c *SnapshotCache) Get(ctx context.Context, parameterID string) (float64, bool, error) {
	body, err := c.client.HGet(ctx, c.keyspace, parameterID).Bytes()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading snapshot for %s: %w", parameterID, err)
	}
	var entry snapshotEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return 0, false, fmt.Errorf("decoding snapshot for %s: %w", parameterID, err)
	}
	return entry.Value, true, nil
}

// Close closes the Redis client.
func (c *SnapshotCache) Close() error { return c.client.Close() }
