package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

// storeIfNewer replaces the cached snapshot only when the incoming sequence is
// newer, so redelivered or reordered events never roll the cache back.
var storeIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'seq')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'seq', ARGV[1], 'snapshot', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
redis.call('PUBLISH', KEYS[2], ARGV[4])
return 1
`)

// RedisSink caches the latest snapshot per auction and publishes every event
// on a per-auction channel for real-time fan-out across nodes.
type RedisSink struct {
	client redis.Scripter
	prefix string
	ttl    time.Duration
}

// NewRedisSink builds a sink; ttl bounds how long closed auctions linger.
func NewRedisSink(client redis.Scripter, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = "auction"
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisSink) Name() string { return "redis" }

// SnapshotKey is the hash holding the latest snapshot of an auction.
func (r *RedisSink) SnapshotKey(auctionID string) string {
	return fmt.Sprintf("%s:%s:snapshot", r.prefix, auctionID)
}

// Channel is the pub/sub channel carrying an auction's events.
func (r *RedisSink) Channel(auctionID string) string {
	return fmt.Sprintf("%s:%s:events", r.prefix, auctionID)
}

func (r *RedisSink) Deliver(ctx context.Context, e model.Event) error {
	snap, err := json.Marshal(e.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	keys := []string{r.SnapshotKey(e.AuctionID), r.Channel(e.AuctionID)}
	err = storeIfNewer.Run(ctx, r.client, keys, e.Seq, snap, r.ttl.Milliseconds(), payload).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to publish event %s/%d to redis: %w", e.AuctionID, e.Seq, err)
	}
	return nil
}

// CachedSnapshot reads the snapshot stored by Deliver.
func CachedSnapshot(ctx context.Context, client redis.Cmdable, key string) (model.Snapshot, uint64, error) {
	vals, err := client.HMGet(ctx, key, "seq", "snapshot").Result()
	if err != nil {
		return model.Snapshot{}, 0, fmt.Errorf("failed to read %s: %w", key, err)
	}
	raw, ok := vals[1].(string)
	if !ok {
		return model.Snapshot{}, 0, redis.Nil
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return model.Snapshot{}, 0, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	var seq uint64
	if s, ok := vals[0].(string); ok {
		seq, _ = strconv.ParseUint(s, 10, 64)
	}
	return snap, seq, nil
}
