package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the Client implementation backed by a real (or
// miniredis-faked) Redis server.
type RedisClient struct {
	rdb *redis.Client
	db  int
}

// NewRedisClient wraps an already-connected *redis.Client. The caller owns
// the connection's lifecycle (creation and Close).
func NewRedisClient(rdb *redis.Client) *RedisClient {
	db := 0
	if opts := rdb.Options(); opts != nil {
		db = opts.DB
	}
	return &RedisClient{rdb: rdb, db: db}
}

func (c *RedisClient) SetWithTTL(ctx context.Context, key, value string, ttlSeconds int) error {
	if err := c.rdb.Set(ctx, key, value, time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		return fmt.Errorf("store: set %q: %w", key, err)
	}
	return nil
}

func (c *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: exists %q: %w", key, err)
	}
	return n > 0, nil
}

func (c *RedisClient) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return val, true, nil
}

func (c *RedisClient) TTLSeconds(ctx context.Context, key string) (int, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: ttl %q: %w", key, err)
	}
	if ttl < 0 {
		// -1 = no expiry, -2 = key absent. Spec treats both as "0".
		return 0, nil
	}
	return int(ttl.Seconds()), nil
}

func (c *RedisClient) SetAdd(ctx context.Context, key, member string) error {
	if err := c.rdb.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("store: sadd %q: %w", key, err)
	}
	return nil
}

func (c *RedisClient) SetRemove(ctx context.Context, key, member string) error {
	if err := c.rdb.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("store: srem %q: %w", key, err)
	}
	return nil
}

func (c *RedisClient) SetCardinality(ctx context.Context, key string) (int, error) {
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: scard %q: %w", key, err)
	}
	return int(n), nil
}

func (c *RedisClient) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: smembers %q: %w", key, err)
	}
	return members, nil
}

func (c *RedisClient) RunReservationScript(ctx context.Context, setKey string, limit int, member string) (ReservationResult, error) {
	res, err := reservationScript.Run(ctx, c.rdb, []string{setKey}, strconv.Itoa(limit), member).Int()
	if err != nil {
		return Rejected, fmt.Errorf("store: reservation script on %q: %w", setKey, err)
	}
	if res == 1 {
		return Allowed, nil
	}
	return Rejected, nil
}

func (c *RedisClient) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %q: %w", pattern, err)
	}
	return keys, nil
}

// SubscribeKeyExpiry subscribes to Redis keyspace-notification expired
// events on this client's logical database and invokes handler for every
// expired key whose name starts with prefixFilter. It blocks until ctx is
// cancelled. Delivery is best-effort: Redis keyspace notifications are
// fire-and-forget pub/sub, so messages can be missed under load or during
// a Redis restart — callers must not depend on every expiry being seen
// (spec.md §4.F, §9).
func (c *RedisClient) SubscribeKeyExpiry(ctx context.Context, prefixFilter string, handler ExpiredKeyHandler) error {
	channel := fmt.Sprintf("__keyevent@%d__:expired", c.db)
	pubsub := c.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			key := msg.Payload
			if !strings.HasPrefix(key, prefixFilter) {
				continue
			}
			handler(ctx, key)
		}
	}
}

// EnableKeyspaceNotifications issues CONFIG SET to turn on expired-key
// events. It is best-effort: some managed Redis offerings (and miniredis's
// lookalikes in test code) reject CONFIG SET, so a failure here is logged
// by the caller, not treated as fatal — without it the listener simply
// never fires and the safety-key TTL still eventually gets cleaned up by
// the optional sweeper.
func (c *RedisClient) EnableKeyspaceNotifications(ctx context.Context) error {
	return c.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err()
}
