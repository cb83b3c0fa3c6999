package leaderboard

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKey = "dutytrack:leaderboard"

// Entry is one leaderboard row: an account and its rendered minutes.
type Entry struct {
	AccountID string  `json:"account_id"`
	Minutes   float64 `json:"minutes"`
}

// Cache is a redis sorted set of rendered minutes per account, refreshed by
// the worker after each completed punch and read by the API. It is a read
// model only; the session history stays the source of truth.
type Cache struct {
	client *redis.Client
	key    string
}

// NewCache builds a leaderboard cache on the given client.
func NewCache(client *redis.Client, key string) *Cache {
	if key == "" {
		key = defaultKey
	}
	return &Cache{client: client, key: key}
}

// Set records an account's total rendered minutes.
func (c *Cache) Set(ctx context.Context, accountID string, minutes float64) error {
	return c.client.ZAdd(ctx, c.key, redis.Z{Score: minutes, Member: accountID}).Err()
}

// Remove drops an account from the board (suspension, deletion).
func (c *Cache) Remove(ctx context.Context, accountID string) error {
	return c.client.ZRem(ctx, c.key, accountID).Err()
}

// Top returns the highest-ranked accounts, best first.
func (c *Cache) Top(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	zs, err := c.client.ZRevRangeWithScores(ctx, c.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, Entry{AccountID: id, Minutes: z.Score})
	}
	return entries, nil
}

// Touch refreshes the key's TTL so a stalled worker ages the board out
// instead of serving stale ranks forever.
func (c *Cache) Touch(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Expire(ctx, c.key, ttl).Err()
}
