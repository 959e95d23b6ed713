package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/north-cloud/competitor-scout/internal/domain"
)

// DefaultKeyPrefix namespaces cache keys in a shared Redis.
const DefaultKeyPrefix = "competitor-scout:traffic:"

// RedisCache is a Cache backed by Redis key expiry.
type RedisCache struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisCache creates a RedisCache. An empty prefix uses DefaultKeyPrefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix, now: time.Now}
}

func (c *RedisCache) key(domainName string) string {
	return c.prefix + Key(domainName)
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, domainName string) (domain.TrafficRecord, bool, error) {
	raw, err := c.client.Get(ctx, c.key(domainName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.TrafficRecord{}, false, nil
	}
	if err != nil {
		return domain.TrafficRecord{}, false, fmt.Errorf("redis get %s: %w", domainName, err)
	}

	var entry Entry
	if unmarshalErr := json.Unmarshal(raw, &entry); unmarshalErr != nil {
		return domain.TrafficRecord{}, false, fmt.Errorf("decode cache entry %s: %w", domainName, unmarshalErr)
	}
	if entry.Expired(c.now()) {
		return domain.TrafficRecord{}, false, nil
	}
	return entry.Record, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, record domain.TrafficRecord, ttl time.Duration) error {
	entry := Entry{Record: record, ExpiresAt: c.now().Add(ttl)}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", record.Domain, err)
	}
	if setErr := c.client.Set(ctx, c.key(record.Domain), raw, ttl).Err(); setErr != nil {
		return fmt.Errorf("redis set %s: %w", record.Domain, setErr)
	}
	return nil
}
