package dedup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTL is how long RedisStore keeps a reservation.
const DefaultRedisTTL = 7 * 24 * time.Hour

// RedisStore keeps reservations as Redis keys that expire after a TTL. The TTL must
// outlive the longest time a record can be redelivered, which is bounded by the
// relay's maximum attempts and backoff.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix sets the key prefix. Default is "outbox:processed:".
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL sets how long reservations are kept. Default is DefaultRedisTTL.
func WithTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisStore creates a RedisStore on client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "outbox:processed:",
		ttl:    DefaultRedisTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, subscriber string, eventID uuid.UUID) (bool, error) {
	return s.client.SetNX(ctx, s.key(subscriber, eventID), time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, subscriber string, eventID uuid.UUID) error {
	return s.client.Del(ctx, s.key(subscriber, eventID)).Err()
}

func (s *RedisStore) key(subscriber string, eventID uuid.UUID) string {
	return s.prefix + subscriber + ":" + eventID.String()
}
