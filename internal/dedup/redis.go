package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the seen-set of one session in Redis using SETNX with a
// TTL. Keys are scoped by room, user and session id, so a restarted agent
// starts from an empty set.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	RoomID    string
	UserID    int64
	// SessionID distinguishes successive joins of the same user.
	SessionID string
	TTL       time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}

	return &RedisStore{
		client: client,
		prefix: redisPrefix(opts),
		ttl:    ttl,
	}, nil
}

func redisPrefix(opts RedisOptions) string {
	return fmt.Sprintf("roomlink:%s:%d:%s:seen:", opts.RoomID, opts.UserID, opts.SessionID)
}

func (s *RedisStore) MarkSeen(ctx context.Context, key string) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
