package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TokenPrefix is the Redis key prefix for stored tokens.
	TokenPrefix = "chatclient:token:"

	// DefaultTokenTTL is used for tokens without an expiry claim.
	DefaultTokenTTL = 24 * time.Hour
)

var (
	ErrNoToken      = errors.New("session: no stored token")
	ErrTokenExpired = errors.New("session: token expired")
)

// TokenStore persists the bearer token of one profile.
type TokenStore interface {
	Save(ctx context.Context, token string) error
	Load(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
}

// RedisStore keeps the token under TokenPrefix+profile. The key expires with
// the token.
type RedisStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisAddr, profile string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewRedisStoreFromClient(client, profile), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, profile string) *RedisStore {
	return &RedisStore{client: client, key: TokenPrefix + profile, now: time.Now}
}

// Save stores token until it expires. Expired tokens are rejected.
func (s *RedisStore) Save(ctx context.Context, token string) error {
	ttl, err := tokenTTL(token, s.now())
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("session: save token: %w", err)
	}
	return nil
}

// Load returns the stored token or ErrNoToken.
func (s *RedisStore) Load(ctx context.Context) (string, error) {
	token, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("session: load token: %w", err)
	}
	return token, nil
}

// Clear removes the stored token.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is a process-local TokenStore used when Redis is not
// configured.
type MemoryStore struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Save(_ context.Context, token string) error {
	now := s.now()
	ttl, err := tokenTTL(token, now)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.expires = token, now.Add(ttl)
	return nil
}

func (s *MemoryStore) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" || !s.now().Before(s.expires) {
		return "", ErrNoToken
	}
	return s.token, nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token, s.expires = "", time.Time{}
	return nil
}

func tokenTTL(token string, now time.Time) (time.Duration, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return 0, err
	}
	if claims.ExpiresAt.IsZero() {
		return DefaultTokenTTL, nil
	}
	if claims.Expired(now) {
		return 0, ErrTokenExpired
	}
	return claims.ExpiresAt.Sub(now), nil
}
