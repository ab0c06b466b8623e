package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for persisted credentials.
	KeyPrefix = "cred:"

	// DefaultTTL bounds how long a persisted credential survives without
	// being rewritten. Refresh tokens outliving this are simply re-entered.
	DefaultTTL = 30 * 24 * time.Hour

	keyAccess  = "access"
	keyRefresh = "refresh"
	keyExpires = "expires_at"
)

// RedisPersister stores the credential pair under a namespace in Redis:
//
//	cred:<namespace>:access      access token
//	cred:<namespace>:refresh     refresh token
//	cred:<namespace>:expires_at  unix seconds (0 when unknown)
type RedisPersister struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// NewRedisPersister connects to Redis at addr and verifies the connection.
func NewRedisPersister(addr, namespace string) (*RedisPersister, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("credential: redis connection failed: %w", err)
	}

	return NewRedisPersisterWithClient(client, namespace), nil
}

// NewRedisPersisterWithClient uses an existing client.
func NewRedisPersisterWithClient(client *redis.Client, namespace string) *RedisPersister {
	return &RedisPersister{client: client, namespace: namespace, ttl: DefaultTTL}
}

func (p *RedisPersister) key(field string) string {
	return KeyPrefix + p.namespace + ":" + field
}

// Load reads the persisted pair. A missing access token means nothing is
// stored.
func (p *RedisPersister) Load(ctx context.Context) (Credential, bool, error) {
	vals, err := p.client.MGet(ctx, p.key(keyAccess), p.key(keyRefresh), p.key(keyExpires)).Result()
	if err != nil {
		return Credential{}, false, fmt.Errorf("credential: load: %w", err)
	}

	access, _ := vals[0].(string)
	if access == "" {
		return Credential{}, false, nil
	}
	refresh, _ := vals[1].(string)

	var expiresAt time.Time
	if s, ok := vals[2].(string); ok {
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
			expiresAt = time.Unix(secs, 0)
		}
	}

	return Credential{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, true, nil
}

// Save writes all entries in one transaction so readers never observe a
// half-updated pair.
func (p *RedisPersister) Save(ctx context.Context, c Credential) error {
	var expires int64
	if !c.ExpiresAt.IsZero() {
		expires = c.ExpiresAt.Unix()
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.key(keyAccess), c.AccessToken, p.ttl)
	pipe.Set(ctx, p.key(keyRefresh), c.RefreshToken, p.ttl)
	pipe.Set(ctx, p.key(keyExpires), expires, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("credential: save: %w", err)
	}
	return nil
}

// Clear deletes every entry in a single DEL.
func (p *RedisPersister) Clear(ctx context.Context) error {
	err := p.client.Del(ctx, p.key(keyAccess), p.key(keyRefresh), p.key(keyExpires)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("credential: clear: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *RedisPersister) Close() error {
	return p.client.Close()
}
