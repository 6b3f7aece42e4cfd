package auth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOracle implements IdentityOracle against the session credentials
// the identity service maintains in Redis, keyed by credential hash.
type RedisOracle struct {
	client *redis.Client
	prefix string
}

// NewRedisOracle connects to Redis and verifies reachability.
func NewRedisOracle(redisURL string) (*RedisOracle, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisOracle{client: client, prefix: "cred:"}, nil
}

// NewRedisOracleWithClient creates an oracle from an existing client.
func NewRedisOracleWithClient(client *redis.Client) *RedisOracle {
	return &RedisOracle{client: client, prefix: "cred:"}
}

func (o *RedisOracle) key(credential string) string {
	return o.prefix + HashCredential(credential)
}

// AuthenticateCredential looks up the credential hash and returns the
// principal the identity service stored for it. Missing, expired or
// unparseable records are ErrInvalidCredential; a Redis failure is not,
// it surfaces as the infrastructure error it is.
func (o *RedisOracle) AuthenticateCredential(ctx context.Context, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, fmt.Errorf("%w: empty credential", ErrInvalidCredential)
	}

	jsonData, err := o.client.Get(ctx, o.key(credential)).Result()
	if err == redis.Nil {
		return Principal{}, fmt.Errorf("%w: not found or expired", ErrInvalidCredential)
	}
	if err != nil {
		return Principal{}, fmt.Errorf("lookup credential: %w", err)
	}

	var principal Principal
	if err := json.Unmarshal([]byte(jsonData), &principal); err != nil {
		return Principal{}, fmt.Errorf("%w: unreadable record: %v", ErrInvalidCredential, err)
	}
	if principal.UserID == "" {
		return Principal{}, fmt.Errorf("%w: record missing user id", ErrInvalidCredential)
	}
	return principal, nil
}

// SaveCredential stores a credential for a principal with a TTL. The
// identity service owns credential issuance; this writer exists for
// provisioning and tests.
func (o *RedisOracle) SaveCredential(ctx context.Context, credential string, principal Principal, ttl time.Duration) error {
	jsonData, err := json.Marshal(principal)
	if err != nil {
		return fmt.Errorf("marshal principal: %w", err)
	}
	if err := o.client.Set(ctx, o.key(credential), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// RevokeCredential deletes a credential.
func (o *RedisOracle) RevokeCredential(ctx context.Context, credential string) error {
	if err := o.client.Del(ctx, o.key(credential)).Err(); err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (o *RedisOracle) Ping(ctx context.Context) error {
	return o.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (o *RedisOracle) Close() error {
	return o.client.Close()
}

// HashCredential returns the hex sha256 of a credential. Raw credentials
// never appear in keys or logs.
func HashCredential(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
