package core

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	totpUsedPrefix = "totp:used:"
	// totpUsedTTL covers the current step plus one step of skew on either side.
	totpUsedTTL = 90 * time.Second
)

// CodeGuard remembers accepted one-time codes so each can be used once.
type CodeGuard interface {
	// Claim returns false if code was already claimed for userID.
	Claim(ctx context.Context, userID int64, code string) (bool, error)
}

// RedisCodeGuard implements CodeGuard with SET NX + TTL.
type RedisCodeGuard struct {
	client redis.Cmdable
}

func NewRedisCodeGuard(client redis.Cmdable) *RedisCodeGuard {
	return &RedisCodeGuard{client: client}
}

func (g *RedisCodeGuard) Claim(ctx context.Context, userID int64, code string) (bool, error) {
	key := fmt.Sprintf("%s%d:%s", totpUsedPrefix, userID, code)
	ok, err := g.client.SetNX(ctx, key, 1, totpUsedTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim totp code: %w", err)
	}
	return ok, nil
}

const (
	challengePrefix = "totp:challenge:"
	// burnedChallenge is stored over a finished challenge so any later attempt is over the limit.
	burnedChallenge = 1 << 30
)

// ChallengeCounter counts second-factor attempts per login challenge on the
// server, so replaying an older session cookie does not reset the count.
type ChallengeCounter interface {
	// Attempt records one attempt and returns how many have been made, this one included.
	Attempt(ctx context.Context, challengeID string, ttl time.Duration) (int64, error)
	// Burn ends the challenge; every later Attempt reports it as exhausted.
	Burn(ctx context.Context, challengeID string, ttl time.Duration) error
}

// RedisChallengeCounter implements ChallengeCounter with INCR + TTL.
type RedisChallengeCounter struct {
	client redis.Cmdable
}

func NewRedisChallengeCounter(client redis.Cmdable) *RedisChallengeCounter {
	return &RedisChallengeCounter{client: client}
}

func (c *RedisChallengeCounter) Attempt(ctx context.Context, challengeID string, ttl time.Duration) (int64, error) {
	key := challengePrefix + challengeID
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count challenge attempt: %w", err)
	}
	if n == 1 {
		if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("expire challenge counter: %w", err)
		}
	}
	return n, nil
}

func (c *RedisChallengeCounter) Burn(ctx context.Context, challengeID string, ttl time.Duration) error {
	if err := c.client.Set(ctx, challengePrefix+challengeID, burnedChallenge, ttl).Err(); err != nil {
		return fmt.Errorf("burn challenge: %w", err)
	}
	return nil
}
