package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisKey is the key shared by every replica throttling the same build server.
const RedisKey string = `deploy-orchestrator:build-server`

// Redis is a rate limiter shared across replicas through Redis.
type Redis struct {
	*redis_rate.Limiter
	Key    string
	MaxRPS int
}

// NewRedisLimiter creates a new Redis-based rate limiter.
func NewRedisLimiter(redisClient *redis.Client, maxRPS int) Limiter {
	return Redis{
		Limiter: redis_rate.NewLimiter(redisClient),
		Key:     RedisKey,
		MaxRPS:  maxRPS,
	}
}

// Take blocks until a request is allowed under the shared rate limit.
func (r Redis) Take(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	for {
		res, err := r.Allow(ctx, r.Key, redis_rate.PerSecond(r.MaxRPS))
		if err != nil {
			return time.Since(start), err
		}

		if res.Allowed > 0 {
			return time.Since(start), nil
		}

		log.WithContext(ctx).
			WithFields(log.Fields{
				"for": res.RetryAfter.String(),
			}).
			Debug("throttled build server requests")

		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-time.After(res.RetryAfter):
		}
	}
}
