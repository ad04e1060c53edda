package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var devolutionRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisDevolutionLimiter throttles devolution creation per account using
// a fixed window counter in Redis, so the limit holds across instances.
type RedisDevolutionLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisDevolutionLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisDevolutionLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "settlement:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisDevolutionLimiter{
		client: client,
		prefix: trimmedPrefix,
		limit:  limit,
		window: window,
	}
}

// Allow reports whether another devolution may be created for the
// subject within the current window. A disabled limiter always allows.
func (r *RedisDevolutionLimiter) Allow(ctx context.Context, subject string) (bool, error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return true, nil
	}
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedSubject == "" {
		return true, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:devolution:%s", r.prefix, normalizedSubject)
	rawResult, err := devolutionRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return false, err
	}

	count, ok := rawResult.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	return count <= int64(r.limit), nil
}
