// Package ratelimit implements a sliding-window rate limiter over Redis
// sorted sets. Each (action, key) pair gets its own window and each check
// runs as a single server-side script, so concurrent bursts cannot overshoot
// the limit. The limiter fails open when Redis is unreachable so an
// infrastructure outage cannot lock every user out, but every fail-open
// decision is logged and counted.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	denialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_rate_limit_denials_total",
		Help: "Total number of requests denied by the rate limiter",
	}, []string{"action"})

	failOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "session_rate_limit_fail_open_total",
		Help: "Total number of rate limit checks allowed because Redis was unavailable",
	})
)

// checkScript removes aged entries, counts the window, and records the
// attempt in one atomic step, so concurrent checks at the boundary cannot all
// slip under the limit. Scores are unix milliseconds. Returns
// {allowed, remaining, retry_after_ms}.
var checkScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[5])
local count = redis.call('ZCARD', KEYS[1])
if count >= tonumber(ARGV[3]) then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = tonumber(ARGV[2])
  if oldest[2] then
    retry = tonumber(oldest[2]) + tonumber(ARGV[2]) - tonumber(ARGV[1])
  end
  return {0, 0, retry}
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, tonumber(ARGV[3]) - count - 1, 0}
`)

// Policy bounds attempts for one action: at most Limit events per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// DefaultPolicies are the per-action limits applied when none are configured.
var DefaultPolicies = map[string]Policy{
	"login":    {Limit: 10, Window: time.Minute},
	"register": {Limit: 5, Window: time.Minute},
	"refresh":  {Limit: 30, Window: time.Minute},
	"upgrade":  {Limit: 5, Window: time.Minute},
	"guest":    {Limit: 20, Window: time.Minute},
}

// Limiter checks actions against per-action sliding windows.
type Limiter struct {
	client   *redis.Client
	policies map[string]Policy
	logger   *slog.Logger
	now      func() time.Time
}

// NewLimiter creates a limiter. Unknown actions are always allowed.
func NewLimiter(client *redis.Client, policies map[string]Policy, logger *slog.Logger) *Limiter {
	if policies == nil {
		policies = DefaultPolicies
	}
	return &Limiter{
		client:   client,
		policies: policies,
		logger:   logger,
		now:      time.Now,
	}
}

// Check records an attempt for (action, key) and reports whether it is within
// the window. key is typically the client IP or the principal id.
func (l *Limiter) Check(ctx context.Context, action, key string) (Decision, error) {
	policy, ok := l.policies[action]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	now := l.now().UTC()
	nowMS := now.UnixMilli()
	windowMS := policy.Window.Milliseconds()
	redisKey := fmt.Sprintf("ratelimit:%s:%s", action, key)
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.New().String())

	res, err := checkScript.Run(ctx, l.client, []string{redisKey},
		nowMS, windowMS, policy.Limit, member, nowMS-windowMS,
	).Int64Slice()
	if err != nil {
		return l.failOpen(action, key, err), nil
	}
	if len(res) != 3 {
		return l.failOpen(action, key, fmt.Errorf("unexpected script reply length %d", len(res))), nil
	}

	if res[0] == 0 {
		denialsTotal.WithLabelValues(action).Inc()
		retryAfter := time.Duration(res[2]) * time.Millisecond
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.logger.Warn("rate limit exceeded",
			slog.String("action", action),
			slog.String("key", key),
			slog.Duration("retry_after", retryAfter),
		)
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	return Decision{Allowed: true, Remaining: int(res[1])}, nil
}

func (l *Limiter) failOpen(action, key string, err error) Decision {
	failOpenTotal.Inc()
	l.logger.Warn("rate limiter unavailable, allowing request",
		slog.String("action", action),
		slog.String("key", key),
		slog.String("error", err.Error()),
	)
	return Decision{Allowed: true}
}
