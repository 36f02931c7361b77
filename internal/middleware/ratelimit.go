package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RouteLimit defines a token bucket capacity and window for a route.
type RouteLimit struct {
	Name     string        // logical route name for the key
	Capacity int           // max tokens in the bucket
	Window   time.Duration // window over which capacity refills linearly
}

// PrincipalFunc extracts the rate-limit principal.
type PrincipalFunc func(*http.Request) string

// PrincipalIP extracts the client IP (best-effort).
func PrincipalIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		return "ip:" + strings.TrimSpace(strings.Split(xf, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return "ip:" + host
	}
	return "ip:unknown"
}

// PrincipalUserOrIP prefers the authenticated user, falling back to IP.
func PrincipalUserOrIP(r *http.Request) string {
	if uid, ok := UserID(r.Context()); ok {
		return "user:" + uid.String()
	}
	return PrincipalIP(r)
}

// RateLimit applies a Redis token bucket. Redis errors fail open.
func RateLimit(rdb *redis.Client, limit RouteLimit, principal PrincipalFunc, log zerolog.Logger) func(http.Handler) http.Handler {
	if principal == nil {
		principal = PrincipalIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("rl:%s:%s", limit.Name, principal(r))

			allowed, remaining, retryAfter, err := takeToken(r.Context(), rdb, key, time.Now().UnixMilli(), limit)
			if err != nil {
				log.Warn().Err(err).Str("route", limit.Name).Msg("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				rateLimited.WithLabelValues(limit.Name).Inc()
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				}
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}

			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// Lua script performs token-bucket operations atomically.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local window = tonumber(ARGV[3]) -- in ms

local bucket = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])

if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local delta = now - ts
if delta < 0 then delta = 0 end

tokens = math.min(capacity, tokens + (delta * capacity) / window)
ts = now

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "ts", ts)
redis.call("PEXPIRE", key, window)

local retryAfterMs = 0
if allowed == 0 then
  retryAfterMs = math.ceil((1 - tokens) * window / capacity)
end

return {allowed, tostring(tokens), retryAfterMs}
`)

func takeToken(ctx context.Context, rdb *redis.Client, key string, nowMs int64, limit RouteLimit) (bool, float64, int64, error) {
	res, err := rateLimitScript.Run(ctx, rdb, []string{key}, nowMs, limit.Capacity, limit.Window.Milliseconds()).Slice()
	if err != nil {
		return false, 0, 0, err
	}
	if len(res) != 3 {
		return false, 0, 0, fmt.Errorf("unexpected rate limit reply: %v", res)
	}
	allowed, _ := res[0].(int64)
	remaining, _ := strconv.ParseFloat(fmt.Sprint(res[1]), 64)
	retryMs, _ := res[2].(int64)
	return allowed == 1, remaining, (retryMs + 999) / 1000, nil
}
