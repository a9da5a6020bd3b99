package admission

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow evicts, counts and conditionally records in one server-side
// step. Scores are unix milliseconds. Returns {allowed, count, oldest}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local score = now
  if oldest[2] then
    score = tonumber(oldest[2])
  end
  return {0, count, score}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, now}
`)

var errUnexpectedReply = errors.New("unexpected admission script reply")

// Shared counts admissions in Redis so every replica sees the same records.
// When Redis cannot answer, the check is served by the local fallback.
type Shared struct {
	client   redis.Scripter
	prefix   string
	limits   Limits
	fallback Controller
	logger   *log.Logger
	now      func() time.Time
}

func NewShared(client redis.Scripter, prefix string, limits Limits, fallback Controller, logger *log.Logger) *Shared {
	return &Shared{
		client:   client,
		prefix:   prefix,
		limits:   limits,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Shared) Check(ctx context.Context, id Identity) Decision {
	now := s.now()
	limit := s.limits.For(id)
	window := s.limits.Window

	res, err := slidingWindow.Run(ctx, s.client,
		[]string{s.key(id)},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err == nil && len(res) != 3 {
		err = errUnexpectedReply
	}
	if err != nil {
		s.logger.Warn("Shared admission store unavailable, counting locally", "identity", id.Key, "error", err)
		return s.fallback.Check(ctx, id)
	}

	decision := Decision{Allowed: res[0] == 1, Count: int(res[1]), Limit: limit}
	if !decision.Allowed {
		decision.RetryAfter = retryAfter(time.UnixMilli(res[2]), now, window)
	}
	return decision
}

func (s *Shared) key(id Identity) string {
	return s.prefix + "ratelimit:" + id.Key
}
