// Package admission decides whether a client may start another job in the
// current sliding window.
package admission

import (
	"context"
	"time"

	"filevora/config"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// Identity is who a request is counted against.
type Identity struct {
	Key           string
	Authenticated bool
}

func Anonymous(clientIP string) Identity {
	if clientIP == "" {
		clientIP = "unknown"
	}
	return Identity{Key: "ip:" + clientIP}
}

func User(userID string) Identity {
	return Identity{Key: "user:" + userID, Authenticated: true}
}

// Decision is the outcome of one Check. Count includes the request itself
// when it was allowed.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
}

func (d Decision) Remaining() int {
	return max(0, d.Limit-d.Count)
}

type Limits struct {
	Anonymous     int
	Authenticated int
	Window        time.Duration
}

func LimitsFromConfig(cfg *config.Config) Limits {
	return Limits{
		Anonymous:     cfg.RateLimitAnonymous,
		Authenticated: cfg.RateLimitAuthenticated,
		Window:        cfg.RateLimitWindow,
	}
}

func (l Limits) For(id Identity) int {
	if id.Authenticated {
		return l.Authenticated
	}
	return l.Anonymous
}

// Controller checks and, when allowed, records one request for an identity.
// The check and the record happen as one step.
type Controller interface {
	Check(ctx context.Context, id Identity) Decision
}

// New returns a Redis-backed controller when client is non-nil, falling back
// to in-process counting on Redis errors; otherwise a purely local one.
func New(cfg *config.Config, client redis.Scripter, logger *log.Logger) Controller {
	limits := LimitsFromConfig(cfg)
	local := NewLocal(limits)
	if client == nil {
		logger.Info("Using in-process admission counters", "anonymous", limits.Anonymous, "authenticated", limits.Authenticated, "window", limits.Window)
		return local
	}
	logger.Info("Using shared admission counters", "prefix", cfg.RedisPrefix, "anonymous", limits.Anonymous, "authenticated", limits.Authenticated, "window", limits.Window)
	return NewShared(client, cfg.RedisPrefix, limits, local, logger)
}

// retryAfter is how long until the oldest counted request leaves the window,
// rounded up to whole seconds and never below one second.
func retryAfter(oldest, now time.Time, window time.Duration) time.Duration {
	wait := oldest.Add(window).Sub(now)
	if wait < time.Second {
		return time.Second
	}
	if rem := wait % time.Second; rem != 0 {
		wait += time.Second - rem
	}
	return wait
}
