package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"filevora/config"
	"filevora/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLocal(anonymous, authenticated int) (*Local, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	local := NewLocal(Limits{Anonymous: anonymous, Authenticated: authenticated, Window: time.Hour})
	local.now = clock.Now
	return local, clock
}

func TestLocal_DeniesOverLimit(t *testing.T) {
	local, _ := newTestLocal(3, 10)
	ctx := context.Background()
	id := Anonymous("203.0.113.7")

	for i := 1; i <= 3; i++ {
		d := local.Check(ctx, id)
		require.True(t, d.Allowed)
		assert.Equal(t, i, d.Count)
		assert.Equal(t, 3-i, d.Remaining())
	}

	d := local.Check(ctx, id)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Count)
	assert.Equal(t, time.Hour, d.RetryAfter)
}

func TestLocal_WindowSlides(t *testing.T) {
	local, clock := newTestLocal(2, 10)
	ctx := context.Background()
	id := Anonymous("198.51.100.1")

	require.True(t, local.Check(ctx, id).Allowed)
	clock.Advance(20 * time.Minute)
	require.True(t, local.Check(ctx, id).Allowed)

	clock.Advance(20 * time.Minute)
	denied := local.Check(ctx, id)
	require.False(t, denied.Allowed)
	assert.Equal(t, 20*time.Minute, denied.RetryAfter)

	clock.Advance(20 * time.Minute)
	assert.True(t, local.Check(ctx, id).Allowed, "first request is exactly one window old and evicted")
}

func TestLocal_TwoTierLimits(t *testing.T) {
	local, _ := newTestLocal(1, 3)
	ctx := context.Background()

	assert.True(t, local.Check(ctx, Anonymous("10.1.1.1")).Allowed)
	assert.False(t, local.Check(ctx, Anonymous("10.1.1.1")).Allowed)

	user := User("42")
	for i := 0; i < 3; i++ {
		assert.True(t, local.Check(ctx, user).Allowed)
	}
	d := local.Check(ctx, user)
	assert.False(t, d.Allowed)
	assert.Equal(t, 3, d.Limit)

	assert.True(t, local.Check(ctx, Anonymous("10.1.1.2")).Allowed, "identities are independent")
}

func TestLocal_ConcurrentChecksNeverOveradmit(t *testing.T) {
	local, _ := newTestLocal(25, 25)
	ctx := context.Background()
	id := Anonymous("192.0.2.55")

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if local.Check(ctx, id).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), allowed.Load())
}

func TestLocal_PrunesIdleIdentities(t *testing.T) {
	local, clock := newTestLocal(5, 5)
	ctx := context.Background()

	local.Check(ctx, Anonymous("a"))
	local.Check(ctx, Anonymous("b"))
	require.Len(t, local.records, 2)

	clock.Advance(2 * time.Hour)
	local.Check(ctx, Anonymous("c"))

	assert.Len(t, local.records, 1)
	assert.Contains(t, local.records, "ip:c")
}

func TestRetryAfter_RoundsUpAndFloors(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.Equal(t, time.Second, retryAfter(now.Add(-time.Hour), now, time.Hour))
	assert.Equal(t, time.Second, retryAfter(now.Add(-time.Hour+200*time.Millisecond), now, time.Hour))
	assert.Equal(t, 2*time.Second, retryAfter(now.Add(-time.Hour+1500*time.Millisecond), now, time.Hour))
}

func TestNew_LocalWithoutRedis(t *testing.T) {
	cfg := &config.Config{RateLimitAnonymous: 1, RateLimitAuthenticated: 2, RateLimitWindow: time.Minute}
	controller := New(cfg, nil, logging.Discard())

	_, ok := controller.(*Local)
	assert.True(t, ok)
}

func TestIdentityKeys(t *testing.T) {
	assert.Equal(t, Identity{Key: "ip:unknown"}, Anonymous(""))
	assert.Equal(t, Identity{Key: "user:7", Authenticated: true}, User("7"))
}
