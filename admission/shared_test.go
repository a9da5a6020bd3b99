package admission

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"filevora/config"
	"filevora/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShared_FallsBackWhenRedisUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	limits := Limits{Anonymous: 2, Authenticated: 2, Window: time.Hour}
	shared := NewShared(client, "test:", limits, NewLocal(limits), logging.Discard())
	ctx := context.Background()
	id := Anonymous("203.0.113.9")

	assert.True(t, shared.Check(ctx, id).Allowed)
	assert.True(t, shared.Check(ctx, id).Allowed)
	assert.False(t, shared.Check(ctx, id).Allowed, "fallback keeps counting")
}

func TestNew_SharedWithRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{RateLimitAnonymous: 1, RateLimitAuthenticated: 2, RateLimitWindow: time.Minute, RedisPrefix: "x:"}
	controller := New(cfg, client, logging.Discard())

	shared, ok := controller.(*Shared)
	require.True(t, ok)
	assert.Equal(t, "x:ratelimit:ip:1.2.3.4", shared.key(Anonymous("1.2.3.4")))
}

type scriptReply struct {
	reply []interface{}
	err   error
	keys  []string
	args  []interface{}
}

func (s *scriptReply) cmd(ctx context.Context, keys []string, args []interface{}) *redis.Cmd {
	s.keys, s.args = keys, args
	cmd := redis.NewCmd(ctx)
	if s.err != nil {
		cmd.SetErr(s.err)
	} else {
		cmd.SetVal(s.reply)
	}
	return cmd
}

func (s *scriptReply) Eval(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.cmd(ctx, keys, args)
}

func (s *scriptReply) EvalSha(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.cmd(ctx, keys, args)
}

func (s *scriptReply) EvalRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.cmd(ctx, keys, args)
}

func (s *scriptReply) EvalShaRO(ctx context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	return s.cmd(ctx, keys, args)
}

func (s *scriptReply) ScriptExists(ctx context.Context, _ ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceCmd(ctx)
}

func (s *scriptReply) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	return redis.NewStringCmd(ctx)
}

type countingController struct {
	calls int
}

func (c *countingController) Check(context.Context, Identity) Decision {
	c.calls++
	return Decision{Allowed: true, Count: 1, Limit: 99}
}

func TestShared_ScriptReplies(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	limits := Limits{Anonymous: 3, Authenticated: 10, Window: time.Hour}

	tests := []struct {
		name         string
		script       *scriptReply
		want         Decision
		wantFallback bool
	}{
		{
			name:   "denied reports time until the oldest record expires",
			script: &scriptReply{reply: []interface{}{int64(0), int64(3), now.Add(-20 * time.Minute).UnixMilli()}},
			want:   Decision{Allowed: false, Count: 3, Limit: 3, RetryAfter: 40 * time.Minute},
		},
		{
			name:   "allowed",
			script: &scriptReply{reply: []interface{}{int64(1), int64(2), now.UnixMilli()}},
			want:   Decision{Allowed: true, Count: 2, Limit: 3},
		},
		{
			name:         "short reply falls back",
			script:       &scriptReply{reply: []interface{}{int64(1), int64(2)}},
			want:         Decision{Allowed: true, Count: 1, Limit: 99},
			wantFallback: true,
		},
		{
			name:         "script error falls back",
			script:       &scriptReply{err: errors.New("LOADING Redis is loading the dataset in memory")},
			want:         Decision{Allowed: true, Count: 1, Limit: 99},
			wantFallback: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallback := &countingController{}
			shared := NewShared(tt.script, "fv:", limits, fallback, logging.Discard())
			shared.now = func() time.Time { return now }

			got := shared.Check(context.Background(), Anonymous("198.51.100.4"))
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantFallback, fallback.calls == 1)

			assert.Equal(t, []string{"fv:ratelimit:ip:198.51.100.4"}, tt.script.keys)
			require.Len(t, tt.script.args, 4)
			assert.Equal(t, now.UnixMilli(), tt.script.args[0])
			assert.Equal(t, time.Hour.Milliseconds(), tt.script.args[1])
			assert.Equal(t, 3, tt.script.args[2])
		})
	}
}

// The tests below talk to a real server and only run when
// FILEVORA_TEST_REDIS_ADDR is set.
func redisForTest(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("FILEVORA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FILEVORA_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestShared_Integration_AtomicUnderConcurrency(t *testing.T) {
	client := redisForTest(t)
	prefix := "filevora-test:" + uuid.NewString() + ":"
	limits := Limits{Anonymous: 10, Authenticated: 10, Window: time.Minute}
	id := Anonymous("198.51.100.200")

	// Two controllers stand in for two replicas sharing one store.
	replicas := []*Shared{
		NewShared(client, prefix, limits, NewLocal(limits), logging.Discard()),
		NewShared(client, prefix, limits, NewLocal(limits), logging.Discard()),
	}
	t.Cleanup(func() { client.Del(context.Background(), replicas[0].key(id)) })

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if replicas[i%2].Check(context.Background(), id).Allowed {
				allowed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())

	denied := replicas[0].Check(context.Background(), id)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 10, denied.Count)
	assert.GreaterOrEqual(t, denied.RetryAfter, time.Second)
	assert.LessOrEqual(t, denied.RetryAfter, time.Minute)
}

func TestShared_Integration_WindowSlides(t *testing.T) {
	client := redisForTest(t)
	prefix := "filevora-test:" + uuid.NewString() + ":"
	limits := Limits{Anonymous: 1, Authenticated: 1, Window: time.Minute}
	shared := NewShared(client, prefix, limits, NewLocal(limits), logging.Discard())
	id := Anonymous("198.51.100.201")
	t.Cleanup(func() { client.Del(context.Background(), shared.key(id)) })

	start := time.Now()
	shared.now = func() time.Time { return start }
	require.True(t, shared.Check(context.Background(), id).Allowed)
	require.False(t, shared.Check(context.Background(), id).Allowed)

	shared.now = func() time.Time { return start.Add(time.Minute) }
	assert.True(t, shared.Check(context.Background(), id).Allowed)
}
