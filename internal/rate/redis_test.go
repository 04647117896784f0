package rate

import (
	"context"
	"testing"
	"time"

	"handshakegate/gate-service/internal/circuitbreaker"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, limit int) (*RedisLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	breaker := circuitbreaker.New("rate_test_"+t.Name(), circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute})
	l := NewRedisLimiter(client, "test:rl:", limit, breaker)
	now := time.Unix(1_700_000_000, 0)
	l.nowFunc = func() time.Time { return now }
	return l, mr, &now
}

func TestRedisLimiter_Window(t *testing.T) {
	ctx := context.Background()
	l, mr, now := newRedisLimiter(t, 3)

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, 2-i, res.Remaining)
	}
	require.True(t, mr.Exists("test:rl:1.2.3.4"))

	*now = now.Add(20 * time.Second)
	res, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 40*time.Second, res.RetryAfter)

	res, err = l.Allow(ctx, "5.6.7.8")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	*now = now.Add(40 * time.Second)
	res, err = l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	ctx := context.Background()
	l, mr, _ := newRedisLimiter(t, 3)
	mr.Close()

	for i := 0; i < 2; i++ {
		_, err := l.Allow(ctx, "1.2.3.4")
		require.ErrorIs(t, err, ErrUnavailable)
	}
	require.Equal(t, circuitbreaker.StateOpen, l.breaker.State())

	_, err := l.Allow(ctx, "1.2.3.4")
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
}
