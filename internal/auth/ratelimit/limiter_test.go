package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, cfg), mr
}

func TestAttemptWithinBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policies[CategoryLogin] = Policy{MaxRequests: 3, Window: time.Minute}
	l, _ := newTestLimiter(t, cfg)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Attempt(ctx, "10.0.0.1", CategoryLogin))
	}

	err := l.Attempt(ctx, "10.0.0.1", CategoryLogin)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	require.Greater(t, blocked.RetryAfter, time.Duration(0))

	// Another IP is unaffected.
	require.NoError(t, l.Attempt(ctx, "10.0.0.2", CategoryLogin))
}

func TestAttemptWindowExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policies[CategoryLogin] = Policy{MaxRequests: 1, Window: time.Minute}
	l, mr := newTestLimiter(t, cfg)

	ctx := context.Background()
	require.NoError(t, l.Attempt(ctx, "10.0.0.1", CategoryLogin))
	require.Error(t, l.Attempt(ctx, "10.0.0.1", CategoryLogin))

	mr.FastForward(time.Minute + time.Second)

	require.NoError(t, l.Attempt(ctx, "10.0.0.1", CategoryLogin))
}

func TestEscalationBlocksAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EscalationThreshold = 10
	cfg.BlockDuration = time.Hour
	l, _ := newTestLimiter(t, cfg)

	ctx := context.Background()
	ip := "192.0.2.7"

	// Nine failures: still allowed.
	for i := 0; i < 9; i++ {
		require.NoError(t, l.Attempt(ctx, ip, CategoryLogin))
		require.NoError(t, l.RecordLoginFailure(ctx, ip))
	}
	require.NoError(t, l.Attempt(ctx, ip, CategoryLogin), "tenth attempt itself is admitted")
	require.NoError(t, l.RecordLoginFailure(ctx, ip))

	// Tenth failure armed the block: the next attempt is rejected with the
	// block cool-down, in every category.
	err := l.Attempt(ctx, ip, CategoryLogin)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	require.InDelta(t, time.Hour, blocked.RetryAfter, float64(5*time.Second))

	err = l.Attempt(ctx, ip, CategoryRefresh)
	require.ErrorAs(t, err, &blocked)
}

func TestBlockExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EscalationThreshold = 1
	cfg.BlockDuration = time.Hour
	l, mr := newTestLimiter(t, cfg)

	ctx := context.Background()
	require.NoError(t, l.RecordLoginFailure(ctx, "10.0.0.1"))

	var blocked *BlockedError
	require.ErrorAs(t, l.Attempt(ctx, "10.0.0.1", CategoryLogin), &blocked)

	mr.FastForward(time.Hour + time.Minute)

	require.NoError(t, l.Attempt(ctx, "10.0.0.1", CategoryLogin))
}

func TestResetOnSuccess(t *testing.T) {
	t.Run("enabled clears the failure counter", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EscalationThreshold = 3
		cfg.ResetOnSuccess = true
		l, _ := newTestLimiter(t, cfg)

		ctx := context.Background()
		ip := "10.0.0.1"
		require.NoError(t, l.RecordLoginFailure(ctx, ip))
		require.NoError(t, l.RecordLoginFailure(ctx, ip))
		require.NoError(t, l.RecordLoginSuccess(ctx, ip))
		require.NoError(t, l.RecordLoginFailure(ctx, ip))
		require.NoError(t, l.RecordLoginFailure(ctx, ip))

		// Four failures total but never three in a row without a success,
		// so no block.
		require.NoError(t, l.Attempt(ctx, ip, CategoryLogin))
	})

	t.Run("disabled keeps counting through successes", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.EscalationThreshold = 3
		cfg.ResetOnSuccess = false
		l, _ := newTestLimiter(t, cfg)

		ctx := context.Background()
		ip := "10.0.0.1"
		require.NoError(t, l.RecordLoginFailure(ctx, ip))
		require.NoError(t, l.RecordLoginFailure(ctx, ip))
		require.NoError(t, l.RecordLoginSuccess(ctx, ip))
		require.NoError(t, l.RecordLoginFailure(ctx, ip))

		var blocked *BlockedError
		require.ErrorAs(t, l.Attempt(ctx, ip, CategoryLogin), &blocked)
	})
}

func TestStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(client, DefaultConfig())
	mr.Close()

	err := l.Attempt(context.Background(), "10.0.0.1", CategoryLogin)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrStoreUnavailable))
	var blocked *BlockedError
	require.False(t, errors.As(err, &blocked))
}
