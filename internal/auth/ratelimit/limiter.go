// Package ratelimit enforces per-IP attempt budgets and abuse blocking on
// top of Redis. Counters live in the shared store, not process memory, so
// they hold across restarts and across horizontally scaled instances; every
// decision is a single atomic Redis operation.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Category scopes a counter to one kind of endpoint.
type Category string

const (
	CategoryLogin    Category = "login"
	CategoryRegister Category = "register"
	CategoryRefresh  Category = "refresh"
	CategoryOther    Category = "other"
)

// Policy is a fixed-window budget for one category.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// Config holds the limiter tuning parameters.
type Config struct {
	Policies map[Category]Policy

	// EscalationThreshold is the number of failed logins from one IP that
	// triggers a block, independent of the per-category windows.
	EscalationThreshold int

	// EscalationWindow is how long the failure counter takes to decay.
	EscalationWindow time.Duration

	// BlockDuration is the cool-down applied once the threshold is crossed.
	BlockDuration time.Duration

	// ResetOnSuccess clears the escalation counter on a successful login.
	// When false (the default) only time decay clears it, so a slow
	// credential-stuffing run cannot reset its own budget by mixing in
	// valid logins.
	ResetOnSuccess bool
}

// DefaultConfig mirrors production settings: 10 failed logins per hour from
// one IP earns a one hour block.
func DefaultConfig() Config {
	return Config{
		Policies: map[Category]Policy{
			CategoryLogin:    {MaxRequests: 30, Window: time.Minute},
			CategoryRegister: {MaxRequests: 10, Window: time.Minute},
			CategoryRefresh:  {MaxRequests: 60, Window: time.Minute},
			CategoryOther:    {MaxRequests: 120, Window: time.Minute},
		},
		EscalationThreshold: 10,
		EscalationWindow:    time.Hour,
		BlockDuration:       time.Hour,
	}
}

var (
	// ErrStoreUnavailable reports that Redis could not be reached. The
	// caller decides whether to fail open or closed.
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")
)

// BlockedError is returned when an attempt is rejected. RetryAfter tells the
// client when trying again is worthwhile.
type BlockedError struct {
	RetryAfter time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("ratelimit: blocked, retry after %s", e.RetryAfter)
}

// Limiter enforces attempt budgets using Redis counters.
type Limiter struct {
	redis redis.UniversalClient
	cfg   Config
}

// New creates a Limiter backed by the given Redis client.
func New(client redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Policies == nil {
		cfg.Policies = DefaultConfig().Policies
	}
	return &Limiter{redis: client, cfg: cfg}
}

func categoryKey(ip string, cat Category) string { return "rl:" + string(cat) + ":" + ip }
func escalationKey(ip string) string             { return "esc:" + ip }
func blockKey(ip string) string                  { return "block:" + ip }

// Attempt records one attempt for (ip, category) and reports whether it is
// allowed. A standing block short-circuits before the category counter is
// touched. Returns nil, *BlockedError, or ErrStoreUnavailable.
func (l *Limiter) Attempt(ctx context.Context, ip string, cat Category) error {
	// Standing block from escalation?
	ttl, err := l.redis.PTTL(ctx, blockKey(ip)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if ttl > 0 {
		return &BlockedError{RetryAfter: ttl}
	}

	policy, ok := l.cfg.Policies[cat]
	if !ok {
		policy = l.cfg.Policies[CategoryOther]
	}

	count, err := l.incrementWithTTL(ctx, categoryKey(ip, cat), policy.Window)
	if err != nil {
		return err
	}
	if count > int64(policy.MaxRequests) {
		retry, err := l.redis.PTTL(ctx, categoryKey(ip, cat)).Result()
		if err != nil || retry <= 0 {
			retry = policy.Window
		}
		return &BlockedError{RetryAfter: retry}
	}

	return nil
}

// RecordLoginFailure bumps the per-IP escalation counter. Crossing the
// threshold arms the block flag for the configured cool-down. Successful
// logins do not rewind this counter unless ResetOnSuccess is set.
func (l *Limiter) RecordLoginFailure(ctx context.Context, ip string) error {
	count, err := l.incrementWithTTL(ctx, escalationKey(ip), l.cfg.EscalationWindow)
	if err != nil {
		return err
	}

	if count >= int64(l.cfg.EscalationThreshold) {
		if err := l.redis.Set(ctx, blockKey(ip), 1, l.cfg.BlockDuration).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return nil
}

// RecordLoginSuccess clears the escalation counter when ResetOnSuccess is
// configured; otherwise it is a no-op and only time decay applies.
func (l *Limiter) RecordLoginSuccess(ctx context.Context, ip string) error {
	if !l.cfg.ResetOnSuccess {
		return nil
	}
	if err := l.redis.Del(ctx, escalationKey(ip)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// incrementWithTTL bumps a fixed-window counter, arming the window TTL only
// on the first hit.
func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return count, nil
}
