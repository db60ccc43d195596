package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// RateLimitConfig describes one token bucket: a sustained refill rate and a
// burst capacity.
type RateLimitConfig struct {
	Rate       float64 `validate:"gt=0"`
	Burst      int     `validate:"gte=1"`
	AllowBurst bool
}

var configValidator = validator.New()

// Validate checks the config invariants (rate > 0, burst >= 1).
func (c RateLimitConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("rate limit config: %w", err)
	}
	return nil
}

// DefaultChannelRateLimits returns the suggested per-channel limits. Callers
// may override any of them at construction time.
func DefaultChannelRateLimits() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		"email":   {Rate: 10, Burst: 20, AllowBurst: true},
		"sms":     {Rate: 1, Burst: 5, AllowBurst: true},
		"chat":    {Rate: 50, Burst: 100, AllowBurst: true},
		"webhook": {Rate: 20, Burst: 40, AllowBurst: true},
	}
}

// defaultGlobalRateLimit bounds total dispatch across all channels.
var defaultGlobalRateLimit = RateLimitConfig{Rate: 100, Burst: 200, AllowBurst: true}

// TokenBucket is a single-resource rate primitive. Tokens refill
// continuously up to capacity; consumption either succeeds immediately or
// reports how long the caller must wait. A negative count returns tokens to
// the bucket.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64
	capacity   float64
	tokens     float64
	lastUpdate time.Time

	now func() time.Time // clock hook for tests
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(cfg RateLimitConfig) (*TokenBucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &TokenBucket{
		rate:     cfg.Rate,
		capacity: float64(cfg.Burst),
		tokens:   float64(cfg.Burst),
		now:      time.Now,
	}
	b.lastUpdate = b.now()
	return b, nil
}

// Consume attempts to take n tokens. On success it returns (true, 0). On
// failure the bucket is left untouched and the second return value is the
// time until enough tokens will have refilled.
func (b *TokenBucket) Consume(n float64) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.tokens < n {
		wait := time.Duration((n - b.tokens) / b.rate * float64(time.Second))
		return false, wait
	}

	b.tokens -= n
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	return true, 0
}

// WaitAndConsume loops Consume, sleeping the reported wait time, until the
// tokens are acquired or the context is cancelled. The wait is unbounded.
func (b *TokenBucket) WaitAndConsume(ctx context.Context, n float64) error {
	for {
		ok, wait := b.Consume(n)
		if ok {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// Tokens returns the current token level after refill.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastUpdate = now
}

// BucketStats is a point-in-time view of one bucket.
type BucketStats struct {
	Tokens   float64 `json:"tokens"`
	Capacity int     `json:"capacity"`
	Rate     float64 `json:"rate"`
}

// RateLimiterStats aggregates limiter counters and bucket levels.
type RateLimiterStats struct {
	Global        BucketStats            `json:"global"`
	Channels      map[string]BucketStats `json:"channels"`
	TotalAllowed  int64                  `json:"total_allowed"`
	TotalLimited  int64                  `json:"total_limited"`
	TotalWaitTime time.Duration          `json:"total_wait_time"`
}

// RateLimiter composes one global token bucket with one bucket per channel.
// The global bucket is consumed first; when a channel bucket then rejects,
// the global tokens are refunded so the net global effect of a channel-level
// rejection is zero.
type RateLimiter struct {
	global *TokenBucket

	mu       sync.Mutex
	channels map[string]*TokenBucket
	configs  map[string]RateLimitConfig

	totalAllowed  int64
	totalLimited  int64
	totalWaitTime time.Duration
}

// NewRateLimiter builds a limiter from the global config and per-channel
// configs. Invalid configs fail construction immediately.
func NewRateLimiter(global RateLimitConfig, channels map[string]RateLimitConfig) (*RateLimiter, error) {
	globalBucket, err := NewTokenBucket(global)
	if err != nil {
		return nil, fmt.Errorf("global bucket: %w", err)
	}

	rl := &RateLimiter{
		global:   globalBucket,
		channels: make(map[string]*TokenBucket, len(channels)),
		configs:  make(map[string]RateLimitConfig, len(channels)),
	}
	for channel, cfg := range channels {
		bucket, err := NewTokenBucket(cfg)
		if err != nil {
			return nil, fmt.Errorf("channel %q bucket: %w", channel, err)
		}
		rl.channels[channel] = bucket
		rl.configs[channel] = cfg
	}
	return rl, nil
}

// CheckRateLimit consumes count tokens from the global bucket and, when one
// is configured, from the channel bucket. The recipient argument is an
// extension point for per-recipient limits; no recipient bucket exists yet,
// so it never limits.
func (rl *RateLimiter) CheckRateLimit(channel, recipient string, count int) (bool, time.Duration) {
	n := float64(count)

	ok, wait := rl.global.Consume(n)
	if !ok {
		return false, wait
	}

	rl.mu.Lock()
	bucket := rl.channels[channel]
	rl.mu.Unlock()

	if bucket != nil {
		ok, wait = bucket.Consume(n)
		if !ok {
			// Refund the global tokens taken above.
			rl.global.Consume(-n)
			return false, wait
		}
	}

	return true, 0
}

// WaitIfLimited blocks until count tokens are available for the channel,
// sleeping the reported wait between attempts. The wait has no upper bound;
// only context cancellation interrupts it.
func (rl *RateLimiter) WaitIfLimited(ctx context.Context, channel, recipient string, count int) error {
	for {
		ok, wait := rl.CheckRateLimit(channel, recipient, count)
		if ok {
			rl.mu.Lock()
			rl.totalAllowed++
			rl.mu.Unlock()
			return nil
		}

		rl.mu.Lock()
		rl.totalLimited++
		rl.totalWaitTime += wait
		rl.mu.Unlock()
		recordRateLimited(channel, wait)

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// UpdateChannelConfig replaces the channel's config and installs a fresh,
// full bucket.
func (rl *RateLimiter) UpdateChannelConfig(channel string, cfg RateLimitConfig) error {
	bucket, err := NewTokenBucket(cfg)
	if err != nil {
		return fmt.Errorf("channel %q bucket: %w", channel, err)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.channels[channel] = bucket
	rl.configs[channel] = cfg
	return nil
}

// Stats returns bucket levels and limiter counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := RateLimiterStats{
		Global: BucketStats{
			Tokens:   rl.global.Tokens(),
			Capacity: int(rl.global.capacity),
			Rate:     rl.global.rate,
		},
		Channels:      make(map[string]BucketStats, len(rl.channels)),
		TotalAllowed:  rl.totalAllowed,
		TotalLimited:  rl.totalLimited,
		TotalWaitTime: rl.totalWaitTime,
	}
	for channel, bucket := range rl.channels {
		stats.Channels[channel] = BucketStats{
			Tokens:   bucket.Tokens(),
			Capacity: int(bucket.capacity),
			Rate:     bucket.rate,
		}
	}
	return stats
}

// ResetStats zeroes the counters. Token levels are untouched.
func (rl *RateLimiter) ResetStats() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.totalAllowed = 0
	rl.totalLimited = 0
	rl.totalWaitTime = 0
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
