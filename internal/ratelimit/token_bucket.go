// Package ratelimit implements the progressive sender's backpressure
// pacing (spec.md §5: a 10ms delay every 5 chunks, yield every 10
// chunks) and a token-bucket limiter. The per-chunk retry backoff on a
// closed channel is in internal/transfer's sender, not here.
package ratelimit

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is a token-bucket limiter wrapping golang.org/x/time/rate
// rather than a hand-rolled refill loop. The daemon's connection accept
// loop uses it; chunk sending is paced by ChunkPacer instead.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a bucket refilling at rate tokens/sec with the
// given burst capacity.
func NewTokenBucket(ratePerSec float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether n tokens are available right now, consuming
// them if so.
func (tb *TokenBucket) Allow(n int) bool {
	return tb.limiter.AllowN(time.Now(), n)
}

// Wait blocks until n tokens are available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context, n int) error {
	return tb.limiter.WaitN(ctx, n)
}

// ChunkPacer implements the fixed progressive-transfer cadence: a short
// sleep every pauseEvery chunks, plus a cooperative yield every
// yieldEvery chunks so one session never monopolizes its worker.
type ChunkPacer struct {
	pauseEvery int
	pauseFor   time.Duration
	yieldEvery int
	sent       int
}

// DefaultChunkPacer matches spec.md §5's stated constants.
func DefaultChunkPacer() *ChunkPacer {
	return &ChunkPacer{pauseEvery: 5, pauseFor: 10 * time.Millisecond, yieldEvery: 10}
}

// Tick is called after each chunk is sent; it sleeps or yields as needed.
func (p *ChunkPacer) Tick() {
	p.sent++
	if p.pauseEvery > 0 && p.sent%p.pauseEvery == 0 {
		time.Sleep(p.pauseFor)
	}
	if p.yieldEvery > 0 && p.sent%p.yieldEvery == 0 {
		runtime.Gosched()
	}
}
