package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Limiter controls the rate and timing of operations, incorporating optional jitter.
// It is safe for concurrent use by multiple goroutines.
type Limiter struct {
	ticker   *time.Ticker
	jitter   float64 // 0.0 to 1.0
	interval time.Duration
	ch       <-chan time.Time
}

// NewLimiter creates a new limiter with the given requests per second (rps)
// and jitter factor. Jitter is clamped to [0, 1].
// If rps is <= 0, the limiter does not block.
func NewLimiter(rps float64, jitter float64) *Limiter {
	if rps <= 0 {
		return &Limiter{}
	}

	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}

	interval := time.Duration(float64(time.Second) / rps)
	ticker := time.NewTicker(interval)

	return &Limiter{
		ticker:   ticker,
		jitter:   jitter,
		interval: interval,
		ch:       ticker.C,
	}
}

// Wait blocks until it is time to perform the next operation, or until the
// context is canceled. Positive jitter extends the wait; the ticker already
// enforces the minimum interval so negative jitter is a no-op.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.ch == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ch:
	}

	if l.jitter <= 0 {
		return nil
	}
	extra := time.Duration(float64(l.interval) * l.jitter * (rand.Float64()*2 - 1))
	if extra <= 0 {
		return nil
	}
	return Sleep(ctx, extra)
}

// Stop releases any resources associated with the limiter.
func (l *Limiter) Stop() {
	if l != nil && l.ticker != nil {
		l.ticker.Stop()
	}
}

// PerHost keeps one Limiter per hostname so a slow search engine does not
// throttle fetches against unrelated product sites. Hosts without an entry in
// Overrides share the default rate.
type PerHost struct {
	rps       float64
	jitter    float64
	overrides map[string]float64

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewPerHost creates a PerHost limiter. overrides maps a hostname to its own rps.
func NewPerHost(rps, jitter float64, overrides map[string]float64) *PerHost {
	return &PerHost{
		rps:       rps,
		jitter:    jitter,
		overrides: overrides,
		limiters:  make(map[string]*Limiter),
	}
}

// Wait blocks on the limiter for host.
func (p *PerHost) Wait(ctx context.Context, host string) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	l, ok := p.limiters[host]
	if !ok {
		rps := p.rps
		if v, found := p.overrides[host]; found {
			rps = v
		}
		l = NewLimiter(rps, p.jitter)
		p.limiters[host] = l
	}
	p.mu.Unlock()
	return l.Wait(ctx)
}

// Stop stops every per-host limiter.
func (p *PerHost) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.limiters {
		l.Stop()
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
