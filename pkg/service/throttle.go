package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryThrottle is the single-process fallback for the Redis throttle:
// a resend cooldown plus a token bucket refilling maxSends per window.
type MemoryThrottle struct {
	mu       sync.Mutex
	phones   map[string]*phoneBucket
	cooldown time.Duration
	window   time.Duration
	maxSends int
	now      func() time.Time
}

type phoneBucket struct {
	limiter  *rate.Limiter
	lastSent time.Time

	// the last admitted send, kept until the next Allow so it can be released
	pending  *rate.Reservation
	prevSent time.Time
}

func NewMemoryThrottle(cooldown, window time.Duration, maxSends int) *MemoryThrottle {
	return &MemoryThrottle{
		phones:   make(map[string]*phoneBucket),
		cooldown: cooldown,
		window:   window,
		maxSends: maxSends,
		now:      time.Now,
	}
}

func (t *MemoryThrottle) Allow(_ context.Context, phone string) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b, ok := t.phones[phone]
	if !ok {
		limit := rate.Inf
		if t.maxSends > 0 && t.window > 0 {
			limit = rate.Every(t.window / time.Duration(t.maxSends))
		}
		b = &phoneBucket{limiter: rate.NewLimiter(limit, max(t.maxSends, 1))}
		t.phones[phone] = b
	}

	if !b.lastSent.IsZero() {
		if elapsed := now.Sub(b.lastSent); elapsed < t.cooldown {
			return t.cooldown - elapsed, nil
		}
	}

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return t.window, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay, nil
	}

	b.pending = r
	b.prevSent = b.lastSent
	b.lastSent = now
	t.evict(now)
	return 0, nil
}

// Release returns the token taken by the last admitted send and lifts its
// cooldown.
func (t *MemoryThrottle) Release(_ context.Context, phone string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.phones[phone]
	if !ok || b.pending == nil {
		return nil
	}
	// Cancelling at the admission time hands the token back in full.
	b.pending.CancelAt(b.lastSent)
	b.pending = nil
	b.lastSent = b.prevSent
	return nil
}

// evict drops idle phones so the map does not grow without bound.
func (t *MemoryThrottle) evict(now time.Time) {
	if len(t.phones) < 10000 {
		return
	}
	idle := t.window
	if t.cooldown > idle {
		idle = t.cooldown
	}
	for phone, b := range t.phones {
		if now.Sub(b.lastSent) > idle {
			delete(t.phones, phone)
		}
	}
}
