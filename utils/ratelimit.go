package utils

import (
	"context"
	"sync"
	"time"

	"porsche-tracker/apperrors"
)

// RateLimitConfig bounds calls per source key: at most Requests grants in any
// rolling Window, at most MaxInFlight unreleased permits, and no caller waits
// longer than MaxWait. Zero disables the corresponding bound.
type RateLimitConfig struct {
	Requests    int
	Window      time.Duration
	MaxInFlight int
	MaxWait     time.Duration
}

// RateLimiter is a sliding-window log limiter with a FIFO waiter queue per key.
// Only the head of a queue may be granted, so queued callers are served in
// arrival order.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*limiterBucket

	// onGrant is called under the lock with the grant time; tests use it.
	onGrant func(key string, at time.Time)
}

type limiterBucket struct {
	grants   []time.Time
	inFlight int
	queue    []*limiterWaiter
}

type limiterWaiter struct {
	wake chan struct{}
}

// Permit is returned by Acquire and must be released when the call finishes.
type Permit struct {
	limiter *RateLimiter
	key     string
	once    sync.Once
}

// Release returns in-flight capacity. Calling it more than once is a no-op.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() { p.limiter.release(p.key) })
}

// NewRateLimiter creates a RateLimiter using the wall clock.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*limiterBucket),
	}
}

// Acquire blocks until key has capacity, ctx is done, or MaxWait elapses. On
// timeout it fails with apperrors.ErrRateLimitExceeded.
func (rl *RateLimiter) Acquire(ctx context.Context, key string) (*Permit, error) {
	rl.mu.Lock()
	b := rl.bucket(key)
	if len(b.queue) == 0 && rl.grantable(b) {
		rl.grant(key, b)
		rl.mu.Unlock()
		return &Permit{limiter: rl, key: key}, nil
	}

	w := &limiterWaiter{wake: make(chan struct{}, 1)}
	b.queue = append(b.queue, w)

	var deadline <-chan time.Time
	if rl.cfg.MaxWait > 0 {
		t := time.NewTimer(rl.cfg.MaxWait)
		defer t.Stop()
		deadline = t.C
	}

	for {
		var windowC <-chan time.Time
		var windowTimer *time.Timer
		if d := rl.windowWait(b); d > 0 {
			windowTimer = time.NewTimer(d)
			windowC = windowTimer.C
		}
		rl.mu.Unlock()

		var failErr error
		select {
		case <-ctx.Done():
			failErr = ctx.Err()
		case <-deadline:
			failErr = apperrors.ErrRateLimitExceeded
		case <-w.wake:
		case <-windowC:
		}
		if windowTimer != nil {
			windowTimer.Stop()
		}

		rl.mu.Lock()
		if failErr != nil {
			rl.dequeue(b, w)
			rl.wakeHead(b)
			rl.mu.Unlock()
			return nil, failErr
		}
		if b.queue[0] == w && rl.grantable(b) {
			b.queue = b.queue[1:]
			rl.grant(key, b)
			rl.wakeHead(b)
			rl.mu.Unlock()
			return &Permit{limiter: rl, key: key}, nil
		}
	}
}

// QueueLen returns the number of callers waiting on key.
func (rl *RateLimiter) QueueLen(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[key]; ok {
		return len(b.queue)
	}
	return 0
}

// InFlight returns the number of unreleased permits for key.
func (rl *RateLimiter) InFlight(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[key]; ok {
		return b.inFlight
	}
	return 0
}

func (rl *RateLimiter) release(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b := rl.bucket(key)
	if b.inFlight > 0 {
		b.inFlight--
	}
	rl.wakeHead(b)
}

func (rl *RateLimiter) bucket(key string) *limiterBucket {
	b, ok := rl.buckets[key]
	if !ok {
		b = &limiterBucket{}
		rl.buckets[key] = b
	}
	return b
}

// grantable prunes expired grants and reports whether b has capacity now.
func (rl *RateLimiter) grantable(b *limiterBucket) bool {
	if rl.cfg.Requests > 0 && rl.cfg.Window > 0 {
		cutoff := rl.now().Add(-rl.cfg.Window)
		i := 0
		for i < len(b.grants) && !b.grants[i].After(cutoff) {
			i++
		}
		b.grants = b.grants[i:]
		if len(b.grants) >= rl.cfg.Requests {
			return false
		}
	}
	if rl.cfg.MaxInFlight > 0 && b.inFlight >= rl.cfg.MaxInFlight {
		return false
	}
	return true
}

func (rl *RateLimiter) grant(key string, b *limiterBucket) {
	at := rl.now()
	if rl.cfg.Requests > 0 && rl.cfg.Window > 0 {
		b.grants = append(b.grants, at)
	}
	b.inFlight++
	if rl.onGrant != nil {
		rl.onGrant(key, at)
	}
}

// windowWait returns how long until the oldest grant leaves the window, or
// zero when the window is not the binding constraint.
func (rl *RateLimiter) windowWait(b *limiterBucket) time.Duration {
	if rl.cfg.Requests <= 0 || rl.cfg.Window <= 0 || len(b.grants) < rl.cfg.Requests {
		return 0
	}
	d := b.grants[0].Add(rl.cfg.Window).Sub(rl.now())
	if d <= 0 {
		return time.Millisecond
	}
	return d + time.Millisecond
}

func (rl *RateLimiter) wakeHead(b *limiterBucket) {
	if len(b.queue) == 0 {
		return
	}
	select {
	case b.queue[0].wake <- struct{}{}:
	default:
	}
}

func (rl *RateLimiter) dequeue(b *limiterBucket, w *limiterWaiter) {
	for i, q := range b.queue {
		if q == w {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}
