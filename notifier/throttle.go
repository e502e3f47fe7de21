package notifier

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"porsche-tracker/models"
)

// Throttled paces a Sender per target so a burst of alerts does not trip
// provider limits. Callers wait for a token rather than being dropped.
type Throttled struct {
	inner    Sender
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewThrottled allows perMinute sends per target, with a 10% burst (minimum 1).
func NewThrottled(inner Sender, perMinute int) *Throttled {
	if perMinute < 1 {
		perMinute = 1
	}
	return &Throttled{
		inner:    inner,
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(perMinute) / 60.0),
		burst:    max(1, perMinute/10),
	}
}

func (t *Throttled) Type() models.ChannelType { return t.inner.Type() }

func (t *Throttled) Send(ctx context.Context, target string, ev models.AlertEvent) error {
	if err := t.limiter(target).Wait(ctx); err != nil {
		return err
	}
	return t.inner.Send(ctx, target, ev)
}

func (t *Throttled) limiter(target string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[target]
	if !ok {
		l = rate.NewLimiter(t.rate, t.burst)
		t.limiters[target] = l
	}
	return l
}
