package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"porsche-tracker/apperrors"
	"porsche-tracker/metrics"
	"porsche-tracker/models"
	"porsche-tracker/storage"
	"porsche-tracker/utils"
)

// NotificationSender delivers one event on one channel.
type NotificationSender interface {
	Send(ctx context.Context, ch models.Channel, ev models.AlertEvent) error
}

// DispatcherOptions configures the AlertDispatcher.
type DispatcherOptions struct {
	// Cooldown suppresses repeats of a dedup key sent within this window.
	Cooldown time.Duration
	// MaxRetries is the number of all-channels-failed attempts before an
	// event is marked permanently failed.
	MaxRetries int
	// Publish, when set, receives every event that reaches a final status.
	Publish func(models.AlertEvent)
}

type pendingAlert struct {
	ev       models.AlertEvent
	channels []models.Channel
}

// AlertDispatcher turns candidate events into notifications. It suppresses
// repeats within the cooldown, fans out to every channel of the criteria,
// and keeps events whose channels all failed for a retry on the next cycle.
type AlertDispatcher struct {
	store  storage.AlertStore
	sender NotificationSender
	opts   DispatcherOptions
	logger *utils.Logger
	now    func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	pending  map[string]*pendingAlert
	// sent remembers dispatches whose store write failed, so the cooldown
	// still holds for them.
	sent map[string]time.Time
}

// NewAlertDispatcher creates an AlertDispatcher.
func NewAlertDispatcher(store storage.AlertStore, sender NotificationSender, opts DispatcherOptions, logger *utils.Logger) *AlertDispatcher {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 24 * time.Hour
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &AlertDispatcher{
		store:    store,
		sender:   sender,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
		pending:  make(map[string]*pendingAlert),
		sent:     make(map[string]time.Time),
	}
}

// NewEvent builds a candidate event for a listing within a criteria.
func NewEvent(c models.WatchCriteria, l models.Listing, kind models.AlertKind, oldPrice int64) models.AlertEvent {
	ev := models.AlertEvent{
		ListingID:     l.ID,
		CriteriaID:    c.ID,
		CriteriaName:  c.Name,
		Kind:          kind,
		DedupKey:      models.DedupKey(c.ID, l.ID, kind),
		OldPrice:      oldPrice,
		NewPrice:      l.Price,
		Listing:       l,
		LowConfidence: l.LowConfidence,
		Status:        models.AlertPending,
	}
	if l.MarketValue != nil && kind != models.AlertDelisted {
		ev.Value = models.AnalyzeValue(l.Price, *l.MarketValue)
	}
	return ev
}

// Dispatch sends ev on channels, or suppresses it when an event with the
// same dedup key was sent within the cooldown or is already being handled.
// The returned event carries the outcome in Status. Suppression is not an
// error; errors are persistence failures and context cancellation, in which
// case nothing was recorded as sent.
func (d *AlertDispatcher) Dispatch(ctx context.Context, ev models.AlertEvent, channels []models.Channel) (models.AlertEvent, error) {
	if ev.DedupKey == "" {
		ev.DedupKey = models.DedupKey(ev.CriteriaID, ev.ListingID, ev.Kind)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = d.now()
	}

	if !d.claim(ev.DedupKey) {
		d.logger.Debug("[dispatch] %s already in flight or pending, suppressed", ev.DedupKey)
		return d.suppress(ev), nil
	}
	defer d.unclaim(ev.DedupKey)

	recent, err := d.sentRecently(ctx, ev.DedupKey)
	if err != nil {
		return ev, err
	}
	if recent {
		return d.suppress(ev), nil
	}

	if len(channels) == 0 {
		ev.Status = models.AlertNoChannels
		d.logger.Warn("[dispatch] %s has no channels configured", ev.DedupKey)
		if err := d.store.RecordSentAlert(ctx, &ev); err != nil {
			return ev, apperrors.Persistence("record alert", err)
		}
		d.finish(ev)
		return ev, nil
	}

	return d.attempt(ctx, ev, channels)
}

// RetryPending re-attempts the pending events of one criteria and returns
// their new state.
func (d *AlertDispatcher) RetryPending(ctx context.Context, criteriaID string) ([]models.AlertEvent, error) {
	var batch []*pendingAlert
	d.mu.Lock()
	for key, p := range d.pending {
		if p.ev.CriteriaID != criteriaID {
			continue
		}
		if _, busy := d.inFlight[key]; busy {
			continue
		}
		d.inFlight[key] = struct{}{}
		delete(d.pending, key)
		batch = append(batch, p)
	}
	d.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].ev.CreatedAt.Before(batch[j].ev.CreatedAt) })

	var out []models.AlertEvent
	var firstErr error
	for i, p := range batch {
		if firstErr != nil {
			d.restore(p)
			d.unclaim(p.ev.DedupKey)
			continue
		}
		ev, err := d.retry(ctx, p)
		d.unclaim(p.ev.DedupKey)
		if err != nil {
			firstErr = err
			d.restore(p)
			d.logger.Warn("[dispatch] Retry of %s interrupted, %d pending kept: %v", p.ev.DedupKey, len(batch)-i, err)
			continue
		}
		out = append(out, ev)
	}
	return out, firstErr
}

func (d *AlertDispatcher) retry(ctx context.Context, p *pendingAlert) (models.AlertEvent, error) {
	recent, err := d.sentRecently(ctx, p.ev.DedupKey)
	if err != nil {
		return p.ev, err
	}
	if recent {
		return d.suppress(p.ev), nil
	}
	return d.attempt(ctx, p.ev, p.channels)
}

// Pending returns the events waiting for a retry, oldest first.
func (d *AlertDispatcher) Pending() []models.AlertEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.AlertEvent, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, p.ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (d *AlertDispatcher) attempt(ctx context.Context, ev models.AlertEvent, channels []models.Channel) (models.AlertEvent, error) {
	if err := ctx.Err(); err != nil {
		return ev, err
	}

	results := make([]models.ChannelResult, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch models.Channel) {
			defer wg.Done()
			res := models.ChannelResult{Channel: ch.String()}
			if err := d.sender.Send(ctx, ch, ev); err != nil {
				res.Error = err.Error()
				metrics.ChannelSendsTotal.WithLabelValues(string(ch.Type), "error").Inc()
			} else {
				res.OK = true
				metrics.ChannelSendsTotal.WithLabelValues(string(ch.Type), "ok").Inc()
			}
			res.At = d.now()
			results[i] = res
		}(i, ch)
	}
	wg.Wait()

	ev.Attempts++
	ev.Results = append(ev.Results, results...)

	delivered := 0
	var errs []error
	for _, r := range results {
		if r.OK {
			delivered++
			continue
		}
		d.logger.Warn("[dispatch] Channel %s failed for %s (attempt %d): %s", r.Channel, ev.DedupKey, ev.Attempts, r.Error)
		errs = append(errs, errors.New(r.Channel+": "+r.Error))
	}

	if delivered > 0 {
		ev.Status = models.AlertSent
		ev.SentAt = d.now()
		d.mu.Lock()
		d.sent[ev.DedupKey] = ev.SentAt
		d.mu.Unlock()
		d.logger.Info("[dispatch] %s sent on %d/%d channels", ev.DedupKey, delivered, len(channels))
		if err := d.store.RecordSentAlert(ctx, &ev); err != nil {
			d.finish(ev)
			return ev, apperrors.Persistence("record alert", err)
		}
		d.finish(ev)
		return ev, nil
	}

	if ctx.Err() != nil {
		// Failures caused by shutdown do not count as an attempt.
		ev.Attempts--
		ev.Results = ev.Results[:len(ev.Results)-len(results)]
		return ev, ctx.Err()
	}

	if ev.Attempts >= d.opts.MaxRetries {
		ev.Status = models.AlertFailed
		permanent := apperrors.PermanentChannel(ev.DedupKey, ev.Attempts, errors.Join(errs...))
		d.logger.Error("[dispatch] %v", permanent)
		if err := d.store.RecordSentAlert(ctx, &ev); err != nil {
			d.finish(ev)
			return ev, apperrors.Persistence("record alert", err)
		}
		d.finish(ev)
		return ev, nil
	}

	ev.Status = models.AlertPending
	d.restore(&pendingAlert{ev: ev, channels: channels})
	metrics.AlertsTotal.WithLabelValues(string(ev.Kind), string(ev.Status)).Inc()
	d.logger.Warn("[dispatch] %s failed on every channel, retry %d/%d next cycle", ev.DedupKey, ev.Attempts, d.opts.MaxRetries)
	return ev, nil
}

func (d *AlertDispatcher) sentRecently(ctx context.Context, key string) (bool, error) {
	now := d.now()
	d.mu.Lock()
	at, ok := d.sent[key]
	if ok && now.Sub(at) >= d.opts.Cooldown {
		delete(d.sent, key)
		ok = false
	}
	d.mu.Unlock()
	if ok {
		return true, nil
	}

	recent, err := d.store.WasAlertSentRecently(ctx, key, d.opts.Cooldown, now)
	if err != nil {
		return false, apperrors.Persistence("alert cooldown lookup", err)
	}
	return recent, nil
}

func (d *AlertDispatcher) suppress(ev models.AlertEvent) models.AlertEvent {
	ev.Status = models.AlertSuppressed
	metrics.AlertsTotal.WithLabelValues(string(ev.Kind), string(ev.Status)).Inc()
	return ev
}

func (d *AlertDispatcher) finish(ev models.AlertEvent) {
	metrics.AlertsTotal.WithLabelValues(string(ev.Kind), string(ev.Status)).Inc()
	if d.opts.Publish != nil {
		d.opts.Publish(ev)
	}
}

// claim marks key as in flight. It fails while the key is in flight or
// waiting for a retry.
func (d *AlertDispatcher) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[key]; busy {
		return false
	}
	if _, waiting := d.pending[key]; waiting {
		return false
	}
	d.inFlight[key] = struct{}{}
	return true
}

func (d *AlertDispatcher) unclaim(key string) {
	d.mu.Lock()
	delete(d.inFlight, key)
	d.mu.Unlock()
}

func (d *AlertDispatcher) restore(p *pendingAlert) {
	d.mu.Lock()
	d.pending[p.ev.DedupKey] = p
	d.mu.Unlock()
}
