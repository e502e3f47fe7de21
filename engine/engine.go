// Package engine runs discovery and price-check cycles for every active
// watch criteria and schedules them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"porsche-tracker/apperrors"
	"porsche-tracker/metrics"
	"porsche-tracker/models"
	"porsche-tracker/scraper"
	"porsche-tracker/services"
	"porsche-tracker/storage"
	"porsche-tracker/utils"
)

// Enricher looks up vehicle data for a VIN.
type Enricher interface {
	Enrich(ctx context.Context, vin string) (*models.VinEnrichmentRecord, error)
}

// Config holds the engine's scheduling and policy settings.
type Config struct {
	DiscoveryInterval  time.Duration
	PriceCheckInterval time.Duration
	TickInterval       time.Duration
	Workers            int

	BackoffBase        time.Duration
	BlockedBackoffBase time.Duration
	BackoffCap         time.Duration
	BackoffJitter      float64
	DegradedAfter      int

	DelistAfter     int
	TrendWindow     int
	AlertCooldown   time.Duration
	MaxAlertRetries int
}

func (c Config) interval(cad Cadence) time.Duration {
	if cad == CadencePriceCheck {
		return c.PriceCheckInterval
	}
	return c.DiscoveryInterval
}

// Deps are the collaborators the engine drives. Enricher, Archive and
// Stream are optional.
type Deps struct {
	Source   scraper.SourceClient
	Store    storage.Store
	Sender   services.NotificationSender
	Enricher Enricher
	Archive  storage.RawArchive
	Stream   Publisher
	Logger   *utils.Logger
}

// CycleReport describes one finished cycle.
type CycleReport struct {
	RunID       string                      `json:"run_id"`
	CriteriaID  string                      `json:"criteria_id"`
	Cadence     Cadence                     `json:"cadence"`
	StartedAt   time.Time                   `json:"started_at"`
	FinishedAt  time.Time                   `json:"finished_at"`
	Fetched     int                         `json:"fetched"`
	Malformed   int                         `json:"malformed"`
	Transitions map[services.Transition]int `json:"transitions"`
	Alerts      map[models.AlertStatus]int  `json:"alerts"`
	Delisted    []string                    `json:"delisted,omitempty"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running       bool          `json:"running"`
	Cycles        []CycleStatus `json:"cycles"`
	PendingAlerts int           `json:"pending_alerts"`
}

// errStaleObservation marks a detail fetch overtaken by a newer observation.
var errStaleObservation = errors.New("observation older than stored listing")

type observation struct {
	listing   models.Listing
	source    models.ObservationSource
	fetchedAt time.Time
}

type Engine struct {
	cfg        Config
	source     scraper.SourceClient
	store      storage.Store
	extractor  *services.Extractor
	dedup      *services.Deduplicator
	prices     *services.PriceTracker
	enricher   Enricher
	dispatcher *services.AlertDispatcher
	archive    storage.RawArchive
	hub        *Hub
	registry   *Registry
	scheduler  *Scheduler
	backoff    utils.Backoff
	scopes     *utils.KeyedMutex
	listings   *utils.KeyedMutex
	logger     *utils.Logger
	now        func() time.Time

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup
}

// New wires an Engine. Nothing runs until Start or a Run*Cycle call.
func New(cfg Config, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	hub := NewHub(deps.Stream, logger)
	e := &Engine{
		cfg:       cfg,
		source:    deps.Source,
		store:     deps.Store,
		extractor: services.NewExtractor(logger),
		dedup:     services.NewDeduplicator(cfg.DelistAfter),
		prices:    services.NewPriceTracker(deps.Store, cfg.TrendWindow, logger),
		enricher:  deps.Enricher,
		archive:   deps.Archive,
		hub:       hub,
		registry:  NewRegistry(cfg.DegradedAfter),
		backoff:   utils.Backoff{Cap: cfg.BackoffCap, Jitter: cfg.BackoffJitter},
		scopes:    utils.NewKeyedMutex(),
		listings:  utils.NewKeyedMutex(),
		logger:    logger,
		now:       time.Now,
	}
	e.dispatcher = services.NewAlertDispatcher(deps.Store, deps.Sender, services.DispatcherOptions{
		Cooldown:   cfg.AlertCooldown,
		MaxRetries: cfg.MaxAlertRetries,
		Publish:    hub.Publish,
	}, logger)
	e.scheduler = newScheduler(e, cfg.Workers, cfg.TickInterval)
	return e
}

// Scheduler returns the engine's scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Start launches the scheduler loop. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("engine already started")
	}
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		e.scheduler.Run(e.baseCtx)
	}()
	e.logger.Info("[engine] Started: discovery every %v, price check every %v, %d workers",
		e.cfg.DiscoveryInterval, e.cfg.PriceCheckInterval, e.scheduler.pool.Size())
	return nil
}

// Stop cancels running cycles, waits for them and closes subscriptions.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.bg.Wait()
	e.scheduler.Wait()
	e.hub.Close()
	e.logger.Info("[engine] Stopped")
}

// Subscribe streams every AlertEvent that reaches a final status.
func (e *Engine) Subscribe() (<-chan models.AlertEvent, func()) {
	return e.hub.Subscribe(0)
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.cancel != nil && e.baseCtx.Err() == nil
	e.mu.Unlock()
	return Status{
		Running:       running,
		Cycles:        e.registry.Snapshot(),
		PendingAlerts: len(e.dispatcher.Pending()),
	}
}

// RunDiscoveryCycle scans the source for the criteria and processes every
// result. It fails with ErrCycleInProgress when a discovery cycle for the
// criteria is already running.
func (e *Engine) RunDiscoveryCycle(ctx context.Context, criteriaID string) (*CycleReport, error) {
	return e.run(ctx, criteriaID, CadenceDiscovery)
}

// RunPriceCheckCycle re-fetches every listing in the criteria's scope and
// records price changes.
func (e *Engine) RunPriceCheckCycle(ctx context.Context, criteriaID string) (*CycleReport, error) {
	return e.run(ctx, criteriaID, CadencePriceCheck)
}

// Trigger starts a cycle in the background, for "run now" requests. The
// start itself is synchronous so callers learn about conflicts.
func (e *Engine) Trigger(criteriaID string, cad Cadence) error {
	ctx := e.context()
	c, err := e.begin(ctx, criteriaID, cad)
	if err != nil {
		return err
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		_, _ = e.execute(ctx, c, cad)
	}()
	return nil
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseCtx != nil {
		return e.baseCtx
	}
	return context.Background()
}

func (e *Engine) run(ctx context.Context, criteriaID string, cad Cadence) (*CycleReport, error) {
	c, err := e.begin(ctx, criteriaID, cad)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, c, cad)
}

func (e *Engine) begin(ctx context.Context, criteriaID string, cad Cadence) (models.WatchCriteria, error) {
	c, ok := e.registry.Criteria(criteriaID)
	if !ok {
		stored, err := e.store.GetCriteria(ctx, criteriaID)
		if err != nil {
			return c, apperrors.Persistence("get criteria", err)
		}
		if stored == nil || !stored.Active {
			return c, ErrUnknownCriteria
		}
		c = *stored
		e.registry.Ensure(c, e.now())
	}
	if err := e.registry.TryBegin(criteriaID, cad, e.now()); err != nil {
		return c, err
	}
	return c, nil
}

// execute runs a cycle already moved to Scanning and settles its state.
func (e *Engine) execute(ctx context.Context, c models.WatchCriteria, cad Cadence) (*CycleReport, error) {
	report := &CycleReport{
		RunID:       uuid.NewString(),
		CriteriaID:  c.ID,
		Cadence:     cad,
		StartedAt:   e.now(),
		Transitions: make(map[services.Transition]int),
		Alerts:      make(map[models.AlertStatus]int),
	}
	log := e.logger.With("criteria", c.ID, "cadence", string(cad), "run", report.RunID)

	var err error
	if cad == CadenceDiscovery {
		err = e.discover(ctx, c, report, log)
	} else {
		err = e.checkPrices(ctx, c, report, log)
	}
	report.FinishedAt = e.now()
	e.settle(ctx, c, cad, report, err, log)
	return report, err
}

func (e *Engine) settle(ctx context.Context, c models.WatchCriteria, cad Cadence, report *CycleReport, err error, log *utils.Logger) {
	elapsed := report.FinishedAt.Sub(report.StartedAt)
	metrics.CycleDuration.WithLabelValues(string(cad)).Observe(elapsed.Seconds())

	var outcome string
	switch {
	case err == nil:
		outcome = "ok"
		e.registry.Succeed(c.ID, cad, report.FinishedAt, report.FinishedAt.Add(e.cfg.interval(cad)))
		metrics.CriteriaDegraded.WithLabelValues(c.ID, string(cad)).Set(0)
		log.Info("[engine] %s %s done in %v: fetched %d, malformed %d, alerts %v",
			c.ID, cad, elapsed.Round(time.Millisecond), report.Fetched, report.Malformed, report.Alerts)

	case ctx.Err() != nil:
		outcome = "cancelled"
		e.registry.Abort(c.ID, cad)
		log.Info("[engine] %s %s cancelled, pending changes discarded", c.ID, cad)

	case apperrors.KindOf(err) == apperrors.KindPersistenceFailure:
		outcome = "persistence_failure"
		st := e.registry.Fail(c.ID, cad, report.FinishedAt.Add(e.cfg.interval(cad)), err, false)
		e.markDegraded(c.ID, cad, st)
		log.Error("[engine] %s %s aborted, retrying next cadence: %v", c.ID, cad, err)

	default:
		outcome = "upstream_failure"
		base := e.cfg.BackoffBase
		if apperrors.IsBlocked(err) {
			outcome = "blocked"
			base = e.cfg.BlockedBackoffBase
		}
		prev, _ := e.registry.Get(c.ID, cad)
		delay := e.backoff.Delay(base, prev.Failures+1)
		st := e.registry.Fail(c.ID, cad, report.FinishedAt.Add(delay), err, true)
		e.markDegraded(c.ID, cad, st)
		log.Warn("[engine] %s %s failed (%d in a row), backing off %v: %v",
			c.ID, cad, st.Failures, delay.Round(time.Second), err)
	}
	metrics.CyclesTotal.WithLabelValues(string(cad), outcome).Inc()
}

func (e *Engine) markDegraded(id string, cad Cadence, st CycleStatus) {
	if !st.Degraded {
		return
	}
	metrics.CriteriaDegraded.WithLabelValues(id, string(cad)).Set(1)
	e.logger.Error("[engine] Scan degraded for %s %s after %d consecutive failures: %s", id, cad, st.Failures, st.LastError)
}

func (e *Engine) retryPending(ctx context.Context, c models.WatchCriteria, report *CycleReport, log *utils.Logger) error {
	retried, err := e.dispatcher.RetryPending(ctx, c.ID)
	for _, ev := range retried {
		report.Alerts[ev.Status]++
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("[engine] Retrying pending alerts for %s: %v", c.ID, err)
	}
	return nil
}

func (e *Engine) discover(ctx context.Context, c models.WatchCriteria, report *CycleReport, log *utils.Logger) error {
	if err := e.retryPending(ctx, c, report, log); err != nil {
		return err
	}

	raw, err := e.source.Search(ctx, scraper.SearchParamsFor(c))
	if err != nil {
		return err
	}
	observedAt := e.now()
	report.Fetched = len(raw)
	if e.archive != nil && len(raw) > 0 {
		if err := e.archive.WriteRaw(c.ID, raw); err != nil {
			log.Warn("[engine] Archiving raw records failed: %v", err)
		}
	}

	batch := e.extractor.ExtractAll(raw)
	report.Malformed = len(batch.Malformed)

	unlock := e.scopes.Lock(c.ID)
	defer unlock()

	prev, err := e.store.GetPreviousScan(ctx, c.ID)
	if err != nil {
		return apperrors.Persistence("previous scan", err)
	}

	// Every id the source returned counts as present, including malformed
	// records, which keep their last known scope price.
	present := make(map[string]int64, len(batch.SeenIDs))
	for _, id := range batch.SeenIDs {
		if entry, ok := prev.Entry(id); ok {
			present[id] = entry.Price
		}
	}

	for _, l := range batch.Listings {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.LastSeen = observedAt
		dec, err := e.apply(ctx, c, prev, observation{listing: l, source: models.ObservedByScan, fetchedAt: observedAt}, report, log)
		if err != nil {
			return err
		}
		if dec.InScope {
			present[l.ID] = dec.Listing.Price
		} else {
			delete(present, l.ID)
		}
	}

	next, gone := e.dedup.Advance(prev, c.ID, present, observedAt)
	for _, id := range gone {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, _ := prev.Entry(id)
		if err := e.delist(ctx, c, id, entry, report, log); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.store.SaveScan(ctx, next); err != nil {
		return apperrors.Persistence("save scan", err)
	}
	return nil
}

// apply runs one observation through classification, price history,
// enrichment, dispatch and storage, in that order, holding the listing lock.
func (e *Engine) apply(ctx context.Context, c models.WatchCriteria, scope *models.ScanSnapshot, obs observation, report *CycleReport, log *utils.Logger) (services.Decision, error) {
	id := obs.listing.ID
	unlock := e.listings.Lock(id)
	defer unlock()

	stored, err := e.store.GetListing(ctx, id)
	if err != nil {
		return services.Decision{}, apperrors.Persistence("get listing", err)
	}
	if obs.source == models.ObservedByCheck && stored != nil && stored.LastSeen.After(obs.fetchedAt) {
		log.Debug("[engine] Detail of %s overtaken by a newer scan, discarded", id)
		return services.Decision{}, errStaleObservation
	}

	dec := e.dedup.Classify(scope, stored, obs.listing, c)
	metrics.ListingTransitions.WithLabelValues(string(dec.Transition)).Inc()
	report.Transitions[dec.Transition]++
	if dec.Transition == services.TransitionIgnored && stored == nil {
		return dec, nil
	}

	l := dec.Listing
	if obs.source == models.ObservedByCheck {
		l.LastChecked = obs.fetchedAt
	}
	if _, _, err := e.prices.Record(ctx, id, l.Price, l.LastSeen, obs.source); err != nil {
		return dec, err
	}

	if dec.Transition == services.TransitionNewMatch && e.enricher != nil {
		rec, err := e.enricher.Enrich(ctx, l.VIN)
		switch {
		case err == nil:
			l = services.ApplyEnrichment(l, rec)
		case ctx.Err() != nil:
			return dec, ctx.Err()
		default:
			l.LowConfidence = true
			log.Warn("[engine] %s continues without enrichment: %v", id, err)
		}
	}

	if kind, ok := dec.Transition.AlertKind(); ok {
		ev := services.NewEvent(c, l, kind, dec.OldPrice)
		if kind == models.AlertPriceDrop || kind == models.AlertPriceIncrease {
			trend, err := e.prices.Trend(ctx, id)
			if err != nil {
				log.Warn("[engine] Trend of %s unavailable: %v", id, err)
			}
			ev.Trend = trend
		}
		sent, err := e.dispatcher.Dispatch(ctx, ev, c.Channels)
		if err != nil {
			return dec, err
		}
		report.Alerts[sent.Status]++
	}

	if err := e.store.UpsertListing(ctx, l); err != nil {
		return dec, apperrors.Persistence("upsert listing", err)
	}
	dec.Listing = l
	return dec, nil
}

// delist emits the Delisted event for a listing gone from the scope. The
// stored listing is marked removed only if no other scope saw it since.
func (e *Engine) delist(ctx context.Context, c models.WatchCriteria, id string, entry models.ScanEntry, report *CycleReport, log *utils.Logger) error {
	unlock := e.listings.Lock(id)
	defer unlock()

	stored, err := e.store.GetListing(ctx, id)
	if err != nil {
		return apperrors.Persistence("get listing", err)
	}
	l := models.Listing{ID: id, Price: entry.Price, LastSeen: entry.LastSeen, Status: models.StatusRemoved}
	removed := true
	if stored != nil {
		l = *stored
		removed = !l.LastSeen.After(entry.LastSeen)
		if removed {
			l.Status = models.StatusRemoved
		}
	}

	metrics.ListingTransitions.WithLabelValues(string(services.TransitionDelisted)).Inc()
	report.Transitions[services.TransitionDelisted]++
	report.Delisted = append(report.Delisted, id)
	log.Info("[engine] %s left the scope of %s after %d scans", id, c.ID, e.dedup.DelistAfter())

	ev, err := e.dispatcher.Dispatch(ctx, services.NewEvent(c, l, models.AlertDelisted, entry.Price), c.Channels)
	if err != nil {
		return err
	}
	report.Alerts[ev.Status]++

	if stored != nil && removed && stored.Status != models.StatusRemoved {
		if err := e.store.UpsertListing(ctx, l); err != nil {
			return apperrors.Persistence("upsert listing", err)
		}
	}
	return nil
}

func (e *Engine) checkPrices(ctx context.Context, c models.WatchCriteria, report *CycleReport, log *utils.Logger) error {
	if err := e.retryPending(ctx, c, report, log); err != nil {
		return err
	}

	scope, err := e.store.GetPreviousScan(ctx, c.ID)
	if err != nil {
		return apperrors.Persistence("previous scan", err)
	}

	for _, id := range scope.IDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Listings absent from the last scan are left to discovery.
		if entry, _ := scope.Entry(id); entry.Missed > 0 {
			continue
		}
		stored, err := e.store.GetListing(ctx, id)
		if err != nil {
			return apperrors.Persistence("get listing", err)
		}
		if stored == nil || stored.Status != models.StatusActive {
			continue
		}

		fetchedAt := e.now()
		raw, err := e.source.FetchDetail(ctx, id)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				log.Debug("[engine] %s not found on detail check, left to discovery", id)
				continue
			}
			return err
		}
		report.Fetched++
		if raw.ListingID == "" {
			raw.ListingID = id
		}
		l, err := e.extractor.Extract(raw)
		if err != nil {
			report.Malformed++
			log.Warn("[engine] Detail of %s skipped: %v", id, err)
			continue
		}
		if l.ID != id {
			log.Warn("[engine] Detail of %s returned listing %s, skipped", id, l.ID)
			continue
		}
		l.LastSeen = e.now()

		if err := e.applyCheck(ctx, c, l, fetchedAt, report, log); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyCheck(ctx context.Context, c models.WatchCriteria, l models.Listing, fetchedAt time.Time, report *CycleReport, log *utils.Logger) error {
	unlock := e.scopes.Lock(c.ID)
	defer unlock()

	scope, err := e.store.GetPreviousScan(ctx, c.ID)
	if err != nil {
		return apperrors.Persistence("previous scan", err)
	}
	entry, ok := scope.Entry(l.ID)
	if !ok || entry.Missed > 0 {
		return nil
	}

	dec, err := e.apply(ctx, c, scope, observation{listing: l, source: models.ObservedByCheck, fetchedAt: fetchedAt}, report, log)
	if errors.Is(err, errStaleObservation) {
		return nil
	}
	if err != nil {
		return err
	}
	if !dec.InScope || dec.Listing.Price == entry.Price {
		return nil
	}

	entry.Price = dec.Listing.Price
	scope.Entries[l.ID] = entry
	if err := e.store.SaveScan(ctx, scope); err != nil {
		return apperrors.Persistence("save scan", fmt.Errorf("price of %s: %w", l.ID, err))
	}
	return nil
}
