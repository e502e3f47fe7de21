// porsche-tracker watches vehicle listing sources for Porsches matching saved
// criteria, tracks their prices and sends alerts.
//
// Usage:
//
//	porsche-tracker serve
//	porsche-tracker run discovery --criteria gt3
//	porsche-tracker criteria load -f criteria.yaml
//	porsche-tracker report --criteria gt3
//	porsche-tracker alerts tail
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"porsche-tracker/config"
	"porsche-tracker/engine"
	"porsche-tracker/enrichment"
	"porsche-tracker/notifier"
	"porsche-tracker/scraper"
	"porsche-tracker/scraper/cargurus"
	"porsche-tracker/scraper/httpjson"
	"porsche-tracker/scraper/mock"
	"porsche-tracker/services"
	"porsche-tracker/storage"
	"porsche-tracker/utils"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "porsche-tracker",
		Short: "Monitor Porsche listings and alert on new matches and price changes",
		Long: `porsche-tracker scans listing sources for every active watch criteria,
keeps a price history per listing and notifies on new matches, price
drops, price increases and delistings.

Configuration comes from the environment and an optional .env file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(criteriaCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(alertsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired components of one process.
type app struct {
	cfg     *config.Config
	logger  *utils.Logger
	store   storage.Store
	engine  *engine.Engine
	closers []func() error
}

func loadConfig() (*config.Config, *utils.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	logger, err := utils.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore connects the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config, logger *utils.Logger) (storage.Store, error) {
	if cfg.StorageDriver == "memory" {
		logger.Warn("[main] Using in-memory storage, state is lost on exit")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewPostgresStore(ctx, cfg.StorageDriver, cfg.DSN(), logger)
	if err != nil {
		logger.Error("[main] Make sure PostgreSQL is running: docker compose up -d")
		return nil, err
	}
	return store, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	a.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	source, err := a.buildSource()
	if err != nil {
		a.Close()
		return nil, err
	}
	limiter := utils.NewRateLimiter(utils.RateLimitConfig{
		Requests:    cfg.RateLimitRequests,
		Window:      cfg.RateLimitWindow,
		MaxInFlight: cfg.MaxInFlight,
		MaxWait:     cfg.RateLimitMaxWait,
	})

	deps := engine.Deps{
		Source: scraper.NewRateLimited(source, limiter, cfg.RequestTimeout, logger),
		Store:  a.store,
		Sender: a.buildSenders(),
		Logger: logger,
	}
	if enricher := a.buildEnricher(); enricher != nil {
		deps.Enricher = enricher
	}

	if cfg.RawCSVPath != "" {
		archive, err := storage.NewCSVWriter(cfg.RawCSVPath, 0)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Archive = archive
		a.closers = append(a.closers, archive.Close)
		logger.Info("[main] Archiving raw scan records to %s", cfg.RawCSVPath)
	}

	if cfg.AlertStream {
		stream, err := storage.NewAlertStream(ctx, cfg.DSN(), logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Stream = stream
		a.closers = append(a.closers, func() error { stream.Close(); return nil })
	}

	a.engine = engine.New(engineConfig(cfg), deps)
	return a, nil
}

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		DiscoveryInterval:  cfg.DiscoveryInterval,
		PriceCheckInterval: cfg.PriceCheckInterval,
		TickInterval:       cfg.TickInterval,
		Workers:            cfg.WorkerPoolSize,
		BackoffBase:        cfg.BackoffBase,
		BlockedBackoffBase: cfg.BlockedBackoffBase,
		BackoffCap:         cfg.BackoffCap,
		BackoffJitter:      cfg.BackoffJitter,
		DegradedAfter:      cfg.DegradedAfter,
		DelistAfter:        cfg.DelistAfterMisses,
		TrendWindow:        cfg.TrendWindow,
		AlertCooldown:      cfg.AlertCooldown,
		MaxAlertRetries:    cfg.MaxAlertRetries,
	}
}

func (a *app) buildSource() (scraper.SourceClient, error) {
	cfg := a.cfg
	switch cfg.Source {
	case "cargurus":
		c := cargurus.New(cargurus.Options{
			BaseURL:        cfg.SourceBaseURL,
			ChromeBin:      cfg.ChromeBin,
			PagesToScrape:  cfg.PagesToScrape,
			ResultsPerPage: cfg.ResultsPerPage,
			MaxRetries:     cfg.MaxRetries,
		}, a.logger)
		a.closers = append(a.closers, c.Close)
		return c, nil
	case "httpjson":
		c, err := httpjson.New(httpjson.Options{
			BaseURL: cfg.SourceBaseURL,
			APIKey:  cfg.SourceAPIKey,
			Client:  &http.Client{Timeout: cfg.RequestTimeout},
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		a.logger.Info("[main] Using the generated mock source")
		return mock.NewGenerated(1, cfg.ResultsPerPage), nil
	}
}

func (a *app) buildSenders() *notifier.Router {
	cfg := a.cfg
	client := &http.Client{Timeout: cfg.ProviderTimeout}
	senders := []notifier.Sender{
		notifier.NewLogSender(a.logger),
		notifier.NewThrottled(notifier.NewWebhookSender(cfg.WebhookToken, client), cfg.NotifyPerMinute),
	}
	if cfg.TwilioAccountSID != "" {
		senders = append(senders, notifier.NewThrottled(
			notifier.NewTwilioSender(cfg.TwilioBaseURL, cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, client),
			cfg.NotifyPerMinute))
	}
	if cfg.SMTPHost != "" {
		senders = append(senders, notifier.NewThrottled(
			notifier.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom),
			cfg.NotifyPerMinute))
	}
	router := notifier.NewRouter(senders...)
	a.logger.Info("[main] Notification channels: %v", router.Types())
	return router
}

// buildEnricher returns nil when no provider is configured.
func (a *app) buildEnricher() *services.EnrichmentCoordinator {
	cfg := a.cfg
	client := &http.Client{Timeout: cfg.ProviderTimeout}
	var providers []services.VinProvider
	for _, name := range cfg.EnrichmentProviders {
		switch name {
		case "nhtsa":
			providers = append(providers, enrichment.NewNHTSA(cfg.NHTSABaseURL, client))
		case "decoder":
			providers = append(providers, enrichment.NewDecoder())
		case "recalls":
			providers = append(providers, enrichment.NewRecalls(cfg.RecallsBaseURL, client))
		case "vindb":
			providers = append(providers, enrichment.NewVehicleDB(cfg.VinAPIURL, cfg.VinAPIKey, client))
		}
	}
	if len(providers) == 0 {
		a.logger.Info("[main] VIN enrichment disabled")
		return nil
	}
	return services.NewEnrichmentCoordinator(providers, a.store, cfg.EnrichmentTTL, cfg.ProviderTimeout, a.logger)
}

// seedCriteria loads CRITERIA_FILE into the store when the file exists.
func (a *app) seedCriteria(ctx context.Context, path string) (int, error) {
	if path == "" {
		path = a.cfg.CriteriaFile
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		a.logger.Debug("[main] No criteria file at %s", path)
		return 0, nil
	}
	list, err := config.LoadCriteriaFile(path)
	if err != nil {
		return 0, err
	}
	for _, c := range list {
		if err := a.store.SaveCriteria(ctx, c); err != nil {
			return 0, fmt.Errorf("save criteria %s: %w", c.ID, err)
		}
	}
	a.logger.Info("[main] Loaded %d criteria from %s", len(list), path)
	return len(list), nil
}

// Close releases everything in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("[main] Close: %v", err)
		}
	}
	_ = a.logger.Sync()
}
