package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"porsche-tracker/api"
	"porsche-tracker/engine"
	"porsche-tracker/models"
	"porsche-tracker/notifier"
	"porsche-tracker/services"
	"porsche-tracker/storage"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var (
		once    bool
		apiAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the operations API",
		Long: `Run discovery and price-check cycles for every active criteria on their
cadences, and serve /health, /status, /metrics and the run-now endpoints.

Examples:
  # Run until interrupted
  porsche-tracker serve

  # Start every due cycle once, wait for them, then exit
  porsche-tracker serve --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.seedCriteria(ctx, ""); err != nil {
				return err
			}

			if once {
				started := a.engine.Scheduler().Tick(ctx, time.Now())
				a.engine.Scheduler().Wait()
				a.logger.Info("[main] Single pass finished, %d cycles run", started)
				return nil
			}

			if apiAddr == "" {
				apiAddr = a.cfg.APIAddr
			}
			handlers := api.NewHandlers(a.engine, a.store, services.NewInsightService(a.cfg.TrendWindow, a.logger), a.logger)
			server := api.NewServer(apiAddr, handlers, a.logger)

			if err := a.engine.Start(ctx); err != nil {
				return err
			}
			defer a.engine.Stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Run(gctx) })

			events, cancel := a.engine.Subscribe()
			defer cancel()
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case ev, ok := <-events:
						if !ok {
							return nil
						}
						a.logger.Debug("[main] Alert %s %s for %s: %s", ev.Kind, ev.ListingID, ev.CriteriaID, ev.Status)
					}
				}
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Start every due cycle once and exit when they finish")
	cmd.Flags().StringVar(&apiAddr, "addr", "", "API listen address (default API_ADDR)")
	return cmd
}

func runCmd() *cobra.Command {
	var criteriaID string
	cmd := &cobra.Command{
		Use:       "run discovery|price-check",
		Short:     "Run one cycle now and print its report",
		ValidArgs: []string{"discovery", "price-check"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		Long: `Run a single discovery or price-check cycle in the foreground.

Examples:
  # Discovery for one criteria
  porsche-tracker run discovery --criteria gt3

  # Price check for every active criteria
  porsche-tracker run price-check`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.seedCriteria(ctx, ""); err != nil {
				return err
			}

			ids := []string{criteriaID}
			if criteriaID == "" {
				active, err := a.store.ListActiveCriteria(ctx)
				if err != nil {
					return err
				}
				ids = ids[:0]
				for _, c := range active {
					ids = append(ids, c.ID)
				}
			}
			if len(ids) == 0 {
				return fmt.Errorf("no active criteria, load some with: porsche-tracker criteria load")
			}

			var failed int
			for _, id := range ids {
				var report *engine.CycleReport
				if args[0] == "discovery" {
					report, err = a.engine.RunDiscoveryCycle(ctx, id)
				} else {
					report, err = a.engine.RunPriceCheckCycle(ctx, id)
				}
				if err != nil {
					failed++
					a.logger.Error("[main] %s %s failed: %v", args[0], id, err)
				}
				if report != nil {
					if err := printJSON(report); err != nil {
						return err
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d cycles failed", failed, len(ids))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&criteriaID, "criteria", "c", "", "Criteria id (default: every active criteria)")
	return cmd
}

func criteriaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "criteria",
		Short: "Manage watch criteria",
	}

	var file string
	load := &cobra.Command{
		Use:   "load",
		Short: "Load watch criteria from a YAML file into storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			a := &app{cfg: cfg, logger: logger, store: store}
			n, err := a.seedCriteria(ctx, file)
			if err != nil {
				return err
			}
			fmt.Printf("Loaded %d criteria\n", n)
			return nil
		},
	}
	load.Flags().StringVarP(&file, "file", "f", "", "Criteria YAML file (default CRITERIA_FILE)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the active watch criteria",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			active, err := store.ListActiveCriteria(ctx)
			if err != nil {
				return err
			}
			return printJSON(active)
		},
	}

	cmd.AddCommand(load, list)
	return cmd
}

func reportCmd() *cobra.Command {
	var (
		criteriaID string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print a market report of tracked listings",
		Long: `Summarize tracked listings: counts by model and year, price spread,
and the biggest price drops.

Examples:
  # All tracked listings
  porsche-tracker report

  # Only listings in the gt3 criteria's scope, as JSON
  porsche-tracker report --criteria gt3 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			insights := services.NewInsightService(cfg.TrendWindow, logger)
			r, err := buildReport(ctx, store, insights, criteriaID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(r)
			}
			insights.Print(r)
			return nil
		},
	}
	cmd.Flags().StringVarP(&criteriaID, "criteria", "c", "", "Limit the report to one criteria's scope")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

// buildReport collects listings and their histories, restricted to the
// criteria's last scan scope when criteriaID is set.
func buildReport(ctx context.Context, store storage.Store, insights *services.InsightService, criteriaID string) (*models.MarketReport, error) {
	listings, err := store.ListListings(ctx)
	if err != nil {
		return nil, err
	}
	scope := "all"
	if criteriaID != "" {
		scope = criteriaID
		snap, err := store.GetPreviousScan(ctx, criteriaID)
		if err != nil {
			return nil, err
		}
		in := listings[:0]
		for _, l := range listings {
			if _, ok := snap.Entry(l.ID); ok {
				in = append(in, l)
			}
		}
		listings = in
	}

	histories := make(map[string][]models.PriceHistoryEntry, len(listings))
	for _, l := range listings {
		h, err := store.PriceHistory(ctx, l.ID)
		if err != nil {
			return nil, err
		}
		histories[l.ID] = h
	}
	return insights.MarketReport(scope, listings, histories), nil
}

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect alerts",
	}

	var limit int
	var failedOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "Print recent alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			var alerts []models.AlertEvent
			if failedOnly {
				alerts, err = store.FailedAlerts(ctx, limit)
			} else {
				alerts, err = store.RecentAlerts(ctx, limit)
			}
			if err != nil {
				return err
			}
			for _, ev := range alerts {
				printAlert(ev)
			}
			return nil
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Number of alerts")
	list.Flags().BoolVar(&failedOnly, "failed", false, "Only alerts that exhausted their retries")

	tail := &cobra.Command{
		Use:   "tail",
		Short: "Follow alerts published by a running server (needs ALERT_STREAM)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.AlertStream {
				return fmt.Errorf("alerts tail needs ALERT_STREAM=true and a postgres STORAGE_DRIVER")
			}
			stream, err := storage.NewAlertStream(ctx, cfg.DSN(), logger)
			if err != nil {
				return err
			}
			defer stream.Close()

			logger.Info("[main] Waiting for alerts, Ctrl-C to stop")
			return stream.Listen(ctx, printAlert)
		},
	}

	cmd.AddCommand(list, tail)
	return cmd
}

func printAlert(ev models.AlertEvent) {
	msg := notifier.Render(ev)
	fmt.Printf("%s  [%s] %s\n%s\n\n", ev.CreatedAt.Format("2006-01-02 15:04"), ev.Status, msg.Subject, msg.Text)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
