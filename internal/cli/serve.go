package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gatekeeper/internal/api"
	"gatekeeper/internal/breaker"
	"gatekeeper/internal/engine"
	"gatekeeper/internal/events"
	"gatekeeper/internal/execution"
	"gatekeeper/internal/health"
	"gatekeeper/internal/market"
	"gatekeeper/internal/monitor"
	"gatekeeper/internal/persistence"
	"gatekeeper/internal/portfolio"
	"gatekeeper/internal/risk"
	"gatekeeper/pkg/config"
	"gatekeeper/pkg/db"
	"gatekeeper/pkg/exchanges/common"
	"gatekeeper/pkg/market/binance"
)

const (
	equityGaugeInterval = 5 * time.Second
	journalBatchSize    = 100
	journalFlushEvery   = 500 * time.Millisecond
	shutdownTimeout     = 10 * time.Second
)

type serveOptions struct {
	signalsPath  string
	mockInterval time.Duration
}

func newServeCmd(rc *rootConfig) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, market feed, operator API and health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rc.loadEnv()
			if err != nil {
				return err
			}
			settings, err := loadSettings(cfg.SettingsPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, settings, opts)
		},
	}
	cmd.Flags().StringVar(&opts.signalsPath, "signals", "", "read JSON signals from this file (\"-\" for stdin)")
	cmd.Flags().DurationVar(&opts.mockInterval, "mock-interval", time.Second, "tick interval of the mock feed")
	return cmd
}

// venue bundles the price side of the engine: either Binance behind the
// call guard or the local random walk.
type venue struct {
	name    string
	prices  engine.PriceSource
	quotes  execution.Quoter
	volumes execution.VolumeSource
	clock   func() time.Time
	start   func(ctx context.Context, sink market.PriceSink) error
}

func newVenue(ctx context.Context, cfg *config.Config, settings config.Settings, metrics *monitor.Metrics, opts serveOptions) venue {
	if cfg.UseMockFeed {
		mock := &market.MockFeed{Symbols: cfg.BinanceSymbols, Interval: opts.mockInterval}
		return venue{
			name: "mock", prices: mock, quotes: mock, volumes: mock, clock: time.Now,
			start: func(ctx context.Context, sink market.PriceSink) error {
				mock.Sink = sink
				return mock.Start(ctx)
			},
		}
	}

	limiter := common.NewRateLimiter(settings.RateLimit)
	limiter.OnWait(metrics.ObserveLimiterWait)
	retry := common.NewRetryPolicy(settings.Retry, common.WithRetryHook(metrics.ObserveRetry))
	client := binance.NewClient(binance.ClientConfig{
		BaseURL: cfg.BinanceBaseURL,
		Testnet: cfg.BinanceTestnet,
	}, common.NewCallGuard(limiter, retry))

	ts := common.NewTimeSync(client.GetServerTime, 30*time.Minute)
	ts.Start(ctx)

	return venue{
		name: "binance", prices: client, quotes: client, volumes: client, clock: ts.Now,
		start: func(ctx context.Context, sink market.PriceSink) error {
			feed := &market.Feed{
				Stream:  binance.NewStreamClient(cfg.BinanceTestnet),
				Klines:  client,
				Sink:    sink,
				Symbols: cfg.BinanceSymbols,
			}
			return feed.Start(ctx)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, settings config.Settings, opts serveOptions) error {
	log.Printf("[engine] starting %s on port %s (db %s)", Version, cfg.Port, cfg.DBPath)

	bus := events.NewBus()
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	store := persistence.NewStore(database)
	metrics := monitor.NewMetrics()

	v := newVenue(ctx, cfg, settings, metrics, opts)

	brk := breaker.New(settings.Breaker, cfg.InitialBalance, breaker.WithBus(bus), breaker.WithClock(v.clock))
	eng, err := engine.New(engine.Deps{
		Portfolio: portfolio.New(cfg.InitialBalance, v.clock()),
		Breaker:   brk,
		Gate:      risk.NewGate(bus, risk.WithObserver(metrics.ObserveDecision)),
		Simulator: execution.NewSimulator(settings.Execution, v.quotes, v.volumes),
		Prices:    v.prices,
		Bus:       bus,
		Store:     store,
		Settings:  settings.Risk,
		Clock:     v.clock,
		Workers:   cfg.Workers,
	})
	if err != nil {
		return err
	}
	if err := eng.Load(ctx); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Event consumers first so nothing published during startup is missed.
	writer := persistence.NewBatchWriter(database.DB, journalBatchSize, journalFlushEvery)
	defer writer.Close()
	journal := persistence.NewJournal(bus, writer)
	g.Go(func() error { journal.Run(gctx); return nil })
	g.Go(func() error { metrics.Consume(gctx, bus); return nil })
	g.Go(func() error { observeEquity(gctx, eng, metrics); return nil })

	sinks := []monitor.AlertSink{monitor.LogSink{}}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := monitor.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Printf("[alert] telegram disabled: %v", err)
		} else {
			sinks = append(sinks, tg)
		}
	}
	(&monitor.Monitor{Bus: bus, Sinks: sinks}).Start(gctx)

	engine.NewScheduler(eng, engine.DefaultRolloverCheck, v.clock).Start(gctx)

	if err := v.start(gctx, eng); err != nil {
		return fmt.Errorf("start %s feed: %w", v.name, err)
	}

	if cfg.HealthAddr != "" {
		hs := health.NewServer(brk)
		g.Go(func() error { hs.Watch(gctx, bus); return nil })
		g.Go(func() error { return hs.Serve(gctx, cfg.HealthAddr) })
	}

	if opts.signalsPath != "" {
		r, closeInput, err := openSignals(opts.signalsPath)
		if err != nil {
			return err
		}
		defer closeInput()
		signals := readSignals(gctx, r, v.clock)
		g.Go(func() error { return eng.Run(gctx, signals) })
	}

	server := api.NewServer(eng, bus, store, metrics, api.SystemMeta{
		Venue:       v.name,
		Symbols:     cfg.BinanceSymbols,
		UseMockFeed: cfg.UseMockFeed,
		Version:     Version,
	}, cfg.JWTSecret, api.Options{
		RateLimit:      cfg.APIRateLimit,
		Burst:          cfg.APIBurst,
		RequestTimeout: 30 * time.Second,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Printf("[API] listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Println("[engine] shutting down")
	return err
}

func observeEquity(ctx context.Context, eng *engine.Engine, metrics *monitor.Metrics) {
	ticker := time.NewTicker(equityGaugeInterval)
	defer ticker.Stop()
	for {
		st := eng.Status(ctx)
		metrics.ObserveEquity(st.Breaker, len(st.Portfolio.Positions))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func openSignals(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open signals: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
