package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/scrapelane/internal/api"
	"github.com/shehryarbajwa/scrapelane/internal/config"
	"github.com/shehryarbajwa/scrapelane/internal/directory"
	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/keypool"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/provider"
	"github.com/shehryarbajwa/scrapelane/internal/proxy"
	"github.com/shehryarbajwa/scrapelane/internal/queue"
	"github.com/shehryarbajwa/scrapelane/internal/ratelimit"
	"github.com/shehryarbajwa/scrapelane/internal/reaper"
	"github.com/shehryarbajwa/scrapelane/internal/scheduler"
	"github.com/shehryarbajwa/scrapelane/internal/session"
	"github.com/shehryarbajwa/scrapelane/internal/settlement"
	"github.com/shehryarbajwa/scrapelane/internal/store"
	"github.com/shehryarbajwa/scrapelane/internal/verify"
	"github.com/shehryarbajwa/scrapelane/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, lane processors and the session reaper",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	dir := directory.New(st, directory.Options{
		BootstrapToken:   cfg.Provider.BootstrapToken,
		DefaultProfileID: cfg.Provider.DefaultProfileID,
		CacheTTL:         cfg.Lanes.CacheTTL.Duration,
	}, logger)

	prov, err := provider.New(cfg.Provider, logger)
	if err != nil {
		return fmt.Errorf("creating browser provider: %w", err)
	}
	defer provider.Close(prov)

	prepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	err = provider.Prepare(prepCtx, prov)
	cancel()
	if err != nil {
		return fmt.Errorf("preparing browser provider: %w", err)
	}

	sessions := session.NewManager(st, dir, prov, logger)
	queueSvc := queue.New(st, dir, sessions, queue.Options{RequireApproval: cfg.Settlement.RequireApproval}, logger)
	sweeper := reaper.New(st, sessions, reaper.Options{
		Timeout:  cfg.Lanes.HeartbeatTimeout.Duration,
		Interval: cfg.Lanes.ReaperInterval.Duration,
	}, logger)

	keys, verifier, err := buildVerifier(cfg.Verification)
	if err != nil {
		return err
	}
	gate, err := buildSettlement(st, cfg.Settlement)
	if err != nil {
		return err
	}

	var sched *scheduler.Manager
	if cfg.Worker.ExtractorURL == "" {
		logger.Warn("no extractor configured, scrapes will queue but not run")
	} else {
		extractor, err := worker.NewExtractor(cfg.Worker.ExtractorURL, cfg.Worker.PageTimeout.Duration, nil, logger)
		if err != nil {
			return err
		}
		deps := scheduler.Deps{
			Store:     st,
			Directory: dir,
			Sessions:  sessions,
			Provider:  prov,
			Worker:    extractor,
			Settler:   gate,
		}
		if verifier != nil {
			deps.Verifier = verifier
		}
		sched = scheduler.New(deps, scheduler.Options{
			PollInterval:  cfg.Lanes.PollInterval.Duration,
			WorkerTimeout: cfg.Worker.Timeout.Duration,
			MaxParallel:   cfg.Lanes.MaxParallelScrapes,
		}, logger)
		queueSvc.OnEnqueue(sched.Wake)
		sweeper.OnReclaim(sched.Wake)
		sessions.OnRelease(sched.Wake)
	}

	c := cron.New(cron.WithLogger(logging.Cron(logger)))
	if _, err := sweeper.Register(c); err != nil {
		return errs.Configf("reaper: %v", err)
	}
	if sched != nil {
		if _, err := sched.Register(c, cfg.Lanes.SyncInterval.Duration); err != nil {
			return err
		}
	}

	handler := api.NewHandler(api.Deps{
		Store:      st,
		Directory:  dir,
		Sessions:   sessions,
		Queue:      queueSvc,
		Scheduler:  sched,
		Settlement: gate,
		Reaper:     sweeper,
		Keys:       keys,
		Proxy:      proxy.NewServer(sessions, logger),
		Limiter:    ratelimit.NewLimiter(cfg.HTTP.RequestsPerHour, cfg.HTTP.Burst),
	}, api.Options{AdminToken: cfg.HTTP.AdminToken}, logger)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting",
			logging.Addr(cfg.HTTP.Addr),
			logging.Mode(prov.Name()),
			zap.String("database", cfg.Database.Driver),
			zap.Bool("scheduler", sched != nil),
			zap.Bool("verification", verifier != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if sched != nil {
		g.Go(func() error {
			err := sched.Run(gctx)
			if errs.IsConfiguration(err) {
				// Lanes added later are picked up by the periodic sync.
				logger.Warn("scheduler started without lanes", zap.Error(err))
				<-gctx.Done()
				sched.Stop()
				return nil
			}
			return err
		})
	}
	c.Start()
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		<-c.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// buildVerifier returns nil values when verification is disabled.
func buildVerifier(cfg config.VerificationConfig) (*keypool.Pool, *verify.Verifier, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	pool, err := keypool.New(cfg.Keys, keypool.Options{
		Window:    cfg.Window.Duration,
		WindowCap: cfg.WindowCap,
		DailyCap:  cfg.DailyCap,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	v, err := verify.New(pool, cfg.BaseURL, cfg.CallTimeout.Duration, nil, logger)
	if err != nil {
		return nil, nil, err
	}
	return pool, v, nil
}

func buildSettlement(st *store.Store, cfg config.SettlementConfig) (*settlement.Gate, error) {
	var ledger settlement.Ledger = settlement.Unlimited{}
	if cfg.LedgerURL != "" {
		l, err := settlement.NewHTTPLedger(cfg.LedgerURL, cfg.LedgerToken, cfg.LedgerTimeout.Duration, nil)
		if err != nil {
			return nil, err
		}
		ledger = l
	} else {
		logger.Warn("no credit ledger configured, completed scrapes settle without charging")
	}
	return settlement.New(st, ledger, settlement.Rules{
		RequireApproval:  cfg.RequireApproval,
		HoldForReview:    cfg.HoldForReview,
		BillVerifiedOnly: cfg.BillVerifiedOnly,
		CreditsPerLead:   cfg.CreditsPerLead,
	}, logger), nil
}
