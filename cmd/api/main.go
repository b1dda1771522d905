package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rewear/config"
	"rewear/db"
	"rewear/dispute"
	"rewear/escrow"
	"rewear/ledger"
	"rewear/listing"
	"rewear/notify"
	"rewear/timeout"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	if err := run(log, cfg); err != nil {
		log.Fatal().Err(err).Msg("api exited")
	}
}

func run(log zerolog.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, "migrations"); err != nil {
		return err
	}

	accounts := ledger.NewStore(pool)
	listings := listing.NewRepository(pool)
	escrowRepo := escrow.NewRepository(pool)
	engine := escrow.NewService(pool, escrowRepo, accounts, listings)
	disputes := dispute.NewService(pool, dispute.NewRepository(pool), escrowRepo, accounts)

	supervisor := timeout.NewSupervisor(pool, escrowRepo, accounts, timeout.Windows{
		Payment:      cfg.PaymentWindow,
		Shipping:     cfg.ShippingSLA,
		Confirmation: cfg.ConfirmWindow,
	}, log)
	supervisor.Start(ctx, cfg.ScanInterval)
	defer supervisor.Stop()

	relay := notify.NewRelay(pool, notify.LogNotifier{Log: log}, log, cfg.RelayInterval)

	server := &Server{
		listings: listings,
		accounts: accounts,
		engine:   engine,
		disputes: disputes,
		log:      log,
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
