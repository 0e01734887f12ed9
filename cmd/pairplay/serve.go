package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jason-s-yu/pairplay/internal/auth"
	"github.com/jason-s-yu/pairplay/internal/blob"
	"github.com/jason-s-yu/pairplay/internal/cache"
	"github.com/jason-s-yu/pairplay/internal/config"
	"github.com/jason-s-yu/pairplay/internal/database"
	"github.com/jason-s-yu/pairplay/internal/handlers"
	"github.com/jason-s-yu/pairplay/internal/historian"
	"github.com/jason-s-yu/pairplay/internal/store"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	fs := cmd.Flags()
	cfg.CommonFlags(fs)
	cfg.ServeFlags(fs)
	config.Bind(fs)
	return cmd
}

func newIssuer(cfg *config.Config) (*auth.Issuer, error) {
	ttl, err := auth.ParseTTL(cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	if cfg.PrivateKeyFile != "" {
		return auth.NewIssuerFromFiles(cfg.PrivateKeyFile, cfg.PublicKeyFile, ttl)
	}
	return auth.NewIssuer(ttl)
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	logger := cfg.Logger()
	logger.Infof("START: pairplay v%s", releaseVersion)

	issuer, err := newIssuer(cfg)
	if err != nil {
		return fmt.Errorf("session keys: %w", err)
	}
	if cfg.PrivateKeyFile == "" {
		logger.Warn("no key pair configured, sessions will not survive a restart")
	}

	rdb, err := cache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	st := store.NewRedisStore(rdb, logger, store.RedisOptions{})
	blobs := blob.NewRedisStore(rdb, cfg.PublicURL, cfg.BlobTTL)

	var guests handlers.GuestStore
	var wg sync.WaitGroup
	if cfg.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
		repo := database.NewRepository(pool)
		guests = repo

		if cfg.HistoryEnabled() {
			h := historian.New(rdb, repo, historian.Options{
				Queue:      cache.DefaultQueueName,
				BatchSize:  cfg.HistorianBatch,
				Inactivity: cfg.HistorianIdle,
			}, logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.Run(ctx)
			}()
		}
	}

	srv := handlers.NewServer(st, blobs, issuer, guests, logger)
	srv.PublicURL = cfg.PublicURL
	srv.AllowedOrigins = cfg.AllowedOrigins
	if cfg.HistoryEnabled() {
		srv.Actions = cache.NewActionLog(rdb, cache.DefaultQueueName)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Routes(),
		IdleTimeout:       10 * time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Infof("SERVE: Listening on %s (public %s)", httpSrv.Addr, cfg.PublicURL)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.WithError(serr).Warn("shutdown")
	}
	stop()
	wg.Wait()
	logger.Info("STOP: pairplay")
	return err
}
