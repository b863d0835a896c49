package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Seann-Moser/usersync/api"
	"github.com/Seann-Moser/usersync/config"
	"github.com/Seann-Moser/usersync/credential"
	"github.com/Seann-Moser/usersync/harp"
	"github.com/Seann-Moser/usersync/metrics"
	"github.com/Seann-Moser/usersync/reconcile"
	"github.com/Seann-Moser/usersync/user"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("usersync stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("failed to connect to mongo: %w", err)
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(dctx); err != nil {
			slog.Warn("mongo disconnect failed", "error", err)
		}
	}()

	store := user.NewMongoDBStore(client, cfg.MongoDatabase, cfg.MongoCollection)
	idxCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = store.EnsureIndexes(idxCtx)
	cancel()
	if err != nil {
		return err
	}

	provider := harp.NewClient(cfg.HARP, nil)
	creds := credential.New(provider, credential.WithRefreshInterval(cfg.TokenRefreshInterval))
	reconciler := reconcile.NewReconciler(provider, creds, store, cfg.HARP.ProgramName,
		reconcile.WithWorkers(cfg.SyncWorkers),
		reconcile.WithRoleMode(reconcile.RoleMode(cfg.RoleMerge)),
	)
	driver := reconcile.NewDriver(reconciler, store, cfg.SyncPageSize)
	scheduler := reconcile.NewScheduler(driver, cfg.SyncInterval)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			_ = rdb.Close()
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unavailable, tokens and run locks stay local", "addr", cfg.RedisAddr, "error", err)
		} else {
			creds.SetupRedis(rdb)
			scheduler.SetupRedis(rdb)
		}
	}

	go creds.Run(ctx)
	go scheduler.Run(ctx)

	srv := api.NewServer(store, reconciler, driver,
		api.WithAdminKeyHash(cfg.AdminAPIKeyHash),
		api.WithPrincipalHeader(cfg.PrincipalHeader),
		api.WithTestOverrideID(cfg.TestOverrideID),
		api.WithHealthCheck(func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		}),
	)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("usersync listening", "addr", cfg.ListenAddr, "program", cfg.HARP.ProgramName)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	slog.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		driver.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("triggered sync runs still in progress at shutdown")
	}
	return nil
}
