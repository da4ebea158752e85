package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"identra.org/internal/cache"
	"identra.org/internal/config"
	"identra.org/internal/directory"
	"identra.org/internal/identity"
	"identra.org/internal/jobs"
	"identra.org/internal/obs"
	"identra.org/internal/ops"
	"identra.org/internal/store/pg"
)

var version = "0.3.1"

func main() {
	cfg := config.MustLoad()
	obs.InitLogger(cfg.AppEnv, cfg.LogLevel)
	obs.Init()
	logger := obs.Component("worker")

	if cfg.PostgresDSN == "" {
		log.Fatal("missing DSN: set IDENTRA_PG_DSN")
	}
	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	// Transient startup failures are retried; a dead fast store at boot is a
	// connectivity error, not a crash loop.
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), cfg.StartupConnectTimeout)
	err = backoff.Retry(func() error {
		return rdb.Ping(connectCtx).Err()
	}, backoff.WithContext(backoff.NewExponentialBackOff(), connectCtx))
	cancelConnect()
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}

	dir := directory.NewKeycloak(cfg.KeycloakBaseURL, cfg.KeycloakRealm, cfg.KeycloakClientID, cfg.KeycloakClientSecret, cfg.DirectoryRequestTimeout)
	queue := jobs.NewQueue(rdb)
	svc := identity.NewService(store, dir, queue,
		identity.WithDeletionDelay(cfg.DeletionDelay),
		identity.WithRateLimit(cfg.DirectoryRequestsPerSec, cfg.DirectoryRequestBurst),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	revocation := cache.NewRevocationCache(rdb,
		cache.WithSyncInterval(cfg.RevocationSyncInterval),
		cache.WithFailThreshold(cfg.RevocationFailThreshold),
	)
	revocation.Start(ctx)

	worker := jobs.NewWorker(queue, jobs.WithPollInterval(cfg.JobPollInterval))
	worker.Register(identity.JobDeleteUserFinal, deleteUserFinalHandler(svc))
	worker.Start(ctx)

	api := ops.New(ops.ReadyProbe{DB: store.DB(), Redis: rdb, Sync: revocation}, version)
	srv := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info().Str("version", version).Str("ops_addr", cfg.OpsAddr).Msg("identra worker starting")

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	worker.Stop()
	revocation.Stop()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("stopped")
}

// deleteUserFinalHandler adapts the scheduled-deletion job to the identity
// service. A blocked deletion is a final, audited outcome: retrying would
// just block again, so it is not rescheduled.
func deleteUserFinalHandler(svc *identity.Service) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		var payload identity.DeletionJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		err := svc.DeletePermanently(ctx, payload)
		if err != nil && errors.Is(err, identity.ErrDeletionBlocked) {
			return nil
		}
		return err
	}
}
