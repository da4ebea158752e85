// identityctl runs operator-triggered bulk operations: directory
// synchronization of active employees and forced password resets.
//
// Exit codes: 0 success, 1 partial failure, 2 connectivity failure,
// 3 authentication failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"identra.org/internal/config"
	"identra.org/internal/directory"
	"identra.org/internal/identity"
	"identra.org/internal/jobs"
	"identra.org/internal/obs"
	"identra.org/internal/store/pg"
)

const (
	exitOK           = 0
	exitPartial      = 1
	exitConnectivity = 2
	exitAuth         = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var timeout time.Duration
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	fs.DurationVar(&timeout, "timeout", 10*time.Minute, "overall run timeout")
	_ = fs.Parse(os.Args[2:])

	cfg := config.MustLoad()
	obs.InitLogger(cfg.AppEnv, cfg.LogLevel)
	logger := obs.Component("identityctl")

	if cfg.PostgresDSN == "" {
		logger.Error().Msg("missing DSN: set IDENTRA_PG_DSN")
		os.Exit(exitConnectivity)
	}
	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		logger.Error().Err(err).Msg("open db")
		os.Exit(exitConnectivity)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	dir := directory.NewKeycloak(cfg.KeycloakBaseURL, cfg.KeycloakRealm, cfg.KeycloakClientID, cfg.KeycloakClientSecret, cfg.DirectoryRequestTimeout)
	svc := identity.NewService(store, dir, jobs.NewQueue(rdb),
		identity.WithDeletionDelay(cfg.DeletionDelay),
		identity.WithRateLimit(cfg.DirectoryRequestsPerSec, cfg.DirectoryRequestBurst),
	)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	switch os.Args[1] {
	case "sync":
		os.Exit(runSync(ctx, svc))
	case "reset-passwords":
		os.Exit(runReset(ctx, svc))
	default:
		usage()
	}
}

func runSync(ctx context.Context, svc *identity.Service) int {
	logger := obs.Component("identityctl")
	report, err := svc.SyncAll(ctx)
	for _, item := range report.Errors {
		logger.Error().Str("employee_id", item.EmployeeID).Err(item.Err).Msg("sync item failed")
	}
	logger.Info().
		Int("total", report.Total).
		Int("created", report.Created).
		Int("skipped", report.Skipped).
		Int("errors", len(report.Errors)).
		Dur("duration", report.Duration).
		Msg("bulk sync finished")
	if err != nil {
		logger.Error().Err(err).Msg("bulk sync aborted")
		return exitCode(err)
	}
	if len(report.Errors) > 0 {
		return worstItemCode(report.Errors)
	}
	return exitOK
}

func runReset(ctx context.Context, svc *identity.Service) int {
	logger := obs.Component("identityctl")
	report, err := svc.ForcePasswordReset(ctx)
	for _, item := range report.Errors {
		logger.Error().Str("employee_id", item.EmployeeID).Err(item.Err).Msg("reset item failed")
	}
	logger.Info().
		Int("total", report.Total).
		Int("reset", report.Reset).
		Int("warnings", report.Warnings).
		Int("errors", len(report.Errors)).
		Bool("ok", report.OK).
		Dur("duration", report.Duration).
		Msg("forced password reset finished")
	if err != nil {
		logger.Error().Err(err).Msg("forced password reset aborted")
		return exitCode(err)
	}
	if !report.OK {
		return worstItemCode(report.Errors)
	}
	return exitOK
}

// exitCode maps the error taxonomy onto the CLI severity tiers.
func exitCode(err error) int {
	switch {
	case errors.Is(err, directory.ErrUnauthorized):
		return exitAuth
	case errors.Is(err, directory.ErrUnavailable):
		return exitConnectivity
	default:
		return exitPartial
	}
}

func worstItemCode(items []identity.ItemError) int {
	code := exitPartial
	for _, item := range items {
		if c := exitCode(item.Err); c > code {
			code = c
		}
	}
	return code
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s sync|reset-passwords [-timeout d]\n", os.Args[0])
	os.Exit(exitPartial)
}
