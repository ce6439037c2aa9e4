package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/fieldclinic/clinic_session/internal/auth"
	"github.com/fieldclinic/clinic_session/internal/bruteforce"
	"github.com/fieldclinic/clinic_session/internal/clinical"
	"github.com/fieldclinic/clinic_session/internal/config"
	"github.com/fieldclinic/clinic_session/internal/facility"
	"github.com/fieldclinic/clinic_session/internal/identity"
	"github.com/fieldclinic/clinic_session/internal/infra"
	"github.com/fieldclinic/clinic_session/internal/logging"
	"github.com/fieldclinic/clinic_session/internal/otp"
	"github.com/fieldclinic/clinic_session/internal/remote"
	"github.com/fieldclinic/clinic_session/internal/routes"
	"github.com/fieldclinic/clinic_session/internal/server"
	"github.com/fieldclinic/clinic_session/internal/syncer"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With(slog.String("app", cfg.AppName))

	ctx := context.Background()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := infra.EnsureSchema(ctx, db); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}()

	clock := clockwork.NewRealClock()
	protection := bruteforce.NewConfigValue(bruteforce.Config{
		LimitOfFailedAttempts: cfg.PinAttemptLimit,
		BlockDuration:         cfg.PinBlockDuration,
		IsEnabled:             cfg.PinProtectionEnabled,
	})
	guard := bruteforce.NewGuard(clock, protection, bruteforce.NewRedisStore(cache, cfg.RedisKeyPrefix), logger)

	credentials := identity.NewRedisCredentials(cache, cfg.RedisKeyPrefix, 0)
	client := remote.NewClient(cfg.RemoteAPIURL, cfg.RemoteAPITimeout, credentials, logger)
	inbox := otp.NewRedisListener(cache, cfg.RedisKeyPrefix, 0, clock, logger)
	defer inbox.Stop()

	facilities := facility.NewPostgresRepository(db)
	cursors := clinical.NewRedisCursors(cache, cfg.RedisKeyPrefix)
	facilityPull := syncer.NewFacilityPull(client, facilities, cursors)

	scheduler := syncer.NewScheduler(cfg.SyncSchedule, logger)
	manager := auth.NewManager(auth.Deps{
		Remote:       client,
		Users:        identity.NewPostgresRepository(db),
		Credentials:  credentials,
		Facilities:   facilities,
		FacilitySync: facilityPull,
		Clinical:     clinical.NewPostgresStore(db),
		Cursors:      cursors,
		Guard:        guard,
		Sync:         scheduler,
		OTP:          inbox,
		Hasher:       identity.NewBcryptHasher(0),
		Logger:       logger,
	})
	scheduler.Register(
		syncer.NewPinProtectionJob(client, protection),
		facilityPull,
		syncer.JobFunc("refresh_user", func(ctx context.Context) error {
			if err := manager.RefreshLoggedInUser(ctx); err != nil && !errors.Is(err, identity.ErrNoUser) {
				return err
			}
			return nil
		}),
	)

	srv, err := server.New(cfg, routes.Deps{
		DB:      db,
		Cache:   cache,
		Logger:  logger,
		Session: manager,
		Guard:   guard,
		Inbox:   inbox,
	})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	if err := scheduler.Start(); err != nil {
		logger.Error("start sync scheduler", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		exitCode = 1
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("sync still running at shutdown")
	}
	manager.Wait()

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	logger.Info("agent exited cleanly")
}
