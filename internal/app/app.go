// Package app wires sandboxd's collaborators together and runs the process
// in one of three modes: api (Platform API HTTP server), worker (alarm
// sweep driving both controllers' reconcilers), or migrate (registry schema
// migrations).
package app

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/kiloclaw/sandboxd/internal/alarm"
	"github.com/kiloclaw/sandboxd/internal/config"
	"github.com/kiloclaw/sandboxd/internal/httpserver"
	"github.com/kiloclaw/sandboxd/internal/platform"
	"github.com/kiloclaw/sandboxd/internal/registry"
	"github.com/kiloclaw/sandboxd/internal/store"
	"github.com/kiloclaw/sandboxd/internal/telemetry"
	"github.com/kiloclaw/sandboxd/pkg/appctl"
	"github.com/kiloclaw/sandboxd/pkg/flyclient"
	"github.com/kiloclaw/sandboxd/pkg/instancectl"
	"github.com/kiloclaw/sandboxd/pkg/platformapi"
	"github.com/kiloclaw/sandboxd/pkg/secretenvelope"
)

// Run is the process entry point. It reads config, connects to
// infrastructure, and starts the mode named by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting sandboxd", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if cfg.Mode == "migrate" {
		if err := platform.RunRegistryMigrations(cfg.RegistryDatabaseURL, cfg.RegistryMigrationsDir); err != nil {
			return fmt.Errorf("running registry migrations: %w", err)
		}
		logger.Info("registry migrations applied")
		return nil
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPoolSize, logger)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	pool, err := platform.NewPostgresPool(ctx, cfg.RegistryDatabaseURL)
	if err != nil {
		logger.Warn("connecting to registry database failed, continuing without restore fallback", "error", err)
	}
	var reg *registry.Registry
	if pool != nil {
		defer pool.Close()
		reg = registry.New(pool)
	}

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	st := store.New(rdb, logger)
	alarms := alarm.New(rdb)

	newFlyClient := func(appName string) *flyclient.Client {
		return flyclient.New(flyclient.Config{APIToken: cfg.FlyAPIToken, AppName: appName}, cfg.FlyAPIBaseURL, logger)
	}

	appCtl := appctl.New(st, alarms, newFlyClient, cfg.FlyOrgSlug, cfg.AppNamePrefix, logger)

	decryptor, err := loadDecryptor(cfg.SecretEnvelopePrivateKeyPath)
	if err != nil {
		return fmt.Errorf("loading envelope private key: %w", err)
	}

	instanceCtl := instancectl.New(instancectl.Config{
		Store:          st,
		Alarms:         alarms,
		Redis:          rdb,
		Registry:       reg,
		AppCtl:         appCtl,
		NewFlyClient:   newFlyClient,
		Decryptor:      decryptor,
		GatewaySecret:  []byte(cfg.GatewaySecret),
		DefaultRegions: cfg.DefaultRegions,
		MachineImage:   cfg.MachineImage,
		Logger:         logger,
	})

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, rdb, metricsReg, instanceCtl)
	case "worker":
		return runWorker(ctx, cfg, logger, alarms, appCtl, instanceCtl)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// loadDecryptor reads a PEM-encoded RSA private key from path. An empty path
// is valid in environments that never receive encrypted secrets/channels —
// any attempt to decrypt one will fail loudly instead of panicking at boot.
func loadDecryptor(path string) (secretenvelope.Decryptor, error) {
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found in private key file")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS1 RSA private key: %w", err)
	}

	return &secretenvelope.RSADecryptor{PrivateKey: key}, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, rdb *redis.Client, metricsReg *prometheus.Registry, instanceCtl *instancectl.Controller) error {
	srv := httpserver.NewServer(cfg, logger, rdb, metricsReg)

	platformapi.Mount(srv.APIRouter, instanceCtl, logger)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker drives both controllers' reconcilers off the shared alarm
// scheduler: one cron tick per sweep interval, sweeping both the App
// Controller's and Instance Controller's due sets and dispatching each due
// user's HandleAlarm (spec §4.2/§4.3.5).
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, alarms *alarm.Scheduler, appCtl interface {
	HandleAlarm(context.Context, string)
}, instanceCtl *instancectl.Controller) error {
	logger.Info("worker started", "sweep_interval", cfg.AlarmSweepInterval)

	c := cron.New()
	_, err := c.AddFunc(cfg.AlarmSweepInterval, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		now := time.Now()

		appUsers, err := alarms.Due(sweepCtx, alarm.KindApp, now)
		if err != nil {
			logger.Error("sweeping app alarms failed", "error", err)
		}
		var wg sync.WaitGroup
		for _, userID := range appUsers {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				appCtl.HandleAlarm(sweepCtx, userID)
			}(userID)
		}
		wg.Wait()

		instanceUsers, err := alarms.Due(sweepCtx, alarm.KindInstance, now)
		if err != nil {
			logger.Error("sweeping instance alarms failed", "error", err)
		}
		for _, userID := range instanceUsers {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()
				instanceCtl.HandleAlarm(sweepCtx, userID)
			}(userID)
		}
		wg.Wait()
	})
	if err != nil {
		return fmt.Errorf("scheduling alarm sweep: %w", err)
	}

	c.Start()
	defer c.Stop()

	<-ctx.Done()
	logger.Info("worker shutting down")
	return nil
}
