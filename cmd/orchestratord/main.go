// Package main is the orchestratord daemon entry point: it wires the
// registry, runtime driver, and domain engines together, serves the §6.2
// HTTP API, and runs the background backup-retention and diagnostic-sweep
// schedules.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/supaorch/orchestrator/infrastructure/logging"
	"github.com/supaorch/orchestrator/infrastructure/metrics"
	"github.com/supaorch/orchestrator/infrastructure/resilience"
	"github.com/supaorch/orchestrator/internal/allocator"
	"github.com/supaorch/orchestrator/internal/api"
	"github.com/supaorch/orchestrator/internal/backup"
	"github.com/supaorch/orchestrator/internal/configedit"
	"github.com/supaorch/orchestrator/internal/diagnostic"
	"github.com/supaorch/orchestrator/internal/health"
	"github.com/supaorch/orchestrator/internal/lifecycle"
	"github.com/supaorch/orchestrator/internal/model"
	"github.com/supaorch/orchestrator/internal/registry"
	"github.com/supaorch/orchestrator/internal/render"
	"github.com/supaorch/orchestrator/internal/repair"
	"github.com/supaorch/orchestrator/internal/runtimedriver/dockercli"
)

func main() {
	ctx := context.Background()
	cfg := loadConfig()

	log := logging.NewFromEnv("orchestratord")

	// §9's open question on EXTERNAL_IP auto-detection is resolved here:
	// require EXTERNAL_HOST explicitly rather than guessing and falling
	// back to 0.0.0.0, since a guessed host silently breaks every rendered
	// instance URL and JWT audience.
	if cfg.ExternalHost == "" {
		log.Fatal(ctx, "EXTERNAL_HOST is required and was not set", nil)
	}

	reg := registry.New(filepath.Join(cfg.DataRoot, "instances.json"), log)
	if err := reg.Load(); err != nil {
		log.Fatal(ctx, "failed to load instance registry", err)
	}

	driver := dockercli.New(log, resilience.DefaultRetryConfig(), cfg.DockerSocket)
	alloc := allocator.New()

	composeTemplate, envTemplate, volumesTemplate := templatePaths(cfg)
	renderer := render.New(render.Templates{
		ComposeFile: composeTemplate,
		EnvFile:     envTemplate,
		VolumesDir:  volumesTemplate,
	})

	lc := lifecycle.New(reg, alloc, renderer, driver, log, cfg)
	checker := health.New(driver, cfg.ExternalHost)

	var diag *diagnostic.Engine
	if cfg.DiagnosticCacheRedisAddr != "" {
		log.Info(ctx, "diagnostic cache backed by redis", map[string]interface{}{"addr": cfg.DiagnosticCacheRedisAddr})
		diag = diagnostic.NewWithRedisCache(checker, cfg.DiagnosticCacheRedisAddr)
	} else {
		diag = diagnostic.New(checker)
	}

	backups := backup.New(cfg.DataRoot, driver, log)
	repairEngine := repair.New(driver, checker, diag, backups, reg, log, cfg.DataRoot)
	cfgEditor := configedit.New(reg, backups, checker)

	router := api.NewRouter(api.Deps{
		Lifecycle:  lc,
		Registry:   reg,
		Diagnostic: diag,
		Checker:    checker,
		Repair:     repairEngine,
		Backups:    backups,
		ConfigEdit: cfgEditor,
		Driver:     driver,
		Log:        log,
		StartedAt:  time.Now(),
	})

	scheduler := startScheduler(ctx, reg, backups, diag, cfg, log)
	defer scheduler.Stop()

	stopMetrics := startMetricsServer(cfg, log)
	defer stopMetrics(context.Background())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info(ctx, "orchestratord listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "server error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info(ctx, "shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "shutdown error", err, nil)
	}
}

// startScheduler runs the backup-retention sweep and the diagnostic sweep
// on independent cron schedules, grounded on robfig/cron/v3 the way the
// rest of this codebase's background jobs are scheduled.
func startScheduler(ctx context.Context, reg *registry.Registry, backups *backup.Store, diag *diagnostic.Engine, cfg model.Config, log *logging.Logger) *cron.Cron {
	c := cron.New()

	// Backup retention: every hour, trim each instance's backups down to
	// the configured keep count.
	if _, err := c.AddFunc("@hourly", func() {
		for _, inst := range reg.List() {
			if err := backups.Cleanup(inst.ID, cfg.RepairBackupRetention); err != nil {
				log.Error(ctx, "backup retention sweep failed", err, map[string]interface{}{"instance_id": inst.ID})
			}
		}
	}); err != nil {
		log.Error(ctx, "failed to schedule backup retention sweep", err, nil)
	}

	// Diagnostic sweep: every five minutes (the cache TTL), refresh the
	// last-known diagnostic for every running instance so dashboards never
	// show a diagnostic older than one cache lifetime even if nobody polled
	// run-diagnostics in the meantime.
	if _, err := c.AddFunc("@every 5m", func() {
		for _, inst := range reg.List() {
			if inst.Status != model.StatusRunning {
				continue
			}
			if _, err := diag.RunFullDiagnostic(ctx, inst); err != nil {
				log.Error(ctx, "diagnostic sweep failed", err, map[string]interface{}{"instance_id": inst.ID})
			}
		}
	}); err != nil {
		log.Error(ctx, "failed to schedule diagnostic sweep", err, nil)
	}

	c.Start()
	return c
}

// startMetricsServer exposes /metrics on its own listener per MetricsAddr,
// independent of the main API router (which also mounts /metrics on the
// same port as the domain API when METRICS_ENABLED is set). Separating the
// two lets operators firewall the metrics port off from the public API
// port without touching the domain routes.
func startMetricsServer(cfg model.Config, log *logging.Logger) func(context.Context) error {
	if !metrics.Enabled() {
		return func(context.Context) error { return nil }
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: mux,
	}
	go func() {
		log.Info(context.Background(), "metrics listening", map[string]interface{}{"addr": cfg.MetricsAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(context.Background(), "metrics server error", err, nil)
		}
	}()
	return server.Shutdown
}
