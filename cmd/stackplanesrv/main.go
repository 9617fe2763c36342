package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackplane/stackplane-internal/internal/common/logtrace"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/alert"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/archive"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/backup"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/config"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/health"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orchestrator"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/runtime"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/secrets"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/server"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/state"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/template"
)

const defaultConfigFile = "/etc/stackplane/stackplanesrv.conf"

func init() {
	logtrace.InitLogger()
}

type cmdoptions struct {
	configFile *string
}

func main() {
	slog := log.With().Str("state", "init").Logger()
	opt := parseFlags()

	slog.Info().Str("config_file", *opt.configFile).Msg("loading config file")
	if err := config.LoadConfig(*opt.configFile); err != nil {
		slog.Error().Str("config_file", *opt.configFile).Err(err).Msg("unable to load config file")
		os.Exit(1)
	}
	cfg := config.Config()
	logtrace.SetLevel(cfg.LogLevel)

	ctx := context.Background()

	store, locker, closeStore, err := buildStateStore(ctx, cfg)
	if err != nil {
		slog.Error().Err(err).Msg("unable to open state store")
		os.Exit(1)
	}
	defer closeStore()

	rt := runtime.NewDockerCLI(cfg.Runtime.DockerBin, cfg.Runtime.GetCallTimeout())
	if err := rt.EnsureAvailable(ctx); err != nil {
		slog.Error().Err(err).Msg("container runtime unavailable")
		os.Exit(1)
	}

	arch, err := buildArchiveStore(cfg)
	if err != nil {
		slog.Error().Err(err).Msg("unable to open archive store")
		os.Exit(1)
	}

	catalog := template.NewCatalog()
	if cfg.TemplatesDir != "" {
		if err := catalog.LoadDir(cfg.TemplatesDir); err != nil {
			slog.Error().Err(err).Str("dir", cfg.TemplatesDir).Msg("unable to load stack templates")
			os.Exit(1)
		}
	}

	var alerter alert.Alerter = alert.LogAlerter{}
	if cfg.Alerting.WebhookURL != "" {
		alerter = alert.NewWebhookAlerter(cfg.Alerting.WebhookURL)
	}

	engine := backup.NewEngine(backup.Params{
		Store:          store,
		Runtime:        rt,
		Catalog:        catalog,
		Archive:        arch,
		RetentionDays:  cfg.Backup.RetentionDays,
		RetryAttempts:  cfg.Operations.RetryAttempts,
		RetryBaseDelay: cfg.Operations.GetRetryBaseDelay(),
	})

	prober := health.NewProber(rt, cfg.Health.GetProbeTimeout())
	orch := orchestrator.New(orchestrator.Params{
		Store:   store,
		Locker:  locker,
		Runtime: rt,
		Catalog: catalog,
		Backups: engine,
		Secrets: secrets.NewStaticProvider(cfg.Secrets.Static),
		Alerter: alerter,
		Prober:  prober,
		Options: orchestrator.Options{
			MaxWorkers:              cfg.Operations.MaxWorkers,
			QueueSize:               cfg.Operations.QueueSize,
			RetryAttempts:           cfg.Operations.RetryAttempts,
			RetryBaseDelay:          cfg.Operations.GetRetryBaseDelay(),
			OperationTimeout:        cfg.Operations.GetOperationTimeout(),
			ReadinessAttempts:       int(cfg.Operations.ReadinessAttempts),
			ReadinessInterval:       cfg.Operations.GetReadinessInterval(),
			UnhealthyAlertThreshold: cfg.Health.UnhealthyAlertThreshold,
		},
	})
	defer orch.Shutdown()

	sweeper := health.NewSweeper(store, catalog, prober, orch, cfg.Health.GetSweepInterval())
	go sweeper.Run(ctx)
	go runRetentionSweep(ctx, engine, cfg.Backup.GetRetentionSweepInterval())
	if cfg.Backup.ScheduledBackups {
		go runScheduledBackups(ctx, engine, locker, cfg.Backup.GetBackupInterval())
	}

	s := server.CreateNewServer(orch)
	slog.Info().
		Str("hostname", cfg.Server.HostName).
		Str("port", cfg.Server.Port).
		Msg("starting command API")
	if err := s.ListenAndServe(); err != nil {
		slog.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

func buildStateStore(ctx context.Context, cfg *config.ConfigParam) (state.Store, state.OperationLocker, func(), error) {
	switch cfg.StateStore.Backend {
	case "postgres":
		pg, err := state.NewPostgresStore(ctx, cfg.StateStore.PostgresDSN, cfg.StateStore.GetLeaseTTL())
		if err != nil {
			return nil, nil, nil, err
		}
		return pg, pg, pg.Close, nil
	default:
		return state.NewMemoryStore(), state.NewMemoryLocker(), func() {}, nil
	}
}

func buildArchiveStore(cfg *config.ConfigParam) (archive.Store, error) {
	if cfg.Archive.Backend == "memory" {
		return archive.NewMemStore(), nil
	}
	fs, err := archive.NewFSStore(cfg.Archive.RootDir)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

func runRetentionSweep(ctx context.Context, engine *backup.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := engine.RetentionSweep(ctx, time.Now().UTC())
			if err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("retention sweep failed")
				continue
			}
			if reaped > 0 {
				log.Ctx(ctx).Info().Int("reaped", reaped).Msg("retention sweep complete")
			}
		}
	}
}

func runScheduledBackups(ctx context.Context, engine *backup.Engine, locker state.OperationLocker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.RunScheduledBackups(ctx, locker)
		}
	}
}

func parseFlags() cmdoptions {
	var opt cmdoptions
	opt.configFile = flag.String("config", defaultConfigFile, "Path to the config file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	return opt
}
