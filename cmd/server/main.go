// Command server is SommOS's entrypoint: it loads configuration, opens
// and migrates the database, wires every collaborator, and serves HTTP
// and WebSocket traffic until told to stop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thijssvd/sommos/internal/backup"
	"github.com/thijssvd/sommos/internal/clientdata"
	"github.com/thijssvd/sommos/internal/config"
	"github.com/thijssvd/sommos/internal/database"
	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/events"
	"github.com/thijssvd/sommos/internal/experiment"
	"github.com/thijssvd/sommos/internal/inventory"
	"github.com/thijssvd/sommos/internal/metrics"
	"github.com/thijssvd/sommos/internal/pairing"
	"github.com/thijssvd/sommos/internal/realtime"
	"github.com/thijssvd/sommos/internal/scheduler"
	"github.com/thijssvd/sommos/internal/server"
	"github.com/thijssvd/sommos/internal/sync"
	"github.com/thijssvd/sommos/internal/weather"

	"github.com/rs/zerolog"

	"github.com/thijssvd/sommos/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet; this is a startup-time misconfiguration.
		bootstrapLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootstrapLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().Msg("starting sommos")

	db, err := database.New(database.Config{Path: cfg.DatabasePath, Profile: database.ProfileStandard})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	bus := events.NewBus()
	subscribeEventLogging(bus, log)

	hub := realtime.New(realtime.Options{
		MaxConnections:    cfg.MaxConnections,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, log)

	metricsTracker := metrics.New(cfg.MetricsWindow)

	inv := inventory.New(db.Conn(), bus, hub, metricsTracker)

	reconciler := sync.New(db.Conn(), inv, bus,
		sync.WithAppliedOpsRetention(cfg.AppliedOpsRetention),
	)

	providers := buildProviderChain(cfg)
	pairingOrch := pairing.New(db.Conn(), bus, hub, metricsTracker, pairing.Options{
		CacheMaxEntries: cfg.PairingCacheMax,
		CacheTTL:        cfg.PairingCacheTTL,
		ProviderTimeout: cfg.ProviderTimeout,
	}, providers)

	clientRepo := clientdata.NewRepository(db.Conn())
	weatherEnricher := weather.New(db.Conn(), clientRepo, bus, hub, weather.Options{
		GeocodeBaseURL:        cfg.GeocodeBaseURL,
		HistoryBaseURL:        cfg.WeatherBaseURL,
		RequestTimeout:        cfg.WeatherTimeout,
		ExternalCallsDisabled: cfg.ExternalCallsDisabled,
	}, log)

	var allocator *experiment.Allocator
	if cfg.ExperimentAllocatorEnabled {
		allocator = experiment.New(db.Conn(), bus, hub, defaultExperiments())
	}

	sched := scheduler.New(log)
	backupSvc := registerJobs(sched, db, clientRepo, reconciler, weatherEnricher, cfg, log)
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Port:       cfg.ListenPort,
		Log:        log,
		DB:         db.Conn(),
		Inventory:  inv,
		Reconciler: reconciler,
		Pairing:    pairingOrch,
		Weather:    weatherEnricher,
		Hub:        hub,
		Metrics:    metricsTracker,
		Allocator:  allocator,
		Backup:     backupSvc,
		DevMode:    cfg.LogPretty,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	waitForShutdown(log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// buildProviderChain orders the pairing provider chain as
// primary_ai, secondary_ai, heuristic, dropping any AI provider whose
// key is not configured. Heuristic is always present as the terminal
// fallback.
func buildProviderChain(cfg *config.Config) []pairing.Provider {
	var providers []pairing.Provider
	if cfg.PrimaryAIEnabled() {
		providers = append(providers, pairing.NewAIProvider(domain.ProviderPrimaryAI, cfg.PrimaryAIBaseURL, cfg.PrimaryAIKey, cfg.ProviderTimeout))
	}
	if cfg.SecondaryAIEnabled() {
		providers = append(providers, pairing.NewAIProvider(domain.ProviderSecondaryAI, cfg.SecondaryAIBaseURL, cfg.SecondaryAIKey, cfg.ProviderTimeout))
	}
	providers = append(providers, pairing.NewHeuristicProvider())
	return providers
}

// defaultExperiments seeds the allocator with SommOS's one standing
// experiment: which pairing provider chain order new yachts default to.
// Additional experiments register here as they're introduced.
func defaultExperiments() []experiment.Experiment {
	return []experiment.Experiment{
		{
			Name: "pairing_provider_order",
			Variants: []experiment.Variant{
				{Name: "ai_first", Weight: 9},
				{Name: "heuristic_first", Weight: 1},
			},
		},
	}
}

// registerJobs wires the background maintenance jobs onto sched and
// returns the backup service (nil if backup isn't configured) so main
// can also hand it to the server for the backup-status endpoint. Backup
// only registers when cfg.BackupEnabled, since it requires a configured
// S3-compatible bucket.
func registerJobs(sched *scheduler.Scheduler, db *database.DB, clientRepo *clientdata.Repository, reconciler *sync.Reconciler, weatherEnricher *weather.Enricher, cfg *config.Config, log zerolog.Logger) *backup.Service {
	if err := sched.AddJob("0 0 3 * * *", scheduler.NewAppliedOpsCleanupJob(reconciler, log)); err != nil {
		log.Error().Err(err).Msg("failed to register applied ops cleanup job")
	}

	if err := sched.AddJob("0 15 3 * * *", clientdata.NewCleanupJob(clientRepo, log)); err != nil {
		log.Error().Err(err).Msg("failed to register client data cleanup job")
	}

	if err := sched.AddJob("0 */15 * * * *", scheduler.NewWeatherBatchJob(weatherEnricher, 5, time.Second, 5*time.Minute, log)); err != nil {
		log.Error().Err(err).Msg("failed to register weather batch job")
	}

	if err := sched.AddJob("0 30 3 * * *", scheduler.NewLedgerAuditJob(db.Conn(), log)); err != nil {
		log.Error().Err(err).Msg("failed to register ledger audit job")
	}

	if !cfg.BackupEnabled() {
		log.Info().Msg("backup bucket not configured, skipping backup job")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	backupSvc, err := backup.New(ctx, db, backup.Options{
		ClientOptions: backup.ClientOptions{
			Bucket:          cfg.BackupBucket,
			Region:          cfg.BackupRegion,
			AccessKeyID:     cfg.BackupAccessKeyID,
			SecretAccessKey: cfg.BackupSecretAccessKey,
		},
		RetentionDays: cfg.BackupRetentionDays,
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize backup service, skipping backup job")
		return nil
	}
	if err := sched.AddJob("0 0 4 * * *", scheduler.NewBackupJob(backupSvc, 10*time.Minute, log)); err != nil {
		log.Error().Err(err).Msg("failed to register backup job")
	}
	return backupSvc
}

// subscribeEventLogging attaches a catch-all debug log line to every
// domain event, the cheapest possible observability hook until a real
// sink (metrics, audit trail) subscribes to the types it cares about.
func subscribeEventLogging(bus *events.Bus, log zerolog.Logger) {
	for _, t := range []events.EventType{
		events.EventInventoryActionAdd,
		events.EventInventoryActionRemove,
		events.EventInventoryActionMove,
		events.EventInventoryActionReserve,
		events.EventInventoryActionUnreserve,
		events.EventPairingCompleted,
		events.EventWeatherEnriched,
		events.EventExperimentOutcome,
		events.EventSyncOpApplied,
	} {
		bus.Subscribe(t, func(e *events.Event) {
			log.Debug().Str("module", e.Module).Str("type", string(e.Type)).Msg("event emitted")
		})
	}
}

func waitForShutdown(log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
}
