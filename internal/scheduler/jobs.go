package scheduler

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/thijssvd/sommos/internal/backup"
	"github.com/thijssvd/sommos/internal/database"
	"github.com/thijssvd/sommos/internal/ledger"
	"github.com/thijssvd/sommos/internal/scheduler/base"
	"github.com/thijssvd/sommos/internal/sync"
	"github.com/thijssvd/sommos/internal/weather"
)

// AppliedOpsCleanupJob deletes AppliedOps rows past the retention window,
// keeping the idempotence table from growing unbounded across months of
// intermittent connectivity.
type AppliedOpsCleanupJob struct {
	base.JobBase
	reconciler *sync.Reconciler
	log        zerolog.Logger
}

// NewAppliedOpsCleanupJob builds an AppliedOpsCleanupJob over reconciler.
func NewAppliedOpsCleanupJob(reconciler *sync.Reconciler, log zerolog.Logger) *AppliedOpsCleanupJob {
	return &AppliedOpsCleanupJob{reconciler: reconciler, log: log.With().Str("job", "applied_ops_cleanup").Logger()}
}

// Run implements Job.
func (j *AppliedOpsCleanupJob) Run() error {
	if !j.TryStart() {
		j.log.Debug().Msg("previous run still in progress, skipping tick")
		return nil
	}
	defer j.Finish()

	deleted, err := j.reconciler.CleanupAppliedOps()
	if err != nil {
		j.log.Error().Err(err).Msg("failed to clean up applied ops")
		return err
	}
	if deleted > 0 {
		j.log.Info().Int64("deleted", deleted).Msg("applied ops cleanup completed")
	}
	return nil
}

// Name implements Job.
func (j *AppliedOpsCleanupJob) Name() string { return "applied_ops_cleanup" }

// WeatherBatchJob drives WeatherEnricher.BatchEnrich on a schedule so
// vintages accumulate weather scores without blocking any inventory
// operation on an external fetch.
type WeatherBatchJob struct {
	base.JobBase
	enricher  *weather.Enricher
	groupSize int
	pause     time.Duration
	timeout   time.Duration
	log       zerolog.Logger
}

// NewWeatherBatchJob builds a WeatherBatchJob. groupSize/pause control the
// rate-limit-friendly batching pace; timeout bounds the whole run.
func NewWeatherBatchJob(enricher *weather.Enricher, groupSize int, pause, timeout time.Duration, log zerolog.Logger) *WeatherBatchJob {
	return &WeatherBatchJob{
		enricher:  enricher,
		groupSize: groupSize,
		pause:     pause,
		timeout:   timeout,
		log:       log.With().Str("job", "weather_batch_enrich").Logger(),
	}
}

// Run implements Job.
func (j *WeatherBatchJob) Run() error {
	if !j.TryStart() {
		j.log.Debug().Msg("previous run still in progress, skipping tick")
		return nil
	}
	defer j.Finish()

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	count, err := j.enricher.BatchEnrich(ctx, j.groupSize, j.pause)
	if err != nil {
		j.log.Error().Err(err).Msg("weather batch enrichment failed")
		return err
	}
	if count > 0 {
		j.log.Info().Int("enriched", count).Msg("weather batch enrichment completed")
	}
	return nil
}

// Name implements Job.
func (j *WeatherBatchJob) Name() string { return "weather_batch_enrich" }

// BackupJob snapshots and uploads the database, then rotates old backups,
// on a schedule. Failures are logged and retried on the next tick rather
// than treated as fatal: backup is opportunistic, never blocking.
type BackupJob struct {
	base.JobBase
	service *backup.Service
	timeout time.Duration
	log     zerolog.Logger
}

// NewBackupJob builds a BackupJob over service.
func NewBackupJob(service *backup.Service, timeout time.Duration, log zerolog.Logger) *BackupJob {
	return &BackupJob{service: service, timeout: timeout, log: log.With().Str("job", "backup").Logger()}
}

// Run implements Job.
func (j *BackupJob) Run() error {
	if !j.TryStart() {
		j.log.Debug().Msg("previous run still in progress, skipping tick")
		return nil
	}
	defer j.Finish()

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.service.CreateAndUpload(ctx); err != nil {
		j.log.Error().Err(err).Msg("backup upload failed")
		return err
	}
	if err := j.service.Rotate(ctx); err != nil {
		j.log.Error().Err(err).Msg("backup rotation failed")
		return err
	}
	j.log.Info().Msg("backup completed")
	return nil
}

// Name implements Job.
func (j *BackupJob) Name() string { return "backup" }

// LedgerAuditJob rebuilds every Stock row from ledger_entries inside a
// single transaction, repairing any drift between the materialized cache
// and the ledger source of truth. It runs on its own schedule, independent
// of any inventory mutation.
type LedgerAuditJob struct {
	base.JobBase
	db     *sql.DB
	ledger *ledger.Engine
	log    zerolog.Logger
}

// NewLedgerAuditJob builds a LedgerAuditJob.
func NewLedgerAuditJob(db *sql.DB, log zerolog.Logger) *LedgerAuditJob {
	return &LedgerAuditJob{db: db, ledger: ledger.New(), log: log.With().Str("job", "ledger_audit").Logger()}
}

// Run implements Job.
func (j *LedgerAuditJob) Run() error {
	if !j.TryStart() {
		j.log.Debug().Msg("previous run still in progress, skipping tick")
		return nil
	}
	defer j.Finish()

	err := database.WithTransaction(j.db, func(tx *sql.Tx) error {
		return j.ledger.Rebuild(tx)
	})
	if err != nil {
		j.log.Error().Err(err).Msg("ledger audit failed")
		return err
	}
	j.log.Debug().Msg("ledger audit completed, stock rebuilt from ledger")
	return nil
}

// Name implements Job.
func (j *LedgerAuditJob) Name() string { return "ledger_audit" }
