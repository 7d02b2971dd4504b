package clientdata

import (
	"github.com/rs/zerolog"
	"github.com/thijssvd/sommos/internal/scheduler/base"
)

// CleanupJob removes expired entries from every cache table. Scheduled to
// run daily alongside the AppliedOps and ledger audit jobs.
type CleanupJob struct {
	base.JobBase
	repo *Repository
	log  zerolog.Logger
}

// NewCleanupJob builds a CleanupJob over repo.
func NewCleanupJob(repo *Repository, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		repo: repo,
		log:  log.With().Str("job", "client_data_cleanup").Logger(),
	}
}

// Run deletes expired rows from every cache table.
func (j *CleanupJob) Run() error {
	if !j.TryStart() {
		j.log.Debug().Msg("previous run still in progress, skipping tick")
		return nil
	}
	defer j.Finish()

	results, err := j.repo.DeleteAllExpired()
	if err != nil {
		j.log.Error().Err(err).Msg("failed to delete expired client data")
		return err
	}

	var total int64
	for table, count := range results {
		if count > 0 {
			j.log.Info().Str("table", table).Int64("deleted", count).Msg("cleaned up expired cache entries")
			total += count
		}
	}
	if total > 0 {
		j.log.Info().Int64("total_deleted", total).Msg("client data cleanup completed")
	}
	return nil
}

// Name identifies this job for scheduling and logging.
func (j *CleanupJob) Name() string { return "client_data_cleanup" }
