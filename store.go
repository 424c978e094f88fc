package schedd

import (
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/logc"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/castpipe/schedd/models"
)

// Store provides durable CRUD for jobs and runs plus the atomic lease lock
// primitives. It is safe for concurrent and multi-process use because the
// correctness-critical operations (lock acquisition, run creation) are
// single atomic statements, not read-modify-write sequences.
type Store struct {
	db  *gorm.DB
	log logc.Logger
}

// NewStore creates a Store on top of a gorm DB
func NewStore(db *gorm.DB) *Store {
	rtn := &Store{db: db}
	rtn.Logger(logc.NewLogrus(logrus.New()))
	return rtn
}

// Logger sets the logger
func (s *Store) Logger(logger logc.Logger) *Store {
	s.log = logger.WithFields(logrus.Fields{
		"Service": "Store",
	})
	return s
}

// Migrate creates or updates the jobs, runs and locks tables
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&models.Job{}, &models.Run{}, &models.Lock{})
}

// CreateJob validates and inserts a job, returning its id
func (s *Store) CreateJob(job *models.Job) (int64, error) {
	if err := s.normalizeJob(job); err != nil {
		return 0, err
	}
	tx := s.db.Create(job)
	if tx.Error != nil {
		return 0, errors.Wrap(tx.Error, "could not create job")
	}
	return job.ID, nil
}

// UpdateJob validates and updates a job in full
func (s *Store) UpdateJob(job *models.Job) error {
	if job.ID == 0 {
		return errors.New("job id is required")
	}
	if err := s.normalizeJob(job); err != nil {
		return err
	}
	tx := s.db.Save(job)
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "could not update job")
	}
	return nil
}

// DeleteJob removes a job along with its runs and any lock it holds.
// Runs reference jobs for lookup only, so they go with the job.
func (s *Store) DeleteJob(jobID int64) error {
	txErr := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&models.Run{}).Error; err != nil {
			return err
		}
		if err := tx.Where("name = ?", JobLockName(jobID)).Delete(&models.Lock{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Job{}, jobID).Error
	})
	if txErr != nil {
		return errors.Wrap(txErr, "could not delete job")
	}
	return nil
}

// GetJob retrieves a job. It returns nil without an error if no job exists
func (s *Store) GetJob(jobID int64) (*models.Job, error) {
	job := &models.Job{}
	tx := s.db.First(job, jobID)
	if tx.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "could not get job")
	}
	return job, nil
}

// ListJobs returns jobs newest-created-first, optionally only enabled ones
func (s *Store) ListJobs(enabledOnly bool) ([]models.Job, error) {
	jobs := []models.Job{}
	tx := s.db.Order("created_at DESC, id DESC")
	if enabledOnly {
		tx = tx.Where("enabled = ?", true)
	}
	if err := tx.Find(&jobs).Error; err != nil {
		return nil, errors.Wrap(err, "could not list jobs")
	}
	return jobs, nil
}

// CreateRun inserts a run. If a run already covers the same
// (job id, scheduled time) it returns 0 and no error, making dispatch
// idempotent across restarts.
func (s *Store) CreateRun(run *models.Run) (int64, error) {
	tx := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(run)
	if tx.Error != nil {
		return 0, errors.Wrap(tx.Error, "could not create run")
	}
	if tx.RowsAffected == 0 {
		return 0, nil
	}
	return run.ID, nil
}

// UpdateRun updates a run in full by id
func (s *Store) UpdateRun(run *models.Run) error {
	if run.ID == 0 {
		return errors.New("run id is required")
	}
	tx := s.db.Save(run)
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "could not update run")
	}
	return nil
}

// GetRunsForJob returns the most recent runs of a job, newest first
func (s *Store) GetRunsForJob(jobID int64, limit int) ([]models.Run, error) {
	runs := []models.Run{}
	tx := s.db.Where("job_id = ?", jobID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&runs)
	if tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "could not get runs")
	}
	return runs, nil
}

// GetRunningRuns returns all runs currently marked running
func (s *Store) GetRunningRuns() ([]models.Run, error) {
	runs := []models.Run{}
	tx := s.db.Where("status = ?", models.RunRunning).Find(&runs)
	if tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "could not get running runs")
	}
	return runs, nil
}

// CleanupOldRuns deletes all but the newest keepCount runs of a job
func (s *Store) CleanupOldRuns(jobID int64, keepCount int) error {
	keep := s.db.Model(&models.Run{}).Select("id").
		Where("job_id = ?", jobID).
		Order("created_at DESC, id DESC").Limit(keepCount)
	tx := s.db.Where("job_id = ? AND id NOT IN (?)", jobID, keep).Delete(&models.Run{})
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "could not clean up old runs")
	}
	if tx.RowsAffected > 0 {
		s.log.WithFields(logrus.Fields{
			"Job.ID": jobID,
			"count":  tx.RowsAffected,
		}).Debug("cleaned up old runs")
	}
	return nil
}

// AcquireLock attempts to take the named lease for owner. Expired rows are
// pruned first; the insert then fails on a primary key collision if someone
// still holds it. A held lock is a normal "try later" signal, not an error.
func (s *Store) AcquireLock(name, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	tx := s.db.Where("expires_at < ?", now).Delete(&models.Lock{})
	if tx.Error != nil {
		return false, errors.Wrap(tx.Error, "could not prune expired locks")
	}

	lock := &models.Lock{
		Name:      name,
		Owner:     owner,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	tx = s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(lock)
	if tx.Error != nil {
		return false, errors.Wrap(tx.Error, "could not acquire lock")
	}
	return tx.RowsAffected == 1, nil
}

// ReleaseLock deletes the named lock only if owner still holds it. This
// stops a slow holder from releasing a lease that expired and was since
// reacquired by someone else.
func (s *Store) ReleaseLock(name, owner string) (bool, error) {
	tx := s.db.Where("name = ? AND owner = ?", name, owner).Delete(&models.Lock{})
	if tx.Error != nil {
		return false, errors.Wrap(tx.Error, "could not release lock")
	}
	return tx.RowsAffected == 1, nil
}

// DeleteExpiredLocks removes all locks that lapsed before now and reports
// how many went
func (s *Store) DeleteExpiredLocks(now time.Time) (int64, error) {
	tx := s.db.Where("expires_at < ?", now).Delete(&models.Lock{})
	if tx.Error != nil {
		return 0, errors.Wrap(tx.Error, "could not delete expired locks")
	}
	return tx.RowsAffected, nil
}

// DeleteLock removes the named lock regardless of owner. Used by the
// watchdog when it reclaims a stuck run.
func (s *Store) DeleteLock(name string) error {
	tx := s.db.Where("name = ?", name).Delete(&models.Lock{})
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "could not delete lock")
	}
	return nil
}

// normalizeJob clamps byhour/byminute and enforces that weekday is set
// exactly when the job is weekly
func (s *Store) normalizeJob(job *models.Job) error {
	if job.ByHour < 0 {
		job.ByHour = 0
	}
	if job.ByHour > 23 {
		job.ByHour = 23
	}
	if job.ByMinute < 0 {
		job.ByMinute = 0
	}
	if job.ByMinute > 59 {
		job.ByMinute = 59
	}

	switch job.Frequency {
	case models.FrequencyHourly, models.FrequencyDaily:
		job.Weekday.Valid = false
		job.Weekday.Int64 = 0
	case models.FrequencyWeekly:
		if !job.Weekday.Valid {
			return errors.New("weekly jobs require a weekday")
		}
		if job.Weekday.Int64 < 0 || job.Weekday.Int64 > 6 {
			return errors.New("weekday must be between 0 (Monday) and 6 (Sunday)")
		}
	default:
		return errors.New("unknown job frequency: " + string(job.Frequency))
	}
	return nil
}
