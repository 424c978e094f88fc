// Package schedd schedules recurring pipeline executions against external
// jobs. It guarantees at most one concurrent run per job through DB lease
// locks, bounds global concurrency, and dispatches idempotently so a crash
// and restart never double-runs a due instant.
package schedd

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/simpleframeworks/logc"
	"github.com/sirupsen/logrus"

	"github.com/castpipe/schedd/models"
)

// Defaults for a new Engine
const (
	DefaultMaxConcurrency = 2
	DefaultLockTTL        = time.Hour
	DefaultKeepRuns       = 100
)

// executeRetryDelays is the fixed backoff schedule of the execution loop
var executeRetryDelays = []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}

// executeRetryKeywords make an executor failure retryable when any of them
// appears in the error text
var executeRetryKeywords = []string{
	"429", "403", "5", "network", "timeout", "connection", "temporarily unavailable",
}

// JobLockName is the lease lock name guarding a job's execution
func JobLockName(jobID int64) string {
	return fmt.Sprintf("job:%d", jobID)
}

// Engine computes due times and dispatches runs. One long-lived Ticker
// drives Tick; each dispatched run executes on its own goroutine. The
// running counter is a process-local fast-path budget, while the lock
// table remains the durable source of truth for "is job X executing now".
type Engine struct {
	log      logc.Logger
	store    *Store
	executor Executor
	notifier Notifier

	// owner is this engine's session token, used as the lock owner
	// identity. It is generated, not derived from any process-local id,
	// so the lease discipline holds across processes.
	owner string

	maxConcurrency int
	lockTTL        time.Duration
	keepRuns       int
	retryDelays    []time.Duration

	runningMu    sync.Mutex
	runningCount int

	sleep func(time.Duration)
	wg    sync.WaitGroup
}

// New creates an Engine on top of a Store
func New(store *Store) *Engine {
	rtn := &Engine{
		store:          store,
		owner:          "schedd-" + uuid.NewString(),
		maxConcurrency: DefaultMaxConcurrency,
		lockTTL:        DefaultLockTTL,
		keepRuns:       DefaultKeepRuns,
		retryDelays:    executeRetryDelays,
		sleep:          time.Sleep,
	}
	rtn.Logger(logc.NewLogrus(logrus.New()))
	return rtn
}

// Logger sets the logger
func (e *Engine) Logger(logger logc.Logger) *Engine {
	e.log = logger.WithFields(logrus.Fields{
		"Service": "Engine",
		"Owner":   e.owner,
	})
	return e
}

// MaxConcurrency caps the number of runs executing at once process-wide
func (e *Engine) MaxConcurrency(num int) *Engine {
	e.maxConcurrency = num
	return e
}

// LockTTL sets the lease duration of the per-job dispatch lock
func (e *Engine) LockTTL(ttl time.Duration) *Engine {
	e.lockTTL = ttl
	return e
}

// KeepRuns sets how many runs per job survive retention pruning
func (e *Engine) KeepRuns(num int) *Engine {
	e.keepRuns = num
	return e
}

// Executor sets the external executor that performs the actual work
func (e *Engine) Executor(executor Executor) *Engine {
	e.executor = executor
	return e
}

// Notifier sets the outcome notification sink
func (e *Engine) Notifier(notifier Notifier) *Engine {
	e.notifier = notifier
	return e
}

// RunningCount returns the number of runs currently executing in this
// process
func (e *Engine) RunningCount() int {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	return e.runningCount
}

// Wait blocks until all in-flight runs have finished. Runs are never
// cancelled, so this is how an embedding process drains before exit.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Tick checks every enabled job and dispatches the ones that are due.
// A job is skipped when its most recent run already covers the due
// instant, which makes ticking idempotent.
func (e *Engine) Tick(now time.Time) error {
	jobs, err := e.store.ListJobs(true)
	if err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"at":   now,
		"jobs": len(jobs),
	}).Trace("tick - started")

	for i := range jobs {
		job := &jobs[i]

		due, ok := nextDue(job, now)
		if !ok || due.After(now) {
			continue
		}

		runs, err := e.store.GetRunsForJob(job.ID, 1)
		if err != nil {
			e.log.WithError(err).WithField("Job.ID", job.ID).Error("failed to check recent runs")
			continue
		}
		if len(runs) > 0 && !runs[0].ScheduledTime.Before(due) {
			e.log.WithField("Job.ID", job.ID).Trace("job already ran for this due instant")
			continue
		}

		e.log.WithFields(logrus.Fields{
			"Job.ID":   job.ID,
			"Job.Name": job.Name,
			"due":      due,
		}).Debug("dispatching job")
		e.dispatch(job, due)
	}

	e.log.Trace("tick - completed")
	return nil
}

// dispatch attempts to start one run of a due job. The per-job lease lock
// and the running budget are both taken before the run record is created;
// every early exit undoes exactly what was taken.
func (e *Engine) dispatch(job *models.Job, due time.Time) {
	log := e.log.WithFields(logrus.Fields{
		"Job.ID":   job.ID,
		"Job.Name": job.Name,
	})

	lockName := JobLockName(job.ID)
	locked, err := e.store.AcquireLock(lockName, e.owner, e.lockTTL)
	if err != nil {
		log.WithError(err).Error("failed to acquire job lock")
		return
	}
	if !locked {
		log.Trace("job is locked, skipping")
		return
	}

	e.runningMu.Lock()
	if e.runningCount >= e.maxConcurrency {
		e.runningMu.Unlock()
		log.Debug("max concurrency reached, skipping")
		e.releaseLock(lockName)
		return
	}
	e.runningCount++
	e.runningMu.Unlock()

	run := &models.Run{
		JobID:         job.ID,
		ScheduledTime: due,
		Status:        models.RunQueued,
		CreatedAt:     time.Now(),
	}
	id, err := e.store.CreateRun(run)
	if err != nil || id == 0 {
		if err != nil {
			log.WithError(err).Error("failed to create run")
		} else {
			log.Trace("run already exists for this due instant")
		}
		e.decRunning()
		e.releaseLock(lockName)
		return
	}

	jitter := time.Duration(0)
	if job.JitterSec > 0 {
		jitter = time.Duration(rand.Intn(job.JitterSec+1)) * time.Second
	}

	jobCopy := *job // the caller's slice entry may be reused
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.decRunning()
			e.releaseLock(lockName)
		}()
		if jitter > 0 {
			e.sleep(jitter)
		}
		e.execute(&jobCopy, run)
	}()
}

// RunOnce creates and immediately executes a run of the job with the
// current time as its due instant, bypassing the lease lock and the
// concurrency budget. It is an operator-supervised administrative path.
// The run id is returned; 0 means a run already covers this instant.
func (e *Engine) RunOnce(jobID int64) (int64, error) {
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return 0, err
	}
	if job == nil {
		return 0, fmt.Errorf("job %d not found", jobID)
	}

	run := &models.Run{
		JobID:         job.ID,
		ScheduledTime: time.Now(),
		Status:        models.RunQueued,
		CreatedAt:     time.Now(),
	}
	id, err := e.store.CreateRun(run)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		e.log.WithField("Job.ID", jobID).Warn("run already exists for this instant")
		return 0, nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(job, run)
	}()
	return id, nil
}

// execute drives one run to a terminal state. The executor is retried up
// to three times on a fixed 60s/120s/240s schedule when its error text
// looks transient; anything else fails the run immediately.
func (e *Engine) execute(job *models.Job, run *models.Run) {
	log := e.log.WithFields(logrus.Fields{
		"Job.ID":   job.ID,
		"Job.Name": job.Name,
		"Run.ID":   run.ID,
	})
	log.Info("running job - started")

	run.Status = models.RunRunning
	run.StartTime = nullTimeNow()
	if err := e.store.UpdateRun(run); err != nil {
		log.WithError(err).Error("failed to mark run as running")
	}

	maxRetries := len(e.retryDelays)
	for attempt := 0; ; attempt++ {
		execErr := e.invokeExecutor(job, run)
		if execErr == nil {
			log.Info("running job - completed")
			return
		}

		if attempt < maxRetries && executeRetryable(execErr.Error()) {
			delay := e.retryDelays[attempt]
			log.WithError(execErr).WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"delay":   delay,
			}).Warn("run failed, retrying")

			run.RetryCount = attempt + 1
			if err := e.store.UpdateRun(run); err != nil {
				log.WithError(err).Error("failed to record retry count")
			}
			e.sleep(delay)
			continue
		}

		run.Status = models.RunError
		run.EndTime = nullTimeNow()
		run.ErrorText = truncate(execErr.Error(), 500)
		run.RetryCount = attempt
		if err := e.store.UpdateRun(run); err != nil {
			log.WithError(err).Error("failed to record run failure")
		}

		log.WithError(execErr).WithField("attempts", attempt+1).Error("running job - failed")

		e.notify("job_failed", map[string]interface{}{
			"job_id":   job.ID,
			"job_name": job.Name,
			"run_id":   run.ID,
			"status":   string(models.RunError),
			"error":    truncate(execErr.Error(), 200),
		})
		return
	}
}

// invokeExecutor performs a single executor attempt and records success
func (e *Engine) invokeExecutor(job *models.Job, run *models.Run) error {
	if e.executor == nil {
		return fmt.Errorf("executor not set")
	}

	result, err := e.executor.Execute(context.Background(), ExecuteParams{
		SourceURL:      job.SourceURL,
		OutputRoot:     job.OutputRoot,
		PreferredLangs: job.PreferredLangs,
		DoDownload:     job.DoDownload,
	})
	if err != nil {
		return err
	}

	run.Status = models.RunSuccess
	run.EndTime = nullTimeNow()
	run.RunDir = result.RunDir
	run.ErrorText = ""
	if uerr := e.store.UpdateRun(run); uerr != nil {
		e.log.WithError(uerr).WithField("Run.ID", run.ID).Error("failed to record run success")
	}

	if cerr := e.store.CleanupOldRuns(job.ID, e.keepRuns); cerr != nil {
		e.log.WithError(cerr).WithField("Job.ID", job.ID).Warn("failed to clean up old runs")
	}

	e.notify("job_finished", map[string]interface{}{
		"job_id":   job.ID,
		"job_name": job.Name,
		"run_id":   run.ID,
		"status":   string(models.RunSuccess),
		"run_dir":  run.RunDir,
	})
	return nil
}

func (e *Engine) notify(event string, payload map[string]interface{}) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(event, payload)
}

func (e *Engine) decRunning() {
	e.runningMu.Lock()
	e.runningCount--
	e.runningMu.Unlock()
}

func (e *Engine) releaseLock(name string) {
	if _, err := e.store.ReleaseLock(name, e.owner); err != nil {
		e.log.WithError(err).WithField("lock", name).Error("failed to release lock")
	}
}

// executeRetryable reports whether an executor error message looks
// transient enough to retry
func executeRetryable(msg string) bool {
	msg = strings.ToLower(msg)
	for _, kw := range executeRetryKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func nullTimeNow() sql.NullTime {
	return sqlNullTime(time.Now())
}

func sqlNullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Valid: true, Time: t}
}
