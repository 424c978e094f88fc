package schedd

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/simpleframeworks/logc"
	"github.com/sirupsen/logrus"

	"github.com/castpipe/schedd/models"
)

// Watchdog defaults
const (
	DefaultWatchdogInterval = 5 * time.Minute
	DefaultJobTimeout       = 30 * time.Minute
	DefaultStuckMultiplier  = 1.5
	DefaultFailureWindow    = 3
)

// Audit event discriminators
const (
	EventStuckKill           = "stuck_kill"
	EventOrphanLockCleanup   = "orphan_lock_cleanup"
	EventConsecutiveFailures = "consecutive_failures"
)

// stuckRunError is the sentinel recorded on runs the watchdog reclaims
const stuckRunError = "stuck run killed by watchdog"

// Watchdog is an independent self-healing pass over the scheduler state.
// It reclaims runs whose executor wedged (a hung task cannot detect its
// own hang), sweeps expired locks nobody tried to reacquire, and flags
// jobs that keep failing. It never disables a job on its own.
//
// Every action is appended as a JSON line to the audit log. Failures
// inside a pass are logged and never propagate.
type Watchdog struct {
	log   logc.Logger
	store *Store

	interval        time.Duration
	jobTimeout      time.Duration
	stuckMultiplier float64
	failureWindow   int

	events    *logrus.Logger
	eventFile *os.File
	eventPath string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatchdog creates a Watchdog over a Store. Audit events are discarded
// until EventLog or EventOutput is set.
func NewWatchdog(store *Store) *Watchdog {
	events := logrus.New()
	events.SetFormatter(&logrus.JSONFormatter{})
	events.SetOutput(io.Discard)

	rtn := &Watchdog{
		store:           store,
		interval:        DefaultWatchdogInterval,
		jobTimeout:      DefaultJobTimeout,
		stuckMultiplier: DefaultStuckMultiplier,
		failureWindow:   DefaultFailureWindow,
		events:          events,
	}
	rtn.Logger(logc.NewLogrus(logrus.New()))
	return rtn
}

// Logger sets the logger
func (w *Watchdog) Logger(logger logc.Logger) *Watchdog {
	w.log = logger.WithFields(logrus.Fields{
		"Service": "Watchdog",
	})
	return w
}

// Interval sets the time between passes
func (w *Watchdog) Interval(interval time.Duration) *Watchdog {
	w.interval = interval
	return w
}

// JobTimeout sets the expected upper bound of a run's duration
func (w *Watchdog) JobTimeout(timeout time.Duration) *Watchdog {
	w.jobTimeout = timeout
	return w
}

// StuckMultiplier sets how far past JobTimeout a run may go before it is
// reclaimed
func (w *Watchdog) StuckMultiplier(multiplier float64) *Watchdog {
	w.stuckMultiplier = multiplier
	return w
}

// FailureWindow sets how many trailing failed runs flag a job as
// chronically failing
func (w *Watchdog) FailureWindow(num int) *Watchdog {
	w.failureWindow = num
	return w
}

// EventLog appends audit events to the newline-delimited JSON file at
// path. The file is opened on Start.
func (w *Watchdog) EventLog(path string) *Watchdog {
	w.eventPath = path
	return w
}

// EventOutput sends audit events to an arbitrary writer instead of a file
func (w *Watchdog) EventOutput(out io.Writer) *Watchdog {
	w.eventPath = ""
	w.events.SetOutput(out)
	return w
}

// Start brings up the background pass loop. Calling it while running is a
// no-op.
func (w *Watchdog) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.log.Warn("the watchdog is already running")
		return nil
	}

	if w.eventPath != "" {
		if err := os.MkdirAll(filepath.Dir(w.eventPath), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(w.eventPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		w.eventFile = f
		w.events.SetOutput(f)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(ctx, w.done)
	w.log.WithField("interval", w.interval).Debug("watchdog started")
	return nil
}

// Stop signals the loop to exit and waits up to timeout, reporting whether
// it finished in time
func (w *Watchdog) Stop(timeout time.Duration) bool {
	w.mu.Lock()
	cancel, done, eventFile := w.cancel, w.done, w.eventFile
	w.cancel, w.done, w.eventFile = nil, nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()

	stopped := true
	select {
	case <-done:
		w.log.Debug("watchdog stopped")
	case <-time.After(timeout):
		w.log.Warn("watchdog did not stop within the timeout")
		stopped = false
	}

	if eventFile != nil {
		eventFile.Close()
	}
	return stopped
}

func (w *Watchdog) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		w.pass(time.Now())

		deadline := time.Now().Add(w.interval)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(tickWaitSlice):
			}
		}
	}
}

// pass runs CheckAndHeal with panic containment
func (w *Watchdog) pass(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("watchdog pass panicked")
		}
	}()
	w.CheckAndHeal(now)
}

// CheckAndHeal performs one self-healing pass at the given instant
func (w *Watchdog) CheckAndHeal(now time.Time) {
	w.log.Trace("watchdog pass - started")
	w.checkStuckRuns(now)
	w.cleanOrphanLocks(now)
	w.checkConsecutiveFailures()
	w.log.Trace("watchdog pass - completed")
}

// checkStuckRuns forces runs stuck in running well past the job timeout
// into the timeout state and drops the lock that was guarding them
func (w *Watchdog) checkStuckRuns(now time.Time) {
	runs, err := w.store.GetRunningRuns()
	if err != nil {
		w.log.WithError(err).Error("failed to load running runs")
		return
	}

	threshold := time.Duration(float64(w.jobTimeout) * w.stuckMultiplier)

	for i := range runs {
		run := &runs[i]
		if !run.StartTime.Valid {
			continue
		}
		elapsed := now.Sub(run.StartTime.Time)
		if elapsed <= threshold {
			continue
		}

		w.log.WithFields(logrus.Fields{
			"Run.ID":  run.ID,
			"Job.ID":  run.JobID,
			"elapsed": elapsed,
		}).Warn("stuck run detected")

		run.Status = models.RunTimeout
		run.EndTime = sqlNullTime(now)
		run.ErrorText = stuckRunError
		if uerr := w.store.UpdateRun(run); uerr != nil {
			w.log.WithError(uerr).WithField("Run.ID", run.ID).Error("failed to time out stuck run")
			continue
		}
		if derr := w.store.DeleteLock(JobLockName(run.JobID)); derr != nil {
			w.log.WithError(derr).WithField("Job.ID", run.JobID).Error("failed to delete stuck run lock")
		}

		w.emit(EventStuckKill, logrus.Fields{
			"run_id":      run.ID,
			"job_id":      run.JobID,
			"elapsed_sec": elapsed.Seconds(),
		})
	}
}

// cleanOrphanLocks sweeps expired lock rows. Lazy expiry only prunes a
// name someone tries to reacquire, so this is the safety net for the rest.
func (w *Watchdog) cleanOrphanLocks(now time.Time) {
	count, err := w.store.DeleteExpiredLocks(now)
	if err != nil {
		w.log.WithError(err).Error("failed to delete expired locks")
		return
	}
	if count == 0 {
		return
	}

	w.log.WithField("count", count).Info("cleaned up orphaned locks")
	w.emit(EventOrphanLockCleanup, logrus.Fields{
		"count": count,
	})
}

// checkConsecutiveFailures flags enabled jobs whose last failureWindow
// runs all failed. Disabling the job is left to the operator.
func (w *Watchdog) checkConsecutiveFailures() {
	jobs, err := w.store.ListJobs(true)
	if err != nil {
		w.log.WithError(err).Error("failed to list jobs")
		return
	}

	for i := range jobs {
		job := &jobs[i]

		runs, err := w.store.GetRunsForJob(job.ID, w.failureWindow)
		if err != nil {
			w.log.WithError(err).WithField("Job.ID", job.ID).Error("failed to load recent runs")
			continue
		}
		if len(runs) < w.failureWindow {
			continue
		}

		allFailed := true
		for j := range runs {
			if !runs[j].Failed() {
				allFailed = false
				break
			}
		}
		if !allFailed {
			continue
		}

		w.log.WithFields(logrus.Fields{
			"Job.ID":   job.ID,
			"Job.Name": job.Name,
			"failures": len(runs),
		}).Error("job is failing consecutively")

		w.emit(EventConsecutiveFailures, logrus.Fields{
			"job_id":        job.ID,
			"job_name":      job.Name,
			"failure_count": len(runs),
		})
	}
}

// emit appends one audit event, tagged with its discriminator
func (w *Watchdog) emit(event string, fields logrus.Fields) {
	fields["event"] = event
	w.events.WithFields(fields).Info(event)
}
