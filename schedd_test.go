package schedd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/testc"
	"github.com/sirupsen/logrus"

	"github.com/castpipe/schedd/models"
)

// countingExecutor succeeds and tracks how often and how concurrently it
// was invoked
type countingExecutor struct {
	mu      sync.Mutex
	calls   int
	running int
	peak    int
	block   chan struct{}
}

func (c *countingExecutor) Execute(context.Context, ExecuteParams) (ExecuteResult, error) {
	c.mu.Lock()
	c.calls++
	c.running++
	if c.running > c.peak {
		c.peak = c.running
	}
	c.mu.Unlock()

	if c.block != nil {
		<-c.block
	}

	c.mu.Lock()
	c.running--
	c.mu.Unlock()
	return ExecuteResult{RunDir: "out/run"}, nil
}

// eventRecorder is a thread-safe Notifier stub
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Notify(event string, payload map[string]interface{}) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.events...)
}

func TestEngineTickHourlyScenario(test *testing.T) {
	t := testc.New(test)

	logger := setupLogging(logrus.ErrorLevel)
	s := setupStore(logger)

	t.Given("an engine with an always-succeeding executor")
	executor := &countingExecutor{}
	notifier := &eventRecorder{}
	e := New(s).Logger(logger).Executor(executor).Notifier(notifier)

	t.Given("an hourly job at minute 0 with no jitter")
	job := testJob()
	job.ByMinute = 0
	job.JitterSec = 0
	jobID, err := s.CreateJob(job)
	t.NoError(err)

	t.When("we tick just after the hour")
	now := time.Date(2026, 8, 10, 12, 0, 5, 0, time.Local)
	t.NoError(e.Tick(now))
	e.Wait()

	t.Then("exactly one run should exist, for the top of the hour")
	runs, err := s.GetRunsForJob(jobID, 10)
	t.NoError(err)
	t.Equal(1, len(runs))
	t.Equal(time.Date(2026, 8, 10, 12, 0, 0, 0, time.Local).Unix(),
		runs[0].ScheduledTime.Unix())

	t.Then("and the executor should have driven it to success")
	t.Equal(1, executor.calls)
	t.Equal(models.RunSuccess, runs[0].Status)
	t.Equal("out/run", runs[0].RunDir)
	t.Equal([]string{"job_finished"}, notifier.all())

	t.When("we tick again a second later")
	t.NoError(e.Tick(now.Add(time.Second)))
	e.Wait()

	t.Then("no second run should appear for that hour")
	runs, err = s.GetRunsForJob(jobID, 10)
	t.NoError(err)
	t.Equal(1, len(runs))
	t.Equal(1, executor.calls)

	t.Then("and the job lock should be free again")
	locked, err := s.AcquireLock(JobLockName(jobID), "probe", time.Hour)
	t.NoError(err)
	t.True(locked)
}

func TestEngineConcurrencyCap(test *testing.T) {
	t := testc.New(test)

	logger := setupLogging(logrus.ErrorLevel)
	s := setupStore(logger)

	t.Given("an engine capped at 2 concurrent runs with a blocking executor")
	executor := &countingExecutor{block: make(chan struct{})}
	e := New(s).Logger(logger).MaxConcurrency(2).Executor(executor)

	t.Given("four due jobs")
	now := time.Date(2026, 8, 10, 12, 0, 5, 0, time.Local)
	jobIDs := []int64{}
	for i := 0; i < 4; i++ {
		job := testJob()
		job.ByMinute = 0
		job.JitterSec = 0
		id, err := s.CreateJob(job)
		t.NoError(err)
		jobIDs = append(jobIDs, id)
	}

	t.When("we tick")
	t.NoError(e.Tick(now))

	t.Then("only 2 dispatches should have made it through the budget")
	t.Equal(2, e.RunningCount())
	total := 0
	for _, id := range jobIDs {
		runs, err := s.GetRunsForJob(id, 10)
		t.NoError(err)
		total += len(runs)
	}
	t.Equal(2, total)

	t.When("the executor unblocks and everything drains")
	close(executor.block)
	e.Wait()

	t.Then("the peak simultaneous executions should never have passed the cap")
	t.LessOrEqual(executor.peak, 2)
	t.Equal(0, e.RunningCount())
}

func TestEngineDispatchRespectsLock(test *testing.T) {
	t := testc.New(test)

	logger := setupLogging(logrus.ErrorLevel)
	s := setupStore(logger)

	t.Given("an engine and a due job locked by someone else")
	executor := &countingExecutor{}
	e := New(s).Logger(logger).Executor(executor)

	job := testJob()
	job.ByMinute = 0
	job.JitterSec = 0
	jobID, err := s.CreateJob(job)
	t.NoError(err)

	locked, err := s.AcquireLock(JobLockName(jobID), "another-engine", time.Hour)
	t.NoError(err)
	t.True(locked)

	t.When("we tick at the due instant")
	t.NoError(e.Tick(time.Date(2026, 8, 10, 12, 0, 5, 0, time.Local)))
	e.Wait()

	t.Then("no run should have been created")
	runs, err := s.GetRunsForJob(jobID, 10)
	t.NoError(err)
	t.Equal(0, len(runs))
	t.Equal(0, executor.calls)
}

func TestEngineExecuteRetriesThenErrors(test *testing.T) {
	t := testc.New(test)

	logger := setupLogging(logrus.ErrorLevel)
	s := setupStore(logger)

	t.Given("an engine whose executor always returns a 503")
	notifier := &eventRecorder{}
	e := New(s).Logger(logger).Notifier(notifier).
		Executor(ExecutorFunc(func(context.Context, ExecuteParams) (ExecuteResult, error) {
			return ExecuteResult{}, errors.New("HTTP 503 Service Unavailable")
		}))

	slept := []time.Duration{}
	e.sleep = func(d time.Duration) { slept = append(slept, d) }

	t.Given("a queued run")
	job := testJob()
	jobID, err := s.CreateJob(job)
	t.NoError(err)
	job.ID = jobID

	run := &models.Run{
		JobID:         jobID,
		ScheduledTime: time.Now(),
		Status:        models.RunQueued,
		CreatedAt:     time.Now(),
	}
	_, err = s.CreateRun(run)
	t.NoError(err)

	t.When("we execute it")
	e.execute(job, run)

	t.Then("the fixed backoff schedule should have been walked")
	t.Equal([]time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}, slept)

	t.Then("and the run should end in error with 3 retries recorded")
	runs, err := s.GetRunsForJob(jobID, 1)
	t.NoError(err)
	t.Equal(1, len(runs))
	t.Equal(models.RunError, runs[0].Status)
	t.Equal(3, runs[0].RetryCount)
	t.Contains(runs[0].ErrorText, "503")
	t.True(runs[0].EndTime.Valid)
	t.Equal([]string{"job_failed"}, notifier.all())
}

func TestEngineExecuteNonRetryable(test *testing.T) {
	t := testc.New(test)

	logger := setupLogging(logrus.ErrorLevel)
	s := setupStore(logger)

	t.Given("an engine whose executor fails with a non-transient error")
	e := New(s).Logger(logger).
		Executor(ExecutorFunc(func(context.Context, ExecuteParams) (ExecuteResult, error) {
			return ExecuteResult{}, errors.New("invalid job configuration")
		}))

	slept := []time.Duration{}
	e.sleep = func(d time.Duration) { slept = append(slept, d) }

	t.Given("a queued run")
	job := testJob()
	jobID, err := s.CreateJob(job)
	t.NoError(err)
	job.ID = jobID

	run := &models.Run{
		JobID:         jobID,
		ScheduledTime: time.Now(),
		Status:        models.RunQueued,
		CreatedAt:     time.Now(),
	}
	_, err = s.CreateRun(run)
	t.NoError(err)

	t.When("we execute it")
	e.execute(job, run)

	t.Then("it should fail immediately without retrying")
	t.Equal(0, len(slept))
	runs, err := s.GetRunsForJob(jobID, 1)
	t.NoError(err)
	t.Equal(1, len(runs))
	t.Equal(models.RunError, runs[0].Status)
	t.Equal(0, runs[0].RetryCount)
}

func TestEngineErrorTextTruncated(test *testing.T) {
	t := testc.New(test)

	logger := setupLogging(logrus.ErrorLevel)
	s := setupStore(logger)

	t.Given("an engine whose executor fails with a very long message")
	long := ""
	for i := 0; i < 60; i++ {
		long += "abcdefghij"
	}
	e := New(s).Logger(logger).
		Executor(ExecutorFunc(func(context.Context, ExecuteParams) (ExecuteResult, error) {
			return ExecuteResult{}, errors.New(long)
		}))
	e.sleep = func(time.Duration) {}

	t.Given("a queued run")
	job := testJob()
	jobID, err := s.CreateJob(job)
	t.NoError(err)
	job.ID = jobID

	run := &models.Run{
		JobID:         jobID,
		ScheduledTime: time.Now(),
		Status:        models.RunQueued,
		CreatedAt:     time.Now(),
	}
	_, err = s.CreateRun(run)
	t.NoError(err)

	t.When("we execute it")
	e.execute(job, run)

	t.Then("the stored error text should be capped at 500 chars")
	runs, err := s.GetRunsForJob(jobID, 1)
	t.NoError(err)
	t.Equal(1, len(runs))
	t.Equal(500, len(runs[0].ErrorText))
}

func TestEngineRunOnce(test *testing.T) {
	t := testc.New(test)

	logger := setupLogging(logrus.ErrorLevel)
	s := setupStore(logger)

	t.Given("an engine and a disabled job")
	executor := &countingExecutor{}
	e := New(s).Logger(logger).Executor(executor)

	job := testJob()
	job.Enabled = false
	jobID, err := s.CreateJob(job)
	t.NoError(err)

	t.When("we run it once by hand")
	runID, err := e.RunOnce(jobID)
	t.NoError(err)
	t.Greater(runID, int64(0))
	e.Wait()

	t.Then("the run should have executed to success")
	runs, err := s.GetRunsForJob(jobID, 1)
	t.NoError(err)
	t.Equal(1, len(runs))
	t.Equal(models.RunSuccess, runs[0].Status)
	t.Equal(1, executor.calls)

	t.When("we run a job that does not exist")
	_, err = e.RunOnce(99999)

	t.Then("we should get an error")
	t.Error(err)
}

func TestEngineRetryKeywords(test *testing.T) {
	t := testc.New(test)

	t.Then("transient-looking errors should be retryable")
	t.True(executeRetryable("HTTP 429 Too Many Requests"))
	t.True(executeRetryable("403 Forbidden"))
	t.True(executeRetryable("HTTP 503"))
	t.True(executeRetryable("Network is unreachable"))
	t.True(executeRetryable("request Timeout"))
	t.True(executeRetryable("connection reset by peer"))
	t.True(executeRetryable("service temporarily unavailable"))

	t.Then("anything else should not be")
	t.False(executeRetryable("invalid job configuration"))
	t.False(executeRetryable("executor not set"))
}
