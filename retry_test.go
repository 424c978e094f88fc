package schedd

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/testc"
	"github.com/sirupsen/logrus"
)

func TestRetryClassify(test *testing.T) {
	t := testc.New(test)

	t.Given("a retry policy with the default rules")
	p := NewRetryPolicy().Logger(setupLogging(logrus.ErrorLevel))

	t.Then("errors should classify first-match-wins")
	cases := []struct {
		err    error
		reason RetryReason
	}{
		{errors.New("HTTP 429 Too Many Requests"), ReasonRateLimit},
		{errors.New("rate limit exceeded"), ReasonRateLimit},
		{errors.New("HTTP 403 Forbidden"), ReasonForbidden},
		{errors.New("access forbidden"), ReasonForbidden},
		{errors.New("HTTP 503 Service Unavailable"), ReasonServerError},
		{errors.New("got 502 bad gateway"), ReasonServerError},
		{errors.New("request timed out"), ReasonTimeout},
		{errors.New("dial tcp: i/o timeout"), ReasonTimeout},
		{errors.New("connection refused"), ReasonNetwork},
		{errors.New("network is unreachable"), ReasonNetwork},
		{errors.New("something odd happened"), ReasonUnknown},
	}
	for _, c := range cases {
		t.Equal(c.reason, p.Classify(c.err), c.err.Error())
	}
}

func TestRetryDelay(test *testing.T) {
	t := testc.New(test)

	t.Given("a retry policy without jitter")
	p := NewRetryPolicy().
		Logger(setupLogging(logrus.ErrorLevel)).
		BaseDelay(time.Second).
		MaxDelay(5 * time.Minute).
		ExponentialBase(2.0).
		Jitter(false)

	t.Then("the delay should never decrease with the attempt")
	prev := time.Duration(0)
	for attempt := 0; attempt < 15; attempt++ {
		delay := p.Delay(attempt, ReasonUnknown)
		t.GreaterOrEqual(delay, prev)
		prev = delay
	}

	t.Then("and should stay capped at the max delay")
	t.Equal(5*time.Minute, p.Delay(20, ReasonUnknown))

	t.Then("reason multipliers should scale the base delay")
	t.Equal(3*time.Second, p.Delay(0, ReasonRateLimit))
	t.Equal(2*time.Second, p.Delay(0, ReasonForbidden))
	t.Equal(2*time.Second, p.Delay(0, ReasonServerError))
	t.Equal(1500*time.Millisecond, p.Delay(0, ReasonTimeout))
	t.Equal(time.Second, p.Delay(0, ReasonNetwork))

	t.Given("jitter turned on with a fixed random source")
	p.Jitter(true)
	p.randF = func() float64 { return 0.5 }

	t.Then("the delay should carry the jitter factor")
	t.Equal(time.Second, p.Delay(0, ReasonUnknown))
}

func TestRetryShouldRetry(test *testing.T) {
	t := testc.New(test)

	t.Given("a retry policy allowing 5 retries")
	p := NewRetryPolicy().Logger(setupLogging(logrus.ErrorLevel)).MaxRetries(5)

	t.Then("generic failures should retry until the limit")
	t.True(p.ShouldRetry(0, ReasonUnknown))
	t.True(p.ShouldRetry(4, ReasonServerError))
	t.False(p.ShouldRetry(5, ReasonServerError))

	t.Then("forbidden failures should give up after 2 attempts")
	t.True(p.ShouldRetry(1, ReasonForbidden))
	t.False(p.ShouldRetry(2, ReasonForbidden))
}

func TestRetryExecuteWithRetry(test *testing.T) {
	t := testc.New(test)

	t.Given("a retry policy that records sleeps instead of sleeping")
	slept := []time.Duration{}
	p := NewRetryPolicy().
		Logger(setupLogging(logrus.ErrorLevel)).
		BaseDelay(time.Second).
		Jitter(false)
	p.sleep = func(d time.Duration) { slept = append(slept, d) }

	t.Given("a func that fails twice with a 503 then succeeds")
	calls := 0
	fn := func() (interface{}, error) {
		calls++
		if calls <= 2 {
			return nil, fmt.Errorf("HTTP 503 Service Unavailable")
		}
		return "done", nil
	}

	t.When("we execute it with retry")
	result, stats, err := p.ExecuteWithRetry(fn)

	t.Then("it should succeed on the third attempt")
	t.NoError(err)
	t.Equal("done", result)
	t.True(stats.Success)
	t.Equal(3, stats.Attempts)
	t.Equal(2, len(stats.Errors))
	t.Equal(ReasonServerError, stats.Errors[0].Reason)

	t.Then("with exponentially growing waits in between")
	t.Equal(2, len(slept))
	t.Equal(2*time.Second, slept[0])
	t.Equal(4*time.Second, slept[1])
	t.Equal(6*time.Second, stats.TotalDelay)
}

func TestRetryExecuteWithRetryGivesUp(test *testing.T) {
	t := testc.New(test)

	t.Given("a retry policy that records sleeps instead of sleeping")
	p := NewRetryPolicy().
		Logger(setupLogging(logrus.ErrorLevel)).
		BaseDelay(time.Millisecond).
		Jitter(false)
	p.sleep = func(time.Duration) {}

	t.Given("a func that always fails with a 403")
	calls := 0
	fn := func() (interface{}, error) {
		calls++
		return nil, errors.New("HTTP 403 Forbidden")
	}

	t.When("we execute it with retry")
	_, stats, err := p.ExecuteWithRetry(fn)

	t.Then("it should stop after the forbidden limit with the error")
	t.Error(err)
	t.False(stats.Success)
	t.Equal(3, calls)
	t.Equal(3, stats.Attempts)
	t.Equal(3, len(stats.Errors))
}
