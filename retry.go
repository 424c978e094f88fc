package schedd

import (
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/simpleframeworks/logc"
	"github.com/sirupsen/logrus"
)

// RetryReason classifies why an operation failed and should be retried
type RetryReason string

// Retry reasons, from most to least specific
const (
	ReasonRateLimit   RetryReason = "429_rate_limit"
	ReasonForbidden   RetryReason = "403_forbidden"
	ReasonServerError RetryReason = "5xx_server_error"
	ReasonTimeout     RetryReason = "timeout"
	ReasonNetwork     RetryReason = "network_error"
	ReasonUnknown     RetryReason = "unknown"
)

// classifierRule maps an error predicate to a reason. Rules are evaluated
// in order and the first match wins, which keeps the mapping auditable.
type classifierRule struct {
	match  func(err error, msg string) bool
	reason RetryReason
}

func containsAny(msg string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

func defaultClassifierRules() []classifierRule {
	return []classifierRule{
		{
			reason: ReasonRateLimit,
			match: func(_ error, msg string) bool {
				return containsAny(msg, "429", "rate limit", "too many requests")
			},
		},
		{
			reason: ReasonForbidden,
			match: func(_ error, msg string) bool {
				return containsAny(msg, "403", "forbidden")
			},
		},
		{
			reason: ReasonServerError,
			match: func(_ error, msg string) bool {
				return containsAny(msg, "500", "502", "503", "504")
			},
		},
		{
			reason: ReasonTimeout,
			match: func(err error, msg string) bool {
				if containsAny(msg, "timeout", "timed out") {
					return true
				}
				var netErr net.Error
				return errors.As(err, &netErr) && netErr.Timeout()
			},
		},
		{
			reason: ReasonNetwork,
			match: func(err error, msg string) bool {
				if containsAny(msg, "connection", "network", "socket") {
					return true
				}
				var netErr net.Error
				return errors.As(err, &netErr)
			},
		},
	}
}

// RetryStats accumulates diagnostics across the attempts of one
// ExecuteWithRetry call
type RetryStats struct {
	Attempts   int
	TotalDelay time.Duration
	Errors     []AttemptError
	Success    bool
}

// AttemptError records one failed attempt
type AttemptError struct {
	Attempt int
	Reason  RetryReason
	Message string
}

// RetryPolicy classifies errors and computes exponential backoff delays.
// It is a standalone utility and is deliberately not the mechanism behind
// the Engine's fixed-delay execution retry loop.
type RetryPolicy struct {
	log   logc.Logger
	rules []classifierRule

	maxRetries      int
	baseDelay       time.Duration
	maxDelay        time.Duration
	exponentialBase float64
	jitter          bool

	sleep func(time.Duration)
	randF func() float64
}

// NewRetryPolicy creates a RetryPolicy with the default limits:
// 5 retries, 1s base delay, 5m cap, base-2 exponential growth, jitter on.
func NewRetryPolicy() *RetryPolicy {
	rtn := &RetryPolicy{
		rules:           defaultClassifierRules(),
		maxRetries:      5,
		baseDelay:       time.Second,
		maxDelay:        5 * time.Minute,
		exponentialBase: 2.0,
		jitter:          true,
		sleep:           time.Sleep,
		randF:           rand.Float64,
	}
	rtn.Logger(logc.NewLogrus(logrus.New()))
	return rtn
}

// Logger sets the logger
func (p *RetryPolicy) Logger(logger logc.Logger) *RetryPolicy {
	p.log = logger.WithFields(logrus.Fields{
		"Service": "RetryPolicy",
	})
	return p
}

// MaxRetries sets the retry limit
func (p *RetryPolicy) MaxRetries(num int) *RetryPolicy {
	p.maxRetries = num
	return p
}

// BaseDelay sets the first-attempt delay
func (p *RetryPolicy) BaseDelay(d time.Duration) *RetryPolicy {
	p.baseDelay = d
	return p
}

// MaxDelay caps the computed delay
func (p *RetryPolicy) MaxDelay(d time.Duration) *RetryPolicy {
	p.maxDelay = d
	return p
}

// ExponentialBase sets the backoff growth factor
func (p *RetryPolicy) ExponentialBase(base float64) *RetryPolicy {
	p.exponentialBase = base
	return p
}

// Jitter turns the uniform [0.8, 1.2] delay jitter on or off
func (p *RetryPolicy) Jitter(enabled bool) *RetryPolicy {
	p.jitter = enabled
	return p
}

// Classify maps an error to a RetryReason using the ordered rule table
func (p *RetryPolicy) Classify(err error) RetryReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range p.rules {
		if rule.match(err, msg) {
			return rule.reason
		}
	}
	return ReasonUnknown
}

// Delay computes the backoff before retry number attempt (zero-based):
// baseDelay * exponentialBase^attempt * reason multiplier * jitter,
// capped at maxDelay.
func (p *RetryPolicy) Delay(attempt int, reason RetryReason) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(p.exponentialBase, float64(attempt))
	delay *= reasonMultiplier(reason)
	if p.jitter {
		delay *= 0.8 + p.randF()*0.4
	}
	if delay > float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(delay)
}

func reasonMultiplier(reason RetryReason) float64 {
	switch reason {
	case ReasonRateLimit:
		return 3.0
	case ReasonForbidden, ReasonServerError:
		return 2.0
	case ReasonTimeout:
		return 1.5
	}
	return 1.0
}

// ShouldRetry reports whether another attempt is allowed. Forbidden errors
// give up after 2 retries regardless of the configured limit.
func (p *RetryPolicy) ShouldRetry(attempt int, reason RetryReason) bool {
	if attempt >= p.maxRetries {
		return false
	}
	if reason == ReasonForbidden && attempt >= 2 {
		return false
	}
	return true
}

// ExecuteWithRetry calls fn until it succeeds or retries are exhausted,
// blocking the calling goroutine for each computed backoff delay. Every
// failed attempt is recorded in the returned stats. A non-retryable
// failure is returned with the stats accumulated so far.
func (p *RetryPolicy) ExecuteWithRetry(fn func() (interface{}, error)) (interface{}, RetryStats, error) {
	stats := RetryStats{}

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			stats.Success = true
			stats.Attempts = attempt + 1
			if attempt > 0 {
				p.log.WithFields(logrus.Fields{
					"attempts":   stats.Attempts,
					"totalDelay": stats.TotalDelay,
				}).Debug("succeeded after retrying")
			}
			return result, stats, nil
		}

		reason := p.Classify(err)
		stats.Errors = append(stats.Errors, AttemptError{
			Attempt: attempt,
			Reason:  reason,
			Message: err.Error(),
		})

		if !p.ShouldRetry(attempt, reason) {
			stats.Attempts = attempt + 1
			p.log.WithFields(logrus.Fields{
				"attempts": stats.Attempts,
				"reason":   reason,
			}).WithError(err).Warn("giving up retrying")
			return nil, stats, err
		}

		delay := p.Delay(attempt, reason)
		stats.TotalDelay += delay

		p.log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"reason":  reason,
			"delay":   delay,
		}).WithError(err).Warn("attempt failed, waiting to retry")

		p.sleep(delay)
	}
}
