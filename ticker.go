package schedd

import (
	"context"
	"sync"
	"time"

	"github.com/simpleframeworks/logc"
	"github.com/sirupsen/logrus"
)

// Ticker cadence bounds
const (
	MinTickInterval     = 10 * time.Second
	DefaultTickInterval = 60 * time.Second

	// tickWaitSlice is the granularity at which the interval wait checks
	// for cancellation
	tickWaitSlice = time.Second
)

// TickHandler is what the Ticker drives on each cycle. The Engine
// implements it.
type TickHandler interface {
	Tick(now time.Time) error
}

// TickHandlerFunc adapts a plain func to the TickHandler interface
type TickHandlerFunc func(now time.Time) error

// Tick implements TickHandler
func (f TickHandlerFunc) Tick(now time.Time) error {
	return f(now)
}

// Ticker invokes a TickHandler on a fixed cadence from a background
// goroutine. A tick that errors or panics is logged and the loop carries
// on with the next cycle.
type Ticker struct {
	log      logc.Logger
	handler  TickHandler
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTicker creates a Ticker. Intervals below the 10s minimum are raised
// to it.
func NewTicker(handler TickHandler, interval time.Duration) *Ticker {
	if interval < MinTickInterval {
		interval = MinTickInterval
	}
	rtn := &Ticker{
		handler:  handler,
		interval: interval,
	}
	rtn.Logger(logc.NewLogrus(logrus.New()))
	return rtn
}

// Logger sets the logger
func (t *Ticker) Logger(logger logc.Logger) *Ticker {
	t.log = logger.WithFields(logrus.Fields{
		"Service": "Ticker",
	})
	return t
}

// Start brings up the background loop. Calling it while running is a no-op
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.log.Warn("the ticker is already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.loop(ctx, t.done)
	t.log.WithField("interval", t.interval).Debug("ticker started")
}

// Stop signals the loop to exit and waits up to timeout. It reports
// whether the loop finished in time. Stopping a stopped ticker is a no-op
// that reports true.
func (t *Ticker) Stop(timeout time.Duration) bool {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return true
	}
	cancel()

	select {
	case <-done:
		t.log.Debug("ticker stopped")
		return true
	case <-time.After(timeout):
		t.log.Warn("ticker did not stop within the timeout")
		return false
	}
}

// Running reports whether the background loop is up
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Ticker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t.log.Trace("ticker loop - started")

	for {
		t.tick(time.Now())

		// Wait out the interval in short slices so Stop stays responsive
		deadline := time.Now().Add(t.interval)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				t.log.Trace("ticker loop - completed")
				return
			case <-time.After(tickWaitSlice):
			}
		}
	}
}

// tick runs one handler cycle, containing any error or panic
func (t *Ticker) tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.log.WithField("panic", r).Error("tick panicked")
		}
	}()
	if err := t.handler.Tick(now); err != nil {
		t.log.WithError(err).Error("tick failed")
	}
}
