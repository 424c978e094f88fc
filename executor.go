package schedd

import (
	"context"
)

// ExecuteParams is the opaque parameter set forwarded to the executor.
// The scheduler never interprets these fields.
type ExecuteParams struct {
	SourceURL      string
	OutputRoot     string
	PreferredLangs []string
	DoDownload     bool
}

// ExecuteResult is what a successful execution hands back. RunDir is the
// only field the scheduler records.
type ExecuteResult struct {
	RunDir string
}

// Executor performs the actual work of a run. It may be invoked again for
// the same run after a failure and must tolerate re-invocation. Failures
// are reported as errors whose text drives the retry decision.
type Executor interface {
	Execute(ctx context.Context, params ExecuteParams) (ExecuteResult, error)
}

// ExecutorFunc adapts a plain func to the Executor interface
type ExecutorFunc func(ctx context.Context, params ExecuteParams) (ExecuteResult, error)

// Execute implements Executor
func (f ExecutorFunc) Execute(ctx context.Context, params ExecuteParams) (ExecuteResult, error) {
	return f(ctx, params)
}

// Notifier is a fire-and-forget sink for run outcome events. Delivery
// failures are the notifier's own concern.
type Notifier interface {
	Notify(event string, payload map[string]interface{})
}

// NotifierFunc adapts a plain func to the Notifier interface
type NotifierFunc func(event string, payload map[string]interface{})

// Notify implements Notifier
func (f NotifierFunc) Notify(event string, payload map[string]interface{}) {
	f(event, payload)
}
