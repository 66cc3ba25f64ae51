package limiter

import (
	"context"
	"sync"

	"github.com/oriys/quasar/internal/logging"
)

// JobFunc is the caller-supplied job body. It receives the selected model
// and the caller's args through the JobContext, must call exactly one of
// jc.Resolve or jc.Reject, and returns a JobResult describing the aggregate
// resources it consumed. The returned result is authoritative for quota
// reconciliation; Resolve/Reject only signal control flow.
type JobFunc func(ctx context.Context, jc *JobContext) (*JobResult, error)

// JobResult reports what the body actually consumed. RequestCount 0 is
// treated as 1 (a body that ran made at least one call).
type JobResult struct {
	Usage        Usage
	RequestCount int64
	Output       any
}

// JobRequest submits one job.
type JobRequest struct {
	JobID   string // defaults to a random UUID
	JobType string
	Args    map[string]any
	Job     JobFunc
}

// JobContext is passed to the job body. ModelID is the model selected by
// escalation for this attempt; Args are the caller's, shallow-copied.
type JobContext struct {
	ModelID string
	Args    map[string]any

	jobID string

	mu       sync.Mutex
	signaled bool
	rejected bool
	delegate bool
	usage    Usage
}

// Resolve marks the attempt successful. Calls after the first signal are
// ignored and logged.
func (jc *JobContext) Resolve(u Usage) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.signaled {
		logging.Op().Warn("job signaled more than once, ignoring",
			"job_id", jc.jobID, "model", jc.ModelID, "signal", "resolve")
		return
	}
	jc.signaled = true
	jc.usage = u
}

// Reject marks the attempt failed. With delegate set the job is retried on
// the next model in the escalation order; the partial usage is still
// recorded against the current model. Calls after the first signal are
// ignored and logged.
func (jc *JobContext) Reject(u Usage, delegate bool) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.signaled {
		logging.Op().Warn("job signaled more than once, ignoring",
			"job_id", jc.jobID, "model", jc.ModelID, "signal", "reject")
		return
	}
	jc.signaled = true
	jc.rejected = true
	jc.delegate = delegate
	jc.usage = u
}

// outcome returns the recorded signal state.
func (jc *JobContext) outcome() (signaled, rejected, delegate bool, usage Usage) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.signaled, jc.rejected, jc.delegate, jc.usage
}
