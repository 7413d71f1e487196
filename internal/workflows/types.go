package workflows

import (
	"context"
	"time"
)

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx   context.Context
	Key   string // source object key
	RunID string
}

// WorkflowResult contains the result of workflow execution
type WorkflowResult struct {
	Success bool

	// Produced lists the local result files written by this run
	Produced []string

	// Uploaded lists the output keys written to the outbox by this run, including re-uploads
	Uploaded []string

	Duration time.Duration
}

// Workflow processes one source object
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*WorkflowResult, error)

	// Name returns the workflow name
	Name() string
}

// withTimeout bounds a blocking call; d <= 0 means no bound
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
