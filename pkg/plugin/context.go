package plugin

import (
	"context"
	"time"
)

// TaskContext describes the task a hook is being invoked for.
type TaskContext struct {
	TaskID    string
	Kind      string
	Attempt   int
	WorkerID  string
	StartedAt time.Time
	Labels    map[string]string
}

// Label returns a task label or the empty string
func (tc *TaskContext) Label(key string) string {
	if tc == nil || tc.Labels == nil {
		return ""
	}
	return tc.Labels[key]
}

type taskContextKey struct{}

// WithTaskContext returns a copy of ctx carrying tc
func WithTaskContext(ctx context.Context, tc *TaskContext) context.Context {
	return context.WithValue(ctx, taskContextKey{}, tc)
}

// TaskContextFrom returns the TaskContext of the task running with ctx, if any.
// Task code uses it to read the same information the hooks receive.
func TaskContextFrom(ctx context.Context) (*TaskContext, bool) {
	tc, ok := ctx.Value(taskContextKey{}).(*TaskContext)
	return tc, ok && tc != nil
}
