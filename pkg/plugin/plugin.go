// Package plugin defines the contract between a task worker and the executor
// plugins it hosts.
//
// One instance of every configured plugin is created per worker process,
// before the worker runs any task, and lives until the worker shuts down.
// All hooks are optional: embed Base and override only what you need.
//
//	type AuditPlugin struct {
//	    plugin.Base
//	    log *zap.Logger
//	}
//
//	func (p *AuditPlugin) OnTaskFailed(tc *plugin.TaskContext, cause error) error {
//	    p.log.Warn("task failed", zap.String("task_id", tc.TaskID), zap.Error(cause))
//	    return nil
//	}
//
// The worker does nothing to verify that a plugin behaves. A plugin runs with
// the same privileges as the tasks and can slow down or stall the worker.
package plugin

import "context"

// ExecutorPlugin is the set of lifecycle hooks a worker invokes on a plugin.
type ExecutorPlugin interface {
	// Init is called once, during worker startup, before the worker accepts
	// any task. Plugins should start goroutines here for any polling,
	// blocking or intensive work. A non-nil error aborts worker startup.
	Init(ctx context.Context) error

	// Shutdown is called once, during worker shutdown, after the last task
	// hook. The worker waits for it to return before continuing its own
	// teardown. Errors are logged and teardown continues.
	Shutdown(ctx context.Context) error

	// OnTaskStart is called on the goroutine that runs the task, right before
	// the task runs. It is called for every task, so keep it cheap and avoid
	// remote calls. Errors and panics are logged and suppressed; they never
	// fail the task.
	OnTaskStart(tc *TaskContext) error

	// OnTaskSucceeded is called after the task returns without error. It is
	// called even if OnTaskStart failed for the same task. Errors and panics
	// are logged and suppressed.
	OnTaskSucceeded(tc *TaskContext) error

	// OnTaskFailed is called after the task returns an error or panics, with
	// the terminating cause. Errors and panics are logged and suppressed.
	OnTaskFailed(tc *TaskContext, cause error) error
}

// Base implements every hook as a no-op.
type Base struct{}

// Init does nothing
func (Base) Init(context.Context) error { return nil }

// Shutdown does nothing
func (Base) Shutdown(context.Context) error { return nil }

// OnTaskStart does nothing
func (Base) OnTaskStart(*TaskContext) error { return nil }

// OnTaskSucceeded does nothing
func (Base) OnTaskSucceeded(*TaskContext) error { return nil }

// OnTaskFailed does nothing
func (Base) OnTaskFailed(*TaskContext, error) error { return nil }

var _ ExecutorPlugin = Base{}
