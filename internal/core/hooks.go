package core

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/sliink/taskworker/internal/model"
	"github.com/sliink/taskworker/pkg/plugin"
)

// PanicError is a recovered panic
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was an error
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// HookError identifies the plugin and hook that failed
type HookError struct {
	PluginID string
	Hook     model.Hook
	Err      error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.PluginID, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// callSafely runs fn, converting a panic into a *PanicError
func callSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// hookInvoker calls plugin hooks. Every failure is logged, counted and
// published here; callers decide whether to act on the returned error.
type hookInvoker struct {
	logger  *zap.Logger
	metrics *Metrics
	events  *EventBus
}

func (h *hookInvoker) invoke(p hostedPlugin, hook model.Hook, taskID string, fn func() error) error {
	start := time.Now()
	err := callSafely(fn)
	h.metrics.HookDuration.WithLabelValues(string(hook)).Observe(time.Since(start).Seconds())

	if err == nil {
		return nil
	}

	h.metrics.HookFailures.WithLabelValues(p.id, string(hook)).Inc()

	fields := []zap.Field{
		zap.String("plugin", p.id),
		zap.String("hook", string(hook)),
		zap.Error(err),
	}
	if taskID != "" {
		fields = append(fields, zap.String("task_id", taskID))
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		fields = append(fields, zap.ByteString("panic_stack", panicErr.Stack))
	}
	if isTaskHook(hook) {
		h.logger.Warn("plugin hook failed, suppressing", fields...)
	} else {
		h.logger.Error("plugin hook failed", fields...)
	}

	h.events.Publish(NewEvent(model.EventHookFailed, p.id, model.HookFailure{
		PluginID: p.id,
		Hook:     hook,
		TaskID:   taskID,
		Error:    err.Error(),
	}))

	return &HookError{PluginID: p.id, Hook: hook, Err: err}
}

func isTaskHook(hook model.Hook) bool {
	switch hook {
	case model.HookOnTaskStart, model.HookOnTaskSucceeded, model.HookOnTaskFailed:
		return true
	}
	return false
}

// taskStart delivers OnTaskStart to each plugin in order and returns the
// number of suppressed failures.
func (h *hookInvoker) taskStart(plugins []hostedPlugin, tc *plugin.TaskContext) int {
	failures := 0
	for _, p := range plugins {
		if h.invoke(p, model.HookOnTaskStart, tc.TaskID, func() error {
			return p.instance.OnTaskStart(tc)
		}) != nil {
			failures++
		}
	}
	return failures
}

// taskSucceeded delivers OnTaskSucceeded to each plugin in order and returns
// the number of suppressed failures.
func (h *hookInvoker) taskSucceeded(plugins []hostedPlugin, tc *plugin.TaskContext) int {
	failures := 0
	for _, p := range plugins {
		if h.invoke(p, model.HookOnTaskSucceeded, tc.TaskID, func() error {
			return p.instance.OnTaskSucceeded(tc)
		}) != nil {
			failures++
		}
	}
	return failures
}

// taskFailed delivers OnTaskFailed to each plugin in order and returns the
// number of suppressed failures.
func (h *hookInvoker) taskFailed(plugins []hostedPlugin, tc *plugin.TaskContext, cause error) int {
	failures := 0
	for _, p := range plugins {
		if h.invoke(p, model.HookOnTaskFailed, tc.TaskID, func() error {
			return p.instance.OnTaskFailed(tc, cause)
		}) != nil {
			failures++
		}
	}
	return failures
}
