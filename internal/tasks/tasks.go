// Package tasks provides the built-in task kinds a worker can run from a
// manifest or the HTTP API.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sliink/taskworker/internal/core"
	"github.com/sliink/taskworker/pkg/plugin"
)

// ErrUnknownKind is returned for a task kind with no builder
var ErrUnknownKind = errors.New("unknown task kind")

// Spec describes one built-in task
type Spec struct {
	Kind   string            `yaml:"kind" json:"kind" binding:"required"`
	Args   map[string]any    `yaml:"args,omitempty" json:"args,omitempty"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	// Repeat submits the task this many times; zero means once
	Repeat int `yaml:"repeat,omitempty" json:"repeat,omitempty"`
}

type builder func(args map[string]any) (core.Task, error)

var builders = map[string]builder{
	"sleep": buildSleep,
	"echo":  buildEcho,
	"fail":  buildFail,
	"panic": buildPanic,
	"spin":  buildSpin,
}

// Kinds returns the known task kinds, sorted
func Kinds() []string {
	kinds := make([]string, 0, len(builders))
	for kind := range builders {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Build creates the task described by spec
func Build(spec Spec) (core.Task, error) {
	build, ok := builders[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
	task, err := build(spec.Args)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", spec.Kind, err)
	}
	return task, nil
}

// Submissions builds the worker submissions for spec, one per repetition
func (s Spec) Submissions() ([]core.Submission, error) {
	if s.Repeat < 0 {
		return nil, fmt.Errorf("task %s: repeat cannot be negative", s.Kind)
	}
	n := s.Repeat
	if n == 0 {
		n = 1
	}

	result := make([]core.Submission, 0, n)
	for i := 0; i < n; i++ {
		task, err := Build(s)
		if err != nil {
			return nil, err
		}
		result = append(result, core.Submission{
			Kind:   s.Kind,
			Task:   task,
			Labels: s.Labels,
		})
	}
	return result, nil
}

type sleepArgs struct {
	Duration time.Duration `mapstructure:"duration" default:"100ms" validate:"gte=0"`
}

func buildSleep(raw map[string]any) (core.Task, error) {
	var args sleepArgs
	if err := plugin.DecodeConfig(raw, &args); err != nil {
		return nil, err
	}
	return core.TaskFunc(func(ctx context.Context) error {
		timer := time.NewTimer(args.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}), nil
}

type messageArgs struct {
	Message string `mapstructure:"message"`
}

func decodeMessage(raw map[string]any, fallback string) (string, error) {
	args := messageArgs{Message: fallback}
	if err := plugin.DecodeConfig(raw, &args); err != nil {
		return "", err
	}
	if args.Message == "" {
		return fallback, nil
	}
	return args.Message, nil
}

func buildEcho(raw map[string]any) (core.Task, error) {
	message, err := decodeMessage(raw, "hello")
	if err != nil {
		return nil, err
	}
	return core.TaskFunc(func(ctx context.Context) error {
		fields := []zap.Field{zap.String("message", message)}
		if tc, ok := plugin.TaskContextFrom(ctx); ok {
			fields = append(fields, zap.String("task_id", tc.TaskID))
		}
		zap.L().Info("echo", fields...)
		return nil
	}), nil
}

func buildFail(raw map[string]any) (core.Task, error) {
	message, err := decodeMessage(raw, "task failed")
	if err != nil {
		return nil, err
	}
	return core.TaskFunc(func(context.Context) error {
		return errors.New(message)
	}), nil
}

func buildPanic(raw map[string]any) (core.Task, error) {
	message, err := decodeMessage(raw, "task panicked")
	if err != nil {
		return nil, err
	}
	return core.TaskFunc(func(context.Context) error {
		panic(message)
	}), nil
}

type spinArgs struct {
	Iterations int `mapstructure:"iterations" default:"1000000" validate:"gte=1"`
}

func buildSpin(raw map[string]any) (core.Task, error) {
	var args spinArgs
	if err := plugin.DecodeConfig(raw, &args); err != nil {
		return nil, err
	}
	return core.TaskFunc(func(ctx context.Context) error {
		var acc uint64 = 1469598103934665603
		for i := 0; i < args.Iterations; i++ {
			if i&1023 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			acc ^= uint64(i)
			acc *= 1099511628211
		}
		if acc == 0 {
			return errors.New("spin checksum collapsed to zero")
		}
		return nil
	}), nil
}
