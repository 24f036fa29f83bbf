package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sliink/taskworker/internal/model"
	"github.com/sliink/taskworker/pkg/plugin"
)

// journal is an ordered log shared by several test plugins
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type hookCall struct {
	hook   model.Hook
	taskID string
	cause  error
}

// recordingPlugin records every hook it receives and fails on demand
type recordingPlugin struct {
	name    string
	journal *journal

	initErr     error
	initPanic   bool
	shutdownErr error

	startErr       error
	startPanic     bool
	succeededErr   error
	succeededPanic bool
	failedErr      error
	failedPanic    bool

	startDelay    time.Duration
	shutdownDelay time.Duration
	shutdownDone  atomic.Bool

	mu    sync.Mutex
	calls []hookCall
}

func newRecordingPlugin(name string, j *journal) *recordingPlugin {
	return &recordingPlugin{name: name, journal: j}
}

func (p *recordingPlugin) record(hook model.Hook, taskID string, cause error) {
	p.mu.Lock()
	p.calls = append(p.calls, hookCall{hook: hook, taskID: taskID, cause: cause})
	p.mu.Unlock()
	if p.journal != nil {
		p.journal.add(fmt.Sprintf("%s:%s:%s", p.name, hook, taskID))
	}
}

func (p *recordingPlugin) Init(context.Context) error {
	p.record(model.HookInit, "", nil)
	if p.initPanic {
		panic("init exploded")
	}
	return p.initErr
}

func (p *recordingPlugin) Shutdown(context.Context) error {
	p.record(model.HookShutdown, "", nil)
	if p.shutdownDelay > 0 {
		time.Sleep(p.shutdownDelay)
	}
	p.shutdownDone.Store(true)
	return p.shutdownErr
}

func (p *recordingPlugin) OnTaskStart(tc *plugin.TaskContext) error {
	p.record(model.HookOnTaskStart, tc.TaskID, nil)
	if p.startDelay > 0 {
		time.Sleep(p.startDelay)
	}
	if p.startPanic {
		panic("start exploded")
	}
	return p.startErr
}

func (p *recordingPlugin) OnTaskSucceeded(tc *plugin.TaskContext) error {
	p.record(model.HookOnTaskSucceeded, tc.TaskID, nil)
	if p.succeededPanic {
		panic("succeeded exploded")
	}
	return p.succeededErr
}

func (p *recordingPlugin) OnTaskFailed(tc *plugin.TaskContext, cause error) error {
	p.record(model.HookOnTaskFailed, tc.TaskID, cause)
	if p.failedPanic {
		panic(errors.New("failed exploded"))
	}
	return p.failedErr
}

func (p *recordingPlugin) snapshot() []hookCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]hookCall(nil), p.calls...)
}

func (p *recordingPlugin) count(hook model.Hook) int {
	n := 0
	for _, c := range p.snapshot() {
		if c.hook == hook {
			n++
		}
	}
	return n
}

func (p *recordingPlugin) callsFor(taskID string) []hookCall {
	var result []hookCall
	for _, c := range p.snapshot() {
		if c.taskID == taskID {
			result = append(result, c)
		}
	}
	return result
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Worker.ID = "test-worker"
	cfg.Worker.Threads = 4
	cfg.Worker.ShutdownWarnInterval = 0
	cfg.Worker.HistorySize = 100
	return *cfg
}

// newTestWorker builds a worker hosting the given plugins in order
func newTestWorker(t *testing.T, logger *zap.Logger, plugins ...*recordingPlugin) *Worker {
	t.Helper()
	cfg := testConfig()
	return newTestWorkerWithConfig(t, cfg, logger, plugins...)
}

func newTestWorkerWithConfig(t *testing.T, cfg Config, logger *zap.Logger, plugins ...*recordingPlugin) *Worker {
	t.Helper()

	factories := plugin.NewRegistry()
	for _, p := range plugins {
		instance := p
		require.NoError(t, factories.Register(p.name, func(plugin.Settings) (plugin.ExecutorPlugin, error) {
			return instance, nil
		}))
		cfg.Plugins.Enabled = append(cfg.Plugins.Enabled, p.name)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return NewWorker(cfg,
		WithLogger(logger),
		WithPluginFactories(factories),
		WithMetricsRegistry(prometheus.NewRegistry()),
	)
}

func succeedTask() Task {
	return TaskFunc(func(context.Context) error { return nil })
}

func failTask(err error) Task {
	return TaskFunc(func(context.Context) error { return err })
}

func stopWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = w.Stop(ctx)
}
