package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sliink/taskworker/internal/model"
	"github.com/sliink/taskworker/pkg/plugin"
)

func TestWorkerInitRunsOnceBeforeTaskHooks(t *testing.T) {
	j := &journal{}
	p := newRecordingPlugin("p1", j)
	w := newTestWorker(t, nil, p)

	require.NoError(t, w.Start(context.Background()))
	defer stopWorker(t, w)

	assert.Equal(t, model.WorkerRunning, w.State())
	assert.Equal(t, 1, p.count(model.HookInit))

	for i := 0; i < 3; i++ {
		_, err := w.Run(context.Background(), Submission{Kind: "ok", Task: succeedTask()})
		require.NoError(t, err)
	}

	calls := p.snapshot()
	require.NotEmpty(t, calls)
	assert.Equal(t, model.HookInit, calls[0].hook)
	assert.Equal(t, 1, p.count(model.HookInit))
	assert.Equal(t, 3, p.count(model.HookOnTaskStart))
}

func TestWorkerTaskHookOrdering(t *testing.T) {
	t.Run("Successful task gets start then succeeded", func(t *testing.T) {
		p := newRecordingPlugin("p1", nil)
		w := newTestWorker(t, nil, p)
		require.NoError(t, w.Start(context.Background()))
		defer stopWorker(t, w)

		record, err := w.Run(context.Background(), Submission{Kind: "ok", Task: succeedTask()})
		require.NoError(t, err)
		assert.Equal(t, model.TaskSucceeded, record.State)

		calls := p.callsFor(record.ID)
		require.Len(t, calls, 2)
		assert.Equal(t, model.HookOnTaskStart, calls[0].hook)
		assert.Equal(t, model.HookOnTaskSucceeded, calls[1].hook)
		assert.Zero(t, p.count(model.HookOnTaskFailed))
	})

	t.Run("Failing task gets start then failed with cause", func(t *testing.T) {
		p := newRecordingPlugin("p1", nil)
		w := newTestWorker(t, nil, p)
		require.NoError(t, w.Start(context.Background()))
		defer stopWorker(t, w)

		cause := errors.New("business logic failed")
		record, err := w.Run(context.Background(), Submission{Kind: "bad", Task: failTask(cause)})
		require.NoError(t, err)
		assert.Equal(t, model.TaskFailed, record.State)
		assert.Equal(t, cause.Error(), record.Error)

		calls := p.callsFor(record.ID)
		require.Len(t, calls, 2)
		assert.Equal(t, model.HookOnTaskStart, calls[0].hook)
		assert.Equal(t, model.HookOnTaskFailed, calls[1].hook)
		assert.ErrorIs(t, calls[1].cause, cause)
		assert.Zero(t, p.count(model.HookOnTaskSucceeded))
	})
}

func TestWorkerTerminalHookFiresAfterFailedStart(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(p *recordingPlugin)
	}{
		{name: "OnTaskStart returns error", setup: func(p *recordingPlugin) { p.startErr = errors.New("nope") }},
		{name: "OnTaskStart panics", setup: func(p *recordingPlugin) { p.startPanic = true }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := newRecordingPlugin("p1", nil)
			tc.setup(p)
			w := newTestWorker(t, nil, p)
			require.NoError(t, w.Start(context.Background()))
			defer stopWorker(t, w)

			record, err := w.Run(context.Background(), Submission{Kind: "ok", Task: succeedTask()})
			require.NoError(t, err)

			assert.Equal(t, model.TaskSucceeded, record.State)
			assert.Equal(t, 1, record.HookFailures)

			calls := p.callsFor(record.ID)
			require.Len(t, calls, 2)
			assert.Equal(t, model.HookOnTaskStart, calls[0].hook)
			assert.Equal(t, model.HookOnTaskSucceeded, calls[1].hook)
		})
	}
}

func TestWorkerSuppressesTaskHookFailures(t *testing.T) {
	taskErr := errors.New("task error")

	testCases := []struct {
		name      string
		setup     func(p *recordingPlugin)
		task      Task
		wantState model.TaskState
	}{
		{
			name:      "Succeeded hook error keeps task successful",
			setup:     func(p *recordingPlugin) { p.succeededErr = errors.New("hook error") },
			task:      succeedTask(),
			wantState: model.TaskSucceeded,
		},
		{
			name:      "Succeeded hook panic keeps task successful",
			setup:     func(p *recordingPlugin) { p.succeededPanic = true },
			task:      succeedTask(),
			wantState: model.TaskSucceeded,
		},
		{
			name: "Every hook failing keeps task successful",
			setup: func(p *recordingPlugin) {
				p.startPanic = true
				p.succeededErr = errors.New("hook error")
			},
			task:      succeedTask(),
			wantState: model.TaskSucceeded,
		},
		{
			name:      "Failed hook error keeps the task's own cause",
			setup:     func(p *recordingPlugin) { p.failedErr = errors.New("hook error") },
			task:      failTask(taskErr),
			wantState: model.TaskFailed,
		},
		{
			name:      "Failed hook panic keeps the task's own cause",
			setup:     func(p *recordingPlugin) { p.failedPanic = true },
			task:      failTask(taskErr),
			wantState: model.TaskFailed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := newRecordingPlugin("p1", nil)
			tc.setup(p)
			w := newTestWorker(t, nil, p)
			require.NoError(t, w.Start(context.Background()))
			defer stopWorker(t, w)

			handle, err := w.Submit(context.Background(), Submission{Kind: "k", Task: tc.task})
			require.NoError(t, err)
			record, err := handle.Wait(context.Background())
			require.NoError(t, err)

			assert.Equal(t, tc.wantState, record.State)
			assert.GreaterOrEqual(t, record.HookFailures, 1)
			if tc.wantState == model.TaskFailed {
				assert.ErrorIs(t, handle.Err(), taskErr)
				assert.Equal(t, taskErr.Error(), record.Error)
			} else {
				assert.NoError(t, handle.Err())
				assert.Empty(t, record.Error)
			}
		})
	}
}

func TestWorkerShutdownBlocksTeardown(t *testing.T) {
	p := newRecordingPlugin("slow", nil)
	p.shutdownDelay = 150 * time.Millisecond
	w := newTestWorker(t, nil, p)
	require.NoError(t, w.Start(context.Background()))

	_, err := w.Run(context.Background(), Submission{Kind: "ok", Task: succeedTask()})
	require.NoError(t, err)

	flagAtTeardown := make(chan bool, 1)
	go func() {
		<-w.Terminated()
		flagAtTeardown <- p.shutdownDone.Load()
	}()

	start := time.Now()
	require.NoError(t, w.Stop(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), p.shutdownDelay)
	assert.True(t, p.shutdownDone.Load())

	select {
	case done := <-flagAtTeardown:
		assert.True(t, done, "teardown completed before plugin shutdown returned")
	case <-time.After(time.Second):
		t.Fatal("worker never signalled teardown")
	}

	assert.Equal(t, model.WorkerStopped, w.State())

	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, 1, p.count(model.HookShutdown))

	info, ok := w.Plugin("slow")
	require.True(t, ok)
	assert.Equal(t, model.PluginTerminated, info.State)
}

func TestWorkerTwoPluginsFailingTask(t *testing.T) {
	j := &journal{}
	p1 := newRecordingPlugin("p1", j)
	p2 := newRecordingPlugin("p2", j)
	w := newTestWorker(t, nil, p1, p2)
	require.NoError(t, w.Start(context.Background()))
	defer stopWorker(t, w)

	cause := errors.New("division by zero")
	record, err := w.Run(context.Background(), Submission{Kind: "divide", Task: failTask(cause)})
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, record.State)

	for _, p := range []*recordingPlugin{p1, p2} {
		calls := p.callsFor(record.ID)
		require.Len(t, calls, 2, p.name)
		assert.Equal(t, model.HookOnTaskStart, calls[0].hook)
		assert.Equal(t, model.HookOnTaskFailed, calls[1].hook)
		assert.ErrorIs(t, calls[1].cause, cause)
		assert.Zero(t, p.count(model.HookOnTaskSucceeded))
	}

	id := record.ID
	assert.Equal(t, []string{
		"p1:init:",
		"p2:init:",
		"p1:on_task_start:" + id,
		"p2:on_task_start:" + id,
		"p1:on_task_failed:" + id,
		"p2:on_task_failed:" + id,
	}, j.snapshot())
}

func TestWorkerShutdownOrderAndTaskDrain(t *testing.T) {
	j := &journal{}
	p1 := newRecordingPlugin("p1", j)
	p2 := newRecordingPlugin("p2", j)
	w := newTestWorker(t, nil, p1, p2)
	require.NoError(t, w.Start(context.Background()))

	release := make(chan struct{})
	running := make(chan struct{})
	handle, err := w.Submit(context.Background(), Submission{Kind: "block", Task: TaskFunc(func(context.Context) error {
		close(running)
		<-release
		return nil
	})})
	require.NoError(t, err)
	<-running

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return w.State() == model.WorkerStopping }, time.Second, 5*time.Millisecond)
	_, err = w.Submit(context.Background(), Submission{Kind: "late", Task: succeedTask()})
	assert.ErrorIs(t, err, ErrNotRunning)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, p1.count(model.HookShutdown), "shutdown ran while a task was in flight")

	close(release)
	require.NoError(t, <-stopped)

	id := handle.ID()
	assert.Equal(t, []string{
		"p1:init:",
		"p2:init:",
		"p1:on_task_start:" + id,
		"p2:on_task_start:" + id,
		"p1:on_task_succeeded:" + id,
		"p2:on_task_succeeded:" + id,
		"p1:shutdown:",
		"p2:shutdown:",
	}, j.snapshot())
}

func TestWorkerInitFailurePropagates(t *testing.T) {
	initErr := errors.New("cannot reach metrics sink")

	j := &journal{}
	p1 := newRecordingPlugin("p1", j)
	p2 := newRecordingPlugin("p2", j)
	p2.initErr = initErr
	p3 := newRecordingPlugin("p3", j)
	w := newTestWorker(t, nil, p1, p2, p3)

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, initErr)

	var hookErr *HookError
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, "p2", hookErr.PluginID)
	assert.Equal(t, model.HookInit, hookErr.Hook)

	assert.Equal(t, model.WorkerFailed, w.State())
	assert.Equal(t, []string{"p1:init:", "p2:init:", "p1:shutdown:"}, j.snapshot())

	select {
	case <-w.Terminated():
	default:
		t.Fatal("failed worker should be terminated")
	}

	_, err = w.Submit(context.Background(), Submission{Kind: "ok", Task: succeedTask()})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.NoError(t, w.Stop(context.Background()))

	states := map[string]model.PluginState{}
	for _, info := range w.Plugins() {
		states[info.ID] = info.State
	}
	assert.Equal(t, model.PluginTerminated, states["p1"])
	assert.Equal(t, model.PluginFailed, states["p2"])
	assert.Equal(t, model.PluginUninitialized, states["p3"])
}

func TestWorkerInitPanicPropagates(t *testing.T) {
	p := newRecordingPlugin("p1", nil)
	p.initPanic = true
	w := newTestWorker(t, nil, p)

	err := w.Start(context.Background())
	require.Error(t, err)

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "init exploded", panicErr.Value)
	assert.Zero(t, p.count(model.HookShutdown))
}

func TestWorkerUnknownPluginFailsStart(t *testing.T) {
	cfg := testConfig()
	cfg.Plugins.Enabled = []string{"does-not-exist"}
	w := NewWorker(cfg, WithPluginFactories(plugin.NewRegistry()))

	err := w.Start(context.Background())
	assert.ErrorIs(t, err, plugin.ErrUnknownPlugin)
	assert.Equal(t, model.WorkerFailed, w.State())
}

func TestWorkerInvalidConfigFailsStart(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.Threads = 0
	w := NewWorker(cfg, WithPluginFactories(plugin.NewRegistry()))

	err := w.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Threads")
}

func TestWorkerShutdownFailureContinues(t *testing.T) {
	shutdownErr := errors.New("flush failed")

	p1 := newRecordingPlugin("p1", nil)
	p1.shutdownErr = shutdownErr
	p2 := newRecordingPlugin("p2", nil)
	w := newTestWorker(t, nil, p1, p2)
	require.NoError(t, w.Start(context.Background()))

	err := w.Stop(context.Background())
	assert.ErrorIs(t, err, shutdownErr)
	assert.Equal(t, 1, p2.count(model.HookShutdown))
	assert.Equal(t, model.WorkerStopped, w.State())

	info, ok := w.Plugin("p1")
	require.True(t, ok)
	assert.Equal(t, model.PluginTerminated, info.State)
	assert.Contains(t, info.Error, "flush failed")
}

func TestWorkerStartTwiceFails(t *testing.T) {
	w := newTestWorker(t, nil)
	require.NoError(t, w.Start(context.Background()))
	defer stopWorker(t, w)

	assert.Error(t, w.Start(context.Background()))
}

func TestWorkerStopBeforeStart(t *testing.T) {
	p := newRecordingPlugin("p1", nil)
	w := newTestWorker(t, nil, p)

	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, model.WorkerStopped, w.State())
	assert.Zero(t, p.count(model.HookInit))
	assert.Zero(t, p.count(model.HookShutdown))
	assert.Error(t, w.Start(context.Background()))
}

func TestWorkerSubmitRejections(t *testing.T) {
	w := newTestWorker(t, nil)

	_, err := w.Submit(context.Background(), Submission{Kind: "ok", Task: succeedTask()})
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, w.Start(context.Background()))

	_, err = w.Submit(context.Background(), Submission{Kind: "nil"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Submit(ctx, Submission{Kind: "ok", Task: succeedTask()})
	assert.ErrorIs(t, err, context.Canceled)

	stopWorker(t, w)
	_, err = w.Submit(context.Background(), Submission{Kind: "ok", Task: succeedTask()})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestWorkerTaskPanicIsFailure(t *testing.T) {
	p := newRecordingPlugin("p1", nil)
	w := newTestWorker(t, nil, p)
	require.NoError(t, w.Start(context.Background()))
	defer stopWorker(t, w)

	record, err := w.Run(context.Background(), Submission{Kind: "boom", Task: TaskFunc(func(context.Context) error {
		panic("kaboom")
	})})
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, record.State)
	assert.Contains(t, record.Error, "kaboom")

	calls := p.callsFor(record.ID)
	require.Len(t, calls, 2)
	var panicErr *PanicError
	assert.ErrorAs(t, calls[1].cause, &panicErr)
}

func TestWorkerTaskSeesTaskContext(t *testing.T) {
	w := newTestWorker(t, nil)
	require.NoError(t, w.Start(context.Background()))
	defer stopWorker(t, w)

	var seen *plugin.TaskContext
	record, err := w.Run(context.Background(), Submission{
		Kind:    "inspect",
		Attempt: 2,
		Labels:  map[string]string{"stage": "7"},
		Task: TaskFunc(func(ctx context.Context) error {
			tc, ok := plugin.TaskContextFrom(ctx)
			if !ok {
				return errors.New("no task context")
			}
			seen = tc
			return nil
		}),
	})
	require.NoError(t, err)
	require.Equal(t, model.TaskSucceeded, record.State)

	require.NotNil(t, seen)
	assert.Equal(t, record.ID, seen.TaskID)
	assert.Equal(t, "inspect", seen.Kind)
	assert.Equal(t, 2, seen.Attempt)
	assert.Equal(t, "test-worker", seen.WorkerID)
	assert.Equal(t, "7", seen.Label("stage"))
}

func TestWorkerConcurrentTasks(t *testing.T) {
	p1 := newRecordingPlugin("p1", nil)
	p2 := newRecordingPlugin("p2", nil)
	w := newTestWorker(t, nil, p1, p2)
	require.NoError(t, w.Start(context.Background()))

	const n = 60
	var wg sync.WaitGroup
	handles := make(chan *TaskHandle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := succeedTask()
			if i%3 == 0 {
				task = failTask(fmt.Errorf("task %d failed", i))
			}
			h, err := w.Submit(context.Background(), Submission{Kind: "mixed", Task: task})
			if assert.NoError(t, err) {
				handles <- h
			}
		}(i)
	}
	wg.Wait()
	close(handles)

	for h := range handles {
		record, err := h.Wait(context.Background())
		require.NoError(t, err)
		for _, p := range []*recordingPlugin{p1, p2} {
			calls := p.callsFor(record.ID)
			require.Len(t, calls, 2)
			assert.Equal(t, model.HookOnTaskStart, calls[0].hook)
			if record.State == model.TaskSucceeded {
				assert.Equal(t, model.HookOnTaskSucceeded, calls[1].hook)
			} else {
				assert.Equal(t, model.HookOnTaskFailed, calls[1].hook)
			}
		}
	}

	require.NoError(t, w.Stop(context.Background()))
	for _, p := range []*recordingPlugin{p1, p2} {
		assert.Equal(t, n, p.count(model.HookOnTaskStart))
		assert.Equal(t, n, p.count(model.HookOnTaskSucceeded)+p.count(model.HookOnTaskFailed))
		assert.Equal(t, n/3, p.count(model.HookOnTaskFailed))
		assert.Equal(t, 1, p.count(model.HookShutdown))
	}

	counts := w.history.Counts()
	assert.Equal(t, n/3, counts[model.TaskFailed])
	assert.Equal(t, n-n/3, counts[model.TaskSucceeded])
}

func TestWorkerStopDeadlineCancelsTasks(t *testing.T) {
	w := newTestWorker(t, nil)
	require.NoError(t, w.Start(context.Background()))

	running := make(chan struct{})
	handle, err := w.Submit(context.Background(), Submission{Kind: "wait", Task: TaskFunc(func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	})})
	require.NoError(t, err)
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	record := handle.Record()
	assert.Equal(t, model.TaskFailed, record.State)
	assert.ErrorIs(t, handle.Err(), context.Canceled)
}

func TestWorkerHookFailureObservability(t *testing.T) {
	observed, logs := observer.New(zapcore.DebugLevel)
	p := newRecordingPlugin("flaky", nil)
	p.startErr = errors.New("counter overflow")
	w := newTestWorker(t, zap.New(observed), p)

	var events []Event
	var mu sync.Mutex
	require.NoError(t, w.Start(context.Background()))
	defer stopWorker(t, w)
	w.Events().Subscribe(model.EventHookFailed, "test", func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	record, err := w.Run(context.Background(), Submission{Kind: "ok", Task: succeedTask()})
	require.NoError(t, err)

	t.Run("Failure is logged as suppressed", func(t *testing.T) {
		entries := logs.FilterMessage("plugin hook failed, suppressing").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, "flaky", fields["plugin"])
		assert.Equal(t, string(model.HookOnTaskStart), fields["hook"])
		assert.Equal(t, record.ID, fields["task_id"])
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	})

	t.Run("Failure is counted", func(t *testing.T) {
		m := &dto.Metric{}
		require.NoError(t, w.metrics.HookFailures.WithLabelValues("flaky", string(model.HookOnTaskStart)).Write(m))
		assert.Equal(t, float64(1), m.GetCounter().GetValue())

		m = &dto.Metric{}
		require.NoError(t, w.metrics.TasksTotal.WithLabelValues("succeeded").Write(m))
		assert.Equal(t, float64(1), m.GetCounter().GetValue())
	})

	t.Run("Failure is published", func(t *testing.T) {
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, events, 1)
		failure, ok := events[0].Data.(model.HookFailure)
		require.True(t, ok)
		assert.Equal(t, "flaky", failure.PluginID)
		assert.Equal(t, record.ID, failure.TaskID)
		assert.Equal(t, "counter overflow", failure.Error)
	})
}

func TestWorkerWarnsWhileShutdownBlocks(t *testing.T) {
	observed, logs := observer.New(zapcore.WarnLevel)
	p := newRecordingPlugin("slow", nil)
	p.shutdownDelay = 80 * time.Millisecond

	cfg := testConfig()
	cfg.Worker.ShutdownWarnInterval = 10 * time.Millisecond
	w := newTestWorkerWithConfig(t, cfg, zap.New(observed), p)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop(context.Background()))

	entries := logs.FilterMessage("still waiting for plugin shutdown").All()
	assert.NotEmpty(t, entries)
	assert.True(t, p.shutdownDone.Load())
}

func TestWorkerHealth(t *testing.T) {
	p := newRecordingPlugin("p1", nil)
	w := newTestWorker(t, nil, p)

	require.NoError(t, w.Start(context.Background()))
	health := w.Health()
	assert.Equal(t, model.StatusRunning, health.Status)
	assert.Contains(t, health.Components, "test-worker")
	assert.Contains(t, health.Details, "plugins")

	require.NoError(t, w.Stop(context.Background()))
	health = w.Health()
	assert.Equal(t, model.StatusStopped, health.Status)
}

func TestWorkerTaskLookup(t *testing.T) {
	w := newTestWorker(t, nil)
	require.NoError(t, w.Start(context.Background()))
	defer stopWorker(t, w)

	record, err := w.Run(context.Background(), Submission{Kind: "ok", Task: succeedTask(), Labels: map[string]string{"a": "b"}})
	require.NoError(t, err)

	got, ok := w.Task(record.ID)
	require.True(t, ok)
	assert.Equal(t, model.TaskSucceeded, got.State)
	assert.Equal(t, "b", got.Labels["a"])
	assert.False(t, got.FinishedAt.Before(got.StartedAt))

	_, ok = w.Task("missing")
	assert.False(t, ok)

	assert.Len(t, w.Tasks(model.TaskSucceeded, 0), 1)
	assert.Empty(t, w.Tasks(model.TaskFailed, 0))
}

func recordWorkerStates(w *Worker) func() []model.WorkerState {
	var mu sync.Mutex
	var states []model.WorkerState
	w.Events().Subscribe(model.EventWorkerStateChange, "states", func(e Event) {
		mu.Lock()
		states = append(states, e.Data.(model.WorkerState))
		mu.Unlock()
	})
	return func() []model.WorkerState {
		mu.Lock()
		defer mu.Unlock()
		return append([]model.WorkerState(nil), states...)
	}
}

func TestWorkerPublishesFinalState(t *testing.T) {
	t.Run("Stop", func(t *testing.T) {
		w := newTestWorker(t, nil, newRecordingPlugin("p1", nil))
		states := recordWorkerStates(w)

		require.NoError(t, w.Start(context.Background()))
		require.NoError(t, w.Stop(context.Background()))

		assert.Equal(t, []model.WorkerState{
			model.WorkerStarting,
			model.WorkerRunning,
			model.WorkerStopping,
			model.WorkerStopped,
		}, states())
	})

	t.Run("Failed start", func(t *testing.T) {
		p := newRecordingPlugin("broken", nil)
		p.initErr = errors.New("no disk")
		w := newTestWorker(t, nil, p)
		states := recordWorkerStates(w)

		require.Error(t, w.Start(context.Background()))

		assert.Equal(t, []model.WorkerState{model.WorkerStarting, model.WorkerFailed}, states())
	})
}

func TestWorkerSubmitHonoursContextWhenSaturated(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.Threads = 1
	w := newTestWorkerWithConfig(t, cfg, nil)
	require.NoError(t, w.Start(context.Background()))
	defer stopWorker(t, w)

	running := make(chan struct{})
	release := make(chan struct{})
	busy, err := w.Submit(context.Background(), Submission{Kind: "hold", Task: TaskFunc(func(context.Context) error {
		close(running)
		<-release
		return nil
	})})
	require.NoError(t, err)
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err = w.Submit(ctx, Submission{Kind: "queued", Task: succeedTask()})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
	assert.Len(t, w.Tasks("", 0), 1, "an abandoned submission leaves no record")

	close(release)
	_, err = busy.Wait(context.Background())
	require.NoError(t, err)

	record, err := w.Run(context.Background(), Submission{Kind: "after", Task: succeedTask()})
	require.NoError(t, err)
	assert.Equal(t, model.TaskSucceeded, record.State)
}

func TestWorkerTaskDurationExcludesHooks(t *testing.T) {
	p := newRecordingPlugin("slow-start", nil)
	p.startDelay = 100 * time.Millisecond
	w := newTestWorker(t, nil, p)
	require.NoError(t, w.Start(context.Background()))
	defer stopWorker(t, w)

	_, err := w.Run(context.Background(), Submission{Kind: "ok", Task: succeedTask()})
	require.NoError(t, err)

	m := &dto.Metric{}
	require.NoError(t, w.metrics.TaskDuration.Write(m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	assert.Less(t, m.GetHistogram().GetSampleSum(), 0.05)
}
