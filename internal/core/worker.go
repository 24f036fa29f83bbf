package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sliink/taskworker/internal/model"
	"github.com/sliink/taskworker/pkg/plugin"
)

// ErrNotRunning is returned when a task is submitted to a worker that is not running
var ErrNotRunning = errors.New("worker is not running")

// Submission describes a task handed to the worker
type Submission struct {
	Kind    string
	Task    Task
	Labels  map[string]string
	Attempt int
}

// Option configures a Worker
type Option func(*Worker)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithPluginFactories sets where plugin identifiers are resolved.
// The default is plugin.Default().
func WithPluginFactories(factories *plugin.Registry) Option {
	return func(w *Worker) {
		if factories != nil {
			w.factories = factories
		}
	}
}

// WithMetricsRegistry sets the Prometheus registry the worker and its plugins register on
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(w *Worker) {
		if reg != nil {
			w.promReg = reg
		}
	}
}

// Worker hosts executor plugins and runs tasks on a bounded goroutine pool
type Worker struct {
	cfg       Config
	logger    *zap.Logger
	factories *plugin.Registry
	promReg   *prometheus.Registry
	metrics   *Metrics

	events  *EventBus
	plugins *PluginRegistry
	history *TaskHistory
	health  *HealthMonitor
	hooks   *hookInvoker
	pool    *ants.Pool
	// slots holds one token per pool goroutine; Submit waits here, not in the pool
	slots chan struct{}

	state    model.WorkerState
	stateMu  sync.RWMutex
	inflight sync.WaitGroup

	// lifecycleMu serializes Start and Stop
	lifecycleMu sync.Mutex
	stopOnce    sync.Once
	stopErr     error
	terminated  chan struct{}

	taskCtx     context.Context
	cancelTasks context.CancelFunc
}

// NewWorker creates a worker from cfg. cfg is normalized; an invalid config
// surfaces as an error from Start.
func NewWorker(cfg Config, opts ...Option) *Worker {
	taskCtx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		cfg:         cfg,
		logger:      zap.NewNop(),
		factories:   plugin.Default(),
		events:      NewEventBus(),
		plugins:     NewPluginRegistry(),
		history:     NewTaskHistory(cfg.Worker.HistorySize),
		health:      NewHealthMonitor(),
		state:       model.WorkerCreated,
		terminated:  make(chan struct{}),
		taskCtx:     taskCtx,
		cancelTasks: cancel,
	}
	if w.cfg.Worker.ID == "" {
		w.cfg.Worker.ID = DefaultWorkerID()
	}

	for _, opt := range opts {
		opt(w)
	}
	if w.promReg == nil {
		w.promReg = NewRegistry()
	}
	w.logger = w.logger.With(zap.String("worker_id", w.cfg.Worker.ID))
	w.metrics = NewMetrics(w.promReg)
	w.hooks = &hookInvoker{
		logger:  w.logger.Named("hooks"),
		metrics: w.metrics,
		events:  w.events,
	}

	w.health.RegisterComponent(w)
	w.health.RegisterComponent(w.events)
	w.health.RegisterComponent(w.plugins)
	w.health.RegisterComponent(w.history)
	w.health.AddDetail("plugins", func() any { return w.plugins.Info() })
	w.health.AddDetail("tasks_live", func() any { return w.history.LiveCount() })
	w.health.AddDetail("tasks_finished", func() any { return w.history.Counts() })

	return w
}

// ID returns the worker id
func (w *Worker) ID() string {
	return w.cfg.Worker.ID
}

// Name returns the component name
func (w *Worker) Name() string {
	return "Worker"
}

// GetStatus maps the worker state onto a component status
func (w *Worker) GetStatus() model.ComponentStatus {
	switch w.State() {
	case model.WorkerCreated:
		return model.StatusUninitialized
	case model.WorkerStarting:
		return model.StatusInitialized
	case model.WorkerRunning:
		return model.StatusRunning
	case model.WorkerFailed:
		return model.StatusError
	default:
		return model.StatusStopped
	}
}

// State returns the worker state
func (w *Worker) State() model.WorkerState {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.state
}

func (w *Worker) setState(state model.WorkerState) {
	w.stateMu.Lock()
	w.state = state
	w.stateMu.Unlock()

	w.events.Publish(NewEvent(model.EventWorkerStateChange, w.ID(), state))
}

// Start loads the configured plugins in order and calls Init on each. The
// worker accepts tasks only once every Init has returned. If any plugin
// cannot be built or fails Init, the plugins already initialized are shut
// down, the worker moves to FAILED and the error is returned.
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if state := w.State(); state != model.WorkerCreated {
		return fmt.Errorf("worker cannot start from state %s", state)
	}

	w.events.Initialize()
	w.events.Start()
	w.plugins.Initialize()
	w.history.Initialize()
	w.health.Initialize()
	w.health.Start()

	w.setState(model.WorkerStarting)
	w.logger.Info("starting worker",
		zap.Int("threads", w.cfg.Worker.Threads),
		zap.Strings("plugins", w.cfg.Plugins.Enabled))

	if err := w.start(ctx); err != nil {
		w.logger.Error("worker failed to start", zap.Error(err))
		w.setState(model.WorkerFailed)
		w.teardownComponents()
		w.cancelTasks()
		close(w.terminated)
		return err
	}

	w.plugins.Start()
	w.history.Start()
	w.setState(model.WorkerRunning)
	w.logger.Info("worker running", zap.Int("plugins", w.plugins.Len()))
	return nil
}

func (w *Worker) start(ctx context.Context) error {
	if err := w.cfg.Normalize(); err != nil {
		return err
	}

	pool, err := ants.NewPool(w.cfg.Worker.Threads,
		ants.WithLogger(antsLogger{w.logger.Named("pool").Sugar()}),
		ants.WithPanicHandler(func(v any) {
			w.logger.Error("task goroutine panicked outside task", zap.Any("panic", v))
		}),
	)
	if err != nil {
		return fmt.Errorf("create task pool: %w", err)
	}
	w.pool = pool
	w.slots = make(chan struct{}, w.cfg.Worker.Threads)

	if err := w.loadPlugins(); err != nil {
		w.pool.Release()
		return err
	}

	if err := w.initPlugins(ctx); err != nil {
		w.pool.Release()
		return err
	}
	return nil
}

// loadPlugins builds one instance per configured identifier, in order
func (w *Worker) loadPlugins() error {
	for _, id := range w.cfg.Plugins.Enabled {
		instance, err := w.factories.Create(id, plugin.Settings{
			WorkerID:   w.ID(),
			Config:     w.cfg.PluginConfig(id),
			Logger:     w.logger.Named("plugin." + id),
			Registerer: w.promReg,
		})
		if err != nil {
			return fmt.Errorf("load plugin %s: %w", id, err)
		}
		if err := w.plugins.Add(id, instance); err != nil {
			return fmt.Errorf("load plugin %s: %w", id, err)
		}
		w.logger.Debug("plugin loaded", zap.String("plugin", id))
	}
	return nil
}

// initPlugins calls Init on every loaded plugin in registration order
func (w *Worker) initPlugins(ctx context.Context) error {
	for _, p := range w.plugins.inState(model.PluginUninitialized) {
		w.logger.Info("initializing plugin", zap.String("plugin", p.id))

		err := w.hooks.invoke(p, model.HookInit, "", func() error {
			return p.instance.Init(ctx)
		})
		if err != nil {
			w.transitionPlugin(p.id, model.PluginFailed, err)
			if shutdownErr := w.shutdownPlugins(context.WithoutCancel(ctx)); shutdownErr != nil {
				w.logger.Warn("errors shutting down plugins after failed start", zap.Error(shutdownErr))
			}
			return fmt.Errorf("initialize plugin %s: %w", p.id, err)
		}

		w.transitionPlugin(p.id, model.PluginInitialized, nil)
		w.metrics.PluginsInitialized.Inc()
	}
	return nil
}

func (w *Worker) transitionPlugin(id string, state model.PluginState, err error) {
	w.plugins.SetState(id, state, err)
	w.events.Publish(NewEvent(model.EventPluginStateChange, id, state))
}

// Submit queues a task. It returns ErrNotRunning unless the worker is running.
// While every pool goroutine is busy Submit waits for one to free up, giving
// up when ctx is done or the worker cancels its tasks.
func (w *Worker) Submit(ctx context.Context, sub Submission) (*TaskHandle, error) {
	if sub.Task == nil {
		return nil, errors.New("cannot submit nil task")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.stateMu.RLock()
	if w.state != model.WorkerRunning {
		state := w.state
		w.stateMu.RUnlock()
		return nil, fmt.Errorf("%w: state is %s", ErrNotRunning, state)
	}
	w.inflight.Add(1)
	w.stateMu.RUnlock()

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		w.inflight.Done()
		return nil, fmt.Errorf("submit task: %w", ctx.Err())
	case <-w.taskCtx.Done():
		w.inflight.Done()
		return nil, fmt.Errorf("submit task: %w", ErrNotRunning)
	}

	kind := sub.Kind
	if kind == "" {
		kind = "anonymous"
	}
	attempt := sub.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	record := model.TaskRecord{
		ID:          uuid.NewString(),
		Kind:        kind,
		Attempt:     attempt,
		State:       model.TaskQueued,
		Labels:      copyLabels(sub.Labels),
		SubmittedAt: time.Now(),
	}
	handle := newTaskHandle(record)
	w.history.Track(record)

	if err := w.pool.Submit(func() { w.runTask(handle, sub.Task) }); err != nil {
		record.State = model.TaskFailed
		record.Error = "rejected: " + err.Error()
		record.FinishedAt = time.Now()
		w.history.Finish(record)
		handle.finish(record, err)
		<-w.slots
		w.inflight.Done()
		return nil, fmt.Errorf("submit task: %w", err)
	}

	return handle, nil
}

// Run submits a task and waits for it to finish
func (w *Worker) Run(ctx context.Context, sub Submission) (model.TaskRecord, error) {
	handle, err := w.Submit(ctx, sub)
	if err != nil {
		return model.TaskRecord{}, err
	}
	return handle.Wait(ctx)
}

// runTask executes on a pool goroutine. Plugins see OnTaskStart, then exactly
// one of OnTaskSucceeded or OnTaskFailed, all on this goroutine. Hook failures
// never change the task outcome.
func (w *Worker) runTask(handle *TaskHandle, task Task) {
	defer w.inflight.Done()
	defer func() { <-w.slots }()

	record := handle.Record()
	tc := &plugin.TaskContext{
		TaskID:    record.ID,
		Kind:      record.Kind,
		Attempt:   record.Attempt,
		WorkerID:  w.ID(),
		StartedAt: time.Now(),
		Labels:    copyLabels(record.Labels),
	}

	record.State = model.TaskRunning
	record.StartedAt = tc.StartedAt
	handle.update(record)
	w.history.Track(record)
	w.metrics.TasksRunning.Inc()
	w.events.Publish(NewEvent(model.EventTaskStarted, w.ID(), record))

	plugins := w.plugins.inState(model.PluginInitialized)
	failures := w.hooks.taskStart(plugins, tc)

	ctx := plugin.WithTaskContext(w.taskCtx, tc)
	runStarted := time.Now()
	err := callSafely(func() error { return task.Run(ctx) })
	finishedAt := time.Now()

	if err == nil {
		failures += w.hooks.taskSucceeded(plugins, tc)
	} else {
		failures += w.hooks.taskFailed(plugins, tc, err)
	}

	w.metrics.TasksRunning.Dec()
	w.metrics.TaskDuration.Observe(finishedAt.Sub(runStarted).Seconds())

	record.FinishedAt = finishedAt
	record.HookFailures = failures

	logFields := []zap.Field{
		zap.String("task_id", record.ID),
		zap.String("kind", record.Kind),
		zap.Duration("duration", record.Duration()),
	}
	if err == nil {
		record.State = model.TaskSucceeded
		w.metrics.TasksTotal.WithLabelValues("succeeded").Inc()
		w.logger.Debug("task succeeded", logFields...)
		w.history.Finish(record)
		w.events.Publish(NewEvent(model.EventTaskSucceeded, w.ID(), record))
	} else {
		record.State = model.TaskFailed
		record.Error = err.Error()
		w.metrics.TasksTotal.WithLabelValues("failed").Inc()
		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			logFields = append(logFields, zap.ByteString("panic_stack", panicErr.Stack))
		}
		w.logger.Info("task failed", append(logFields, zap.Error(err))...)
		w.history.Finish(record)
		w.events.Publish(NewEvent(model.EventTaskFailed, w.ID(), record))
	}

	handle.finish(record, err)
}

// Stop shuts the worker down: new tasks are rejected, running tasks are
// awaited, then every initialized plugin's Shutdown is called in
// registration order and waited for. If ctx ends while tasks are still
// running, their contexts are cancelled but the worker keeps waiting for
// them. Plugin Shutdown calls are never abandoned. Stop is idempotent and
// returns the joined plugin shutdown errors once teardown has completed.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.lifecycleMu.Lock()
		defer w.lifecycleMu.Unlock()
		w.stopErr = w.stop(ctx)
	})
	<-w.terminated
	return w.stopErr
}

func (w *Worker) stop(ctx context.Context) error {
	w.stateMu.Lock()
	prev := w.state
	switch prev {
	case model.WorkerFailed, model.WorkerStopped:
		w.stateMu.Unlock()
		return nil
	case model.WorkerCreated:
		w.state = model.WorkerStopped
		w.stateMu.Unlock()
		w.cancelTasks()
		close(w.terminated)
		return nil
	}
	w.state = model.WorkerStopping
	w.stateMu.Unlock()
	w.events.Publish(NewEvent(model.EventWorkerStateChange, w.ID(), model.WorkerStopping))

	w.logger.Info("stopping worker", zap.Int("live_tasks", w.history.LiveCount()))
	w.drain(ctx)
	w.pool.Release()

	err := w.shutdownPlugins(context.WithoutCancel(ctx))

	w.setState(model.WorkerStopped)
	w.teardownComponents()
	w.cancelTasks()
	w.logger.Info("worker stopped")
	close(w.terminated)
	return err
}

// drain waits for in-flight tasks
func (w *Worker) drain(ctx context.Context) {
	drained := make(chan struct{})
	go func() {
		w.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return
	case <-ctx.Done():
		w.logger.Warn("stop deadline passed with tasks running, cancelling task contexts",
			zap.Int("live_tasks", w.history.LiveCount()))
		w.cancelTasks()
		<-drained
	}
}

// shutdownPlugins calls Shutdown on every initialized plugin in registration
// order, blocking on each. Failures are logged and do not stop the sequence.
func (w *Worker) shutdownPlugins(ctx context.Context) error {
	var errs []error
	for _, p := range w.plugins.inState(model.PluginInitialized) {
		w.transitionPlugin(p.id, model.PluginShuttingDown, nil)
		w.logger.Info("shutting down plugin", zap.String("plugin", p.id))

		err := w.awaitShutdown(ctx, p)
		w.transitionPlugin(p.id, model.PluginTerminated, err)
		w.metrics.PluginsInitialized.Dec()
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// awaitShutdown blocks until p.Shutdown returns, warning periodically
func (w *Worker) awaitShutdown(ctx context.Context, p hostedPlugin) error {
	done := make(chan error, 1)
	go func() {
		done <- w.hooks.invoke(p, model.HookShutdown, "", func() error {
			return p.instance.Shutdown(ctx)
		})
	}()

	interval := w.cfg.Worker.ShutdownWarnInterval
	if interval <= 0 {
		return <-done
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	started := time.Now()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			w.logger.Warn("still waiting for plugin shutdown",
				zap.String("plugin", p.id),
				zap.Duration("waited", time.Since(started)))
		}
	}
}

func (w *Worker) teardownComponents() {
	w.history.Stop()
	w.plugins.Stop()
	w.health.Stop()
	w.events.Stop()
}

// Terminated is closed when the worker has completed teardown, whether after
// Stop or after a failed Start
func (w *Worker) Terminated() <-chan struct{} {
	return w.terminated
}

// Plugins describes the hosted plugin instances in registration order
func (w *Worker) Plugins() []model.PluginInfo {
	return w.plugins.Info()
}

// Plugin describes one hosted plugin instance
func (w *Worker) Plugin(id string) (model.PluginInfo, bool) {
	for _, info := range w.plugins.Info() {
		if info.ID == id {
			return info, true
		}
	}
	return model.PluginInfo{}, false
}

// Task returns the record of a task
func (w *Worker) Task(id string) (model.TaskRecord, bool) {
	return w.history.Get(id)
}

// Tasks lists task records, see TaskHistory.List
func (w *Worker) Tasks(state model.TaskState, limit int) []model.TaskRecord {
	return w.history.List(state, limit)
}

// Health returns the aggregated health status
func (w *Worker) Health() model.HealthStatus {
	return w.health.GetHealthStatus()
}

// Events returns the worker's event bus
func (w *Worker) Events() *EventBus {
	return w.events
}

// MetricsRegistry returns the registry the worker's collectors live on
func (w *Worker) MetricsRegistry() *prometheus.Registry {
	return w.promReg
}

// Config returns the worker configuration
func (w *Worker) Config() Config {
	return w.cfg
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// antsLogger adapts zap to the ants pool logger
type antsLogger struct {
	*zap.SugaredLogger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}
