// Package stdout provides a plugin that prints one line per task lifecycle event.
package stdout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/sliink/taskworker/pkg/plugin"
)

// ID is the identifier the plugin is registered under
const ID = "stdout"

// Config controls the output format
type Config struct {
	Format   string `mapstructure:"format" default:"text" validate:"oneof=text json"`
	Colorize bool   `mapstructure:"colorize"`
	Target   string `mapstructure:"target" default:"stdout" validate:"oneof=stdout stderr"`
}

// Plugin writes task lifecycle events to standard output
type Plugin struct {
	id       string
	workerID string
	cfg      Config
	logger   *zap.Logger

	mutex  sync.Mutex
	out    io.Writer
	starts sync.Map // task id -> start time
}

// New creates the plugin from settings
func New(settings plugin.Settings) (plugin.ExecutorPlugin, error) {
	return NewWithWriter(settings, nil)
}

// NewWithWriter creates the plugin writing to w instead of the configured target
func NewWithWriter(settings plugin.Settings, w io.Writer) (*Plugin, error) {
	var cfg Config
	if err := plugin.DecodeConfig(settings.Config, &cfg); err != nil {
		return nil, err
	}

	if w == nil {
		w = os.Stdout
		if cfg.Target == "stderr" {
			w = os.Stderr
		}
	}

	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Plugin{
		id:       settings.ID,
		workerID: settings.WorkerID,
		cfg:      cfg,
		logger:   logger,
		out:      w,
	}, nil
}

// Init announces the worker
func (p *Plugin) Init(context.Context) error {
	p.emit(event{kind: "PLUGIN_INIT", time: time.Now()})
	return nil
}

// Shutdown announces the end of the worker
func (p *Plugin) Shutdown(context.Context) error {
	p.emit(event{kind: "PLUGIN_SHUTDOWN", time: time.Now()})
	return nil
}

// OnTaskStart prints the task start
func (p *Plugin) OnTaskStart(tc *plugin.TaskContext) error {
	p.starts.Store(tc.TaskID, tc.StartedAt)
	p.emit(event{kind: "TASK_STARTED", time: time.Now(), task: tc})
	return nil
}

// OnTaskSucceeded prints the task success and its duration
func (p *Plugin) OnTaskSucceeded(tc *plugin.TaskContext) error {
	p.emit(event{kind: "TASK_SUCCEEDED", time: time.Now(), task: tc, duration: p.elapsed(tc)})
	return nil
}

// OnTaskFailed prints the task failure and its cause
func (p *Plugin) OnTaskFailed(tc *plugin.TaskContext, cause error) error {
	p.emit(event{kind: "TASK_FAILED", time: time.Now(), task: tc, duration: p.elapsed(tc), cause: cause})
	return nil
}

func (p *Plugin) elapsed(tc *plugin.TaskContext) time.Duration {
	started, ok := p.starts.LoadAndDelete(tc.TaskID)
	if !ok {
		return time.Since(tc.StartedAt)
	}
	return time.Since(started.(time.Time))
}

type event struct {
	kind     string
	time     time.Time
	task     *plugin.TaskContext
	duration time.Duration
	cause    error
}

func (p *Plugin) emit(e event) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if p.cfg.Format == "json" {
		if err := json.NewEncoder(buf).Encode(p.toMap(e)); err != nil {
			p.logger.Warn("failed to encode event", zap.String("event", e.kind), zap.Error(err))
			return
		}
	} else {
		p.writeText(buf, e)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if _, err := p.out.Write(buf.B); err != nil {
		p.logger.Warn("failed to write event", zap.String("event", e.kind), zap.Error(err))
	}
}

func (p *Plugin) toMap(e event) map[string]any {
	result := map[string]any{
		"event":     e.kind,
		"timestamp": e.time.Format(time.RFC3339Nano),
		"worker_id": p.workerID,
	}
	if e.task != nil {
		result["task_id"] = e.task.TaskID
		result["kind"] = e.task.Kind
		result["attempt"] = e.task.Attempt
		if len(e.task.Labels) > 0 {
			result["labels"] = e.task.Labels
		}
	}
	if e.duration > 0 {
		result["duration_ms"] = e.duration.Milliseconds()
	}
	if e.cause != nil {
		result["error"] = e.cause.Error()
	}
	return result
}

func (p *Plugin) writeText(buf *bytebufferpool.ByteBuffer, e event) {
	kind := e.kind
	if p.cfg.Colorize {
		switch e.kind {
		case "TASK_FAILED":
			kind = "\033[31m" + kind + "\033[0m" // Red
		case "TASK_SUCCEEDED":
			kind = "\033[32m" + kind + "\033[0m" // Green
		case "TASK_STARTED":
			kind = "\033[36m" + kind + "\033[0m" // Cyan
		default:
			kind = "\033[35m" + kind + "\033[0m" // Magenta
		}
	}

	fmt.Fprintf(buf, "[%s] %s worker=%s", e.time.Format(time.RFC3339), kind, p.workerID)
	if e.task != nil {
		fmt.Fprintf(buf, " task=%s kind=%s attempt=%d", e.task.TaskID, e.task.Kind, e.task.Attempt)
	}
	if e.duration > 0 {
		fmt.Fprintf(buf, " duration=%dms", e.duration.Milliseconds())
	}
	if e.cause != nil {
		fmt.Fprintf(buf, " error=%q", e.cause.Error())
	}
	if e.task != nil && len(e.task.Labels) > 0 {
		labels, _ := json.Marshal(e.task.Labels)
		buf.WriteString("\n  ")
		buf.Write(labels)
	}
	buf.WriteString("\n")
}
