// Package heartbeat provides a plugin that periodically writes a liveness
// file describing the worker.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sliink/taskworker/pkg/plugin"
)

// ID is the identifier the plugin is registered under
const ID = "heartbeat"

// Config controls where and how often the heartbeat is written
type Config struct {
	Path     string        `mapstructure:"path" default:"taskworker.heartbeat" validate:"required"`
	Interval time.Duration `mapstructure:"interval" default:"5s" validate:"gte=10ms"`
	// MaxRetry bounds the time spent retrying one failed write
	MaxRetry time.Duration `mapstructure:"max_retry" default:"2s" validate:"gte=0"`
}

// Beat is the content of the heartbeat file
type Beat struct {
	WorkerID  string    `json:"worker_id"`
	Running   int64     `json:"running_tasks"`
	Succeeded uint64    `json:"succeeded_tasks"`
	Failed    uint64    `json:"failed_tasks"`
	Timestamp time.Time `json:"timestamp"`
}

// Plugin writes the heartbeat file from a background goroutine started in
// Init and stopped in Shutdown
type Plugin struct {
	workerID string
	cfg      Config
	logger   *zap.Logger

	running   atomic.Int64
	succeeded atomic.Uint64
	failed    atomic.Uint64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates the plugin from settings
func New(settings plugin.Settings) (plugin.ExecutorPlugin, error) {
	var cfg Config
	if err := plugin.DecodeConfig(settings.Config, &cfg); err != nil {
		return nil, err
	}

	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Plugin{
		workerID: settings.WorkerID,
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Init writes the first heartbeat and starts the writer. An unwritable
// path fails Init.
func (p *Plugin) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(p.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("create heartbeat directory: %w", err)
	}
	if err := p.write(ctx); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}

	go p.loop()
	p.logger.Info("heartbeat started",
		zap.String("path", p.cfg.Path),
		zap.Duration("interval", p.cfg.Interval))
	return nil
}

func (p *Plugin) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.write(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("heartbeat write failed", zap.String("path", p.cfg.Path), zap.Error(err))
			}
		}
	}
}

// write replaces the heartbeat file, retrying with exponential backoff
func (p *Plugin) write(ctx context.Context) error {
	data, err := json.Marshal(p.Snapshot())
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = p.cfg.MaxRetry

	return backoff.Retry(func() error {
		tmp := p.cfg.Path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, p.cfg.Path)
	}, backoff.WithContext(b, ctx))
}

// Snapshot returns the current heartbeat content
func (p *Plugin) Snapshot() Beat {
	return Beat{
		WorkerID:  p.workerID,
		Running:   p.running.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Timestamp: time.Now().UTC(),
	}
}

// Shutdown stops the writer, waits for it and removes the heartbeat file
func (p *Plugin) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := os.Remove(p.cfg.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove heartbeat: %w", err)
	}
	p.logger.Info("heartbeat stopped", zap.String("path", p.cfg.Path))
	return nil
}

// OnTaskStart counts a running task
func (p *Plugin) OnTaskStart(*plugin.TaskContext) error {
	p.running.Add(1)
	return nil
}

// OnTaskSucceeded counts a succeeded task
func (p *Plugin) OnTaskSucceeded(*plugin.TaskContext) error {
	p.running.Add(-1)
	p.succeeded.Add(1)
	return nil
}

// OnTaskFailed counts a failed task
func (p *Plugin) OnTaskFailed(*plugin.TaskContext, error) error {
	p.running.Add(-1)
	p.failed.Add(1)
	return nil
}
