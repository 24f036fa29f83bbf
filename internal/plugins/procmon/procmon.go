// Package procmon provides a plugin that samples the worker process's memory
// and CPU usage into Prometheus metrics.
package procmon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/sliink/taskworker/pkg/plugin"
)

// ID is the identifier the plugin is registered under
const ID = "procmon"

// Config controls the sampling period
type Config struct {
	Interval time.Duration `mapstructure:"interval" default:"5s" validate:"gte=10ms"`
	// TaskRSS records the RSS change across each task
	TaskRSS bool `mapstructure:"task_rss" default:"true"`
}

// processStats is the part of a gopsutil process the plugin reads
type processStats interface {
	MemoryInfo() (*process.MemoryInfoStat, error)
	Percent(interval time.Duration) (float64, error)
}

func openSelf() (processStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return proc, nil
}

// Plugin samples process statistics while the worker runs
type Plugin struct {
	cfg        Config
	logger     *zap.Logger
	registerer prometheus.Registerer

	openProcess func() (processStats, error)
	proc        processStats
	rss         prometheus.Gauge
	cpu         prometheus.Gauge
	rssDelta    prometheus.Histogram
	taskRSS     cmap.ConcurrentMap[string, uint64]
	// registered are the collectors this plugin added and must remove
	registered []prometheus.Collector

	started  bool
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
	registerer := settings.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	return &Plugin{
		cfg:        cfg,
		logger:     logger,
		registerer:  registerer,
		openProcess: openSelf,
		rss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskworker",
			Subsystem: "procmon",
			Name:      "rss_bytes",
			Help:      "Resident set size of the worker process.",
		}),
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskworker",
			Subsystem: "procmon",
			Name:      "cpu_percent",
			Help:      "CPU usage of the worker process since the previous sample.",
		}),
		rssDelta: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "taskworker",
			Subsystem: "procmon",
			Name:      "task_rss_delta_bytes",
			Help:      "Change in process RSS between task start and task end.",
			Buckets:   []float64{-64 << 20, -8 << 20, -1 << 20, 0, 1 << 20, 8 << 20, 64 << 20},
		}),
		taskRSS: cmap.New[uint64](),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Init opens the process handle, registers the collectors and starts sampling.
// Collectors already on the registerer are adopted rather than duplicated.
func (p *Plugin) Init(context.Context) error {
	proc, err := p.openProcess()
	if err != nil {
		return fmt.Errorf("open process: %w", err)
	}
	p.proc = proc

	if err := p.registerCollectors(); err != nil {
		p.unregisterCollectors()
		return err
	}

	if err := p.sample(); err != nil {
		p.unregisterCollectors()
		return err
	}

	p.started = true
	go p.loop()
	return nil
}

func (p *Plugin) registerCollectors() error {
	var err error
	if p.rss, err = register(p, p.rss); err != nil {
		return err
	}
	if p.cpu, err = register(p, p.cpu); err != nil {
		return err
	}
	if p.rssDelta, err = register(p, p.rssDelta); err != nil {
		return err
	}
	return nil
}

// register adds c to the plugin's registerer, or returns the equal collector
// that is already registered there
func register[T prometheus.Collector](p *Plugin, c T) (T, error) {
	err := p.registerer.Register(c)
	if err == nil {
		p.registered = append(p.registered, c)
		return c, nil
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("register procmon metrics: %w", err)
}

func (p *Plugin) unregisterCollectors() {
	for _, c := range p.registered {
		p.registerer.Unregister(c)
	}
	p.registered = nil
}

func (p *Plugin) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.sample(); err != nil {
				p.logger.Warn("process sample failed", zap.Error(err))
			}
		}
	}
}

func (p *Plugin) sample() error {
	mem, err := p.proc.MemoryInfo()
	if err != nil {
		return fmt.Errorf("read memory info: %w", err)
	}
	p.rss.Set(float64(mem.RSS))

	percent, err := p.proc.Percent(0)
	if err != nil {
		return fmt.Errorf("read cpu percent: %w", err)
	}
	p.cpu.Set(percent)
	return nil
}

func (p *Plugin) currentRSS() (uint64, bool) {
	if p.proc == nil {
		return 0, false
	}
	mem, err := p.proc.MemoryInfo()
	if err != nil {
		return 0, false
	}
	return mem.RSS, true
}

// Shutdown stops sampling and unregisters the collectors
func (p *Plugin) Shutdown(context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.started {
		<-p.done
	}

	p.unregisterCollectors()
	return nil
}

// OnTaskStart remembers the RSS at task start
func (p *Plugin) OnTaskStart(tc *plugin.TaskContext) error {
	if !p.cfg.TaskRSS {
		return nil
	}
	if rss, ok := p.currentRSS(); ok {
		p.taskRSS.Set(tc.TaskID, rss)
	}
	return nil
}

// OnTaskSucceeded records the RSS change of the task
func (p *Plugin) OnTaskSucceeded(tc *plugin.TaskContext) error {
	p.observe(tc)
	return nil
}

// OnTaskFailed records the RSS change of the task
func (p *Plugin) OnTaskFailed(tc *plugin.TaskContext, _ error) error {
	p.observe(tc)
	return nil
}

func (p *Plugin) observe(tc *plugin.TaskContext) {
	before, ok := p.taskRSS.Pop(tc.TaskID)
	if !ok {
		return
	}
	after, ok := p.currentRSS()
	if !ok {
		return
	}
	p.rssDelta.Observe(float64(after) - float64(before))
}
