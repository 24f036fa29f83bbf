package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	// ErrUnknownPlugin is returned when no factory is registered for an identifier
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrDuplicatePlugin is returned when an identifier is registered twice
	ErrDuplicatePlugin = errors.New("plugin already registered")
)

// Settings is what a factory receives when the worker builds a plugin instance.
type Settings struct {
	// ID is the identifier the plugin was configured under
	ID string
	// WorkerID identifies the hosting worker
	WorkerID string
	// Config is the raw per-plugin configuration, possibly nil
	Config map[string]any
	// Logger is already named after the plugin
	Logger *zap.Logger
	// Registerer is the worker's metrics registry
	Registerer prometheus.Registerer
}

// Factory builds one plugin instance
type Factory func(settings Settings) (ExecutorPlugin, error)

// Registry maps plugin identifiers to factories
type Registry struct {
	factories map[string]Factory
	mutex     sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under id
func (r *Registry) Register(id string, factory Factory) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("nil factory for plugin %q", id)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, id)
	}
	r.factories[id] = factory
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(id string, factory Factory) {
	if err := r.Register(id, factory); err != nil {
		panic(err)
	}
}

// Create builds a new instance of the plugin registered under id
func (r *Registry) Create(id string, settings Settings) (ExecutorPlugin, error) {
	r.mutex.RLock()
	factory, exists := r.factories[id]
	r.mutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}

	settings.ID = id
	if settings.Logger == nil {
		settings.Logger = zap.NewNop()
	}
	if settings.Registerer == nil {
		settings.Registerer = prometheus.NewRegistry()
	}

	p, err := factory(settings)
	if err != nil {
		return nil, fmt.Errorf("create plugin %s: %w", id, err)
	}
	if p == nil {
		return nil, fmt.Errorf("create plugin %s: factory returned nil", id)
	}
	return p, nil
}

// Has reports whether id is registered
func (r *Registry) Has(id string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, exists := r.factories[id]
	return exists
}

// Identifiers returns the registered identifiers in sorted order
func (r *Registry) Identifiers() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used by Register
func Default() *Registry {
	return defaultRegistry
}

// Register adds a factory to the default registry. It is meant to be called
// from an init function and panics on duplicates.
func Register(id string, factory Factory) {
	defaultRegistry.MustRegister(id, factory)
}
