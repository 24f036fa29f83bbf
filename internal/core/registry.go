package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/sliink/taskworker/internal/model"
	"github.com/sliink/taskworker/pkg/plugin"
)

// pluginEntry is one hosted plugin instance
type pluginEntry struct {
	id        string
	position  int
	instance  plugin.ExecutorPlugin
	state     model.PluginState
	err       error
	updatedAt time.Time
}

// PluginRegistry keeps the worker's plugin instances in registration order
type PluginRegistry struct {
	entries []*pluginEntry
	byID    map[string]*pluginEntry
	mutex   sync.RWMutex
	BaseComponent
}

// NewPluginRegistry creates a new plugin registry
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		byID:          make(map[string]*pluginEntry),
		BaseComponent: NewBaseComponent("plugin_registry", "Plugin Registry"),
	}
}

// Initialize prepares the plugin registry for operation
func (r *PluginRegistry) Initialize() bool {
	r.SetStatus(model.StatusInitialized)
	return true
}

// Start begins plugin registry operation
func (r *PluginRegistry) Start() bool {
	r.SetStatus(model.StatusRunning)
	return true
}

// Stop marks the registry stopped. Plugins are shut down by the worker, not here.
func (r *PluginRegistry) Stop() bool {
	r.SetStatus(model.StatusStopped)
	return true
}

// Add appends a plugin instance. Ids must be unique.
func (r *PluginRegistry) Add(id string, instance plugin.ExecutorPlugin) error {
	if instance == nil {
		return fmt.Errorf("cannot register nil plugin %q", id)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("%w: %s", plugin.ErrDuplicatePlugin, id)
	}

	entry := &pluginEntry{
		id:        id,
		position:  len(r.entries),
		instance:  instance,
		state:     model.PluginUninitialized,
		updatedAt: time.Now(),
	}
	r.entries = append(r.entries, entry)
	r.byID[id] = entry
	return nil
}

// Get retrieves a plugin instance by id
func (r *PluginRegistry) Get(id string) (plugin.ExecutorPlugin, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entry, exists := r.byID[id]
	if !exists {
		return nil, false
	}
	return entry.instance, true
}

// Len returns the number of registered instances
func (r *PluginRegistry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.entries)
}

// SetState records a state transition for a plugin
func (r *PluginRegistry) SetState(id string, state model.PluginState, err error) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry, exists := r.byID[id]
	if !exists {
		return false
	}
	entry.state = state
	entry.err = err
	entry.updatedAt = time.Now()
	return true
}

// State returns the state of a plugin
func (r *PluginRegistry) State(id string) (model.PluginState, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	entry, exists := r.byID[id]
	if !exists {
		return "", false
	}
	return entry.state, true
}

// hostedPlugin is a snapshot of one entry used while dispatching hooks
type hostedPlugin struct {
	id       string
	instance plugin.ExecutorPlugin
}

// inState returns, in registration order, the instances currently in state
func (r *PluginRegistry) inState(state model.PluginState) []hostedPlugin {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var result []hostedPlugin
	for _, entry := range r.entries {
		if entry.state == state {
			result = append(result, hostedPlugin{id: entry.id, instance: entry.instance})
		}
	}
	return result
}

// Info returns a description of every instance in registration order
func (r *PluginRegistry) Info() []model.PluginInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]model.PluginInfo, 0, len(r.entries))
	for _, entry := range r.entries {
		info := model.PluginInfo{
			ID:        entry.id,
			Position:  entry.position,
			State:     entry.state,
			UpdatedAt: entry.updatedAt,
		}
		if entry.err != nil {
			info.Error = entry.err.Error()
		}
		result = append(result, info)
	}
	return result
}
