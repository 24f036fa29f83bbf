package core

import (
	"sync"

	"github.com/sliink/taskworker/internal/model"
)

// StatusReporter is anything the health monitor can report on
type StatusReporter interface {
	// ID returns the component's unique identifier
	ID() string

	// Name returns the component's human-readable name
	Name() string

	// GetStatus returns the current component status
	GetStatus() model.ComponentStatus
}

// Component represents a worker subsystem with lifecycle management
type Component interface {
	StatusReporter

	// Initialize prepares the component for operation
	Initialize() bool

	// Start begins component operation
	Start() bool

	// Stop halts component operation
	Stop() bool
}

// BaseComponent provides common functionality for all components
type BaseComponent struct {
	id       string
	name     string
	status   model.ComponentStatus
	statusMu sync.RWMutex
}

// NewBaseComponent creates a new base component
func NewBaseComponent(id, name string) BaseComponent {
	return BaseComponent{
		id:     id,
		name:   name,
		status: model.StatusUninitialized,
	}
}

// ID returns the component's unique identifier
func (c *BaseComponent) ID() string {
	return c.id
}

// Name returns the component's human-readable name
func (c *BaseComponent) Name() string {
	return c.name
}

// GetStatus returns the current component status
func (c *BaseComponent) GetStatus() model.ComponentStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// SetStatus updates the component status
func (c *BaseComponent) SetStatus(status model.ComponentStatus) {
	c.statusMu.Lock()
	c.status = status
	c.statusMu.Unlock()
}
