package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/sliink/taskworker/internal/model"
)

// DetailProvider returns a value reported under Details in the health status
type DetailProvider func() any

// HealthMonitor tracks worker and component health
type HealthMonitor struct {
	components map[string]StatusReporter
	details    map[string]DetailProvider
	mutex      sync.RWMutex
	BaseComponent
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		components:    make(map[string]StatusReporter),
		details:       make(map[string]DetailProvider),
		BaseComponent: NewBaseComponent("health_monitor", "Health Monitor"),
	}
}

// Initialize prepares the health monitor for operation
func (h *HealthMonitor) Initialize() bool {
	h.SetStatus(model.StatusInitialized)
	return true
}

// Start begins health monitor operation
func (h *HealthMonitor) Start() bool {
	h.SetStatus(model.StatusRunning)
	return true
}

// Stop halts health monitor operation
func (h *HealthMonitor) Stop() bool {
	h.SetStatus(model.StatusStopped)
	return true
}

// RegisterComponent adds a component to be monitored
func (h *HealthMonitor) RegisterComponent(component StatusReporter) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.components[component.ID()] = component
}

// AddDetail registers a provider evaluated on every health query
func (h *HealthMonitor) AddDetail(name string, provider DetailProvider) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.details[name] = provider
}

// GetHealthStatus retrieves the health status of the worker
func (h *HealthMonitor) GetHealthStatus() model.HealthStatus {
	h.mutex.RLock()
	components := make(map[string]StatusReporter, len(h.components))
	for id, c := range h.components {
		components[id] = c
	}
	providers := make(map[string]DetailProvider, len(h.details))
	for name, p := range h.details {
		providers[name] = p
	}
	h.mutex.RUnlock()

	now := time.Now()
	statuses := make(map[string]model.HealthStatus, len(components))
	statusCounts := make(map[model.ComponentStatus]int)
	for id, component := range components {
		status := component.GetStatus()
		statuses[id] = model.HealthStatus{
			Status:    status,
			Timestamp: now,
			Message:   component.Name() + " status: " + string(status),
		}
		statusCounts[status]++
	}

	systemStatus := model.StatusRunning
	var statusMessage string

	switch {
	case statusCounts[model.StatusError] > 0:
		systemStatus = model.StatusError
		statusMessage = fmt.Sprintf("worker has errors: %d components in ERROR state", statusCounts[model.StatusError])
	case len(components) > 0 && statusCounts[model.StatusStopped] == len(components):
		systemStatus = model.StatusStopped
		statusMessage = "worker is stopped"
	case statusCounts[model.StatusRunning] == 0:
		systemStatus = model.StatusInitialized
		statusMessage = "worker is initializing"
	case statusCounts[model.StatusRunning] < len(components):
		statusMessage = fmt.Sprintf("worker is partially running: %d of %d components running",
			statusCounts[model.StatusRunning], len(components))
	default:
		statusMessage = "worker is healthy: all components running"
	}

	details := make(map[string]any, len(providers))
	for name, provider := range providers {
		details[name] = provider()
	}

	return model.HealthStatus{
		Status:     systemStatus,
		Timestamp:  now,
		Message:    statusMessage,
		Components: statuses,
		Details:    details,
	}
}
