package model

import "time"

// ComponentStatus represents the current status of a component
type ComponentStatus string

const (
	// StatusUninitialized indicates the component has not been initialized
	StatusUninitialized ComponentStatus = "UNINITIALIZED"
	// StatusInitialized indicates the component has been initialized but not started
	StatusInitialized ComponentStatus = "INITIALIZED"
	// StatusRunning indicates the component is currently running
	StatusRunning ComponentStatus = "RUNNING"
	// StatusStopped indicates the component has been stopped
	StatusStopped ComponentStatus = "STOPPED"
	// StatusError indicates the component is in an error state
	StatusError ComponentStatus = "ERROR"
)

// WorkerState is the lifecycle state of a worker process
type WorkerState string

const (
	WorkerCreated  WorkerState = "CREATED"
	WorkerStarting WorkerState = "STARTING"
	WorkerRunning  WorkerState = "RUNNING"
	WorkerStopping WorkerState = "STOPPING"
	WorkerStopped  WorkerState = "STOPPED"
	WorkerFailed   WorkerState = "FAILED"
)

// PluginState is the lifecycle state of one plugin instance
type PluginState string

const (
	// PluginUninitialized means the instance was built but Init has not returned
	PluginUninitialized PluginState = "UNINITIALIZED"
	// PluginInitialized means Init returned successfully; task hooks are delivered
	PluginInitialized PluginState = "INITIALIZED"
	// PluginShuttingDown means Shutdown has been called and has not returned
	PluginShuttingDown PluginState = "SHUTTING_DOWN"
	// PluginTerminated means Shutdown returned
	PluginTerminated PluginState = "TERMINATED"
	// PluginFailed means Init returned an error or panicked
	PluginFailed PluginState = "FAILED"
)

// Hook names a plugin lifecycle hook
type Hook string

const (
	HookInit            Hook = "init"
	HookShutdown        Hook = "shutdown"
	HookOnTaskStart     Hook = "on_task_start"
	HookOnTaskSucceeded Hook = "on_task_succeeded"
	HookOnTaskFailed    Hook = "on_task_failed"
)

// EventType represents the type of system event
type EventType string

const (
	// EventWorkerStateChange indicates the worker changed state
	EventWorkerStateChange EventType = "WORKER_STATE_CHANGE"
	// EventPluginStateChange indicates a plugin instance changed state
	EventPluginStateChange EventType = "PLUGIN_STATE_CHANGE"
	// EventTaskStarted indicates a task began running
	EventTaskStarted EventType = "TASK_STARTED"
	// EventTaskSucceeded indicates a task finished without error
	EventTaskSucceeded EventType = "TASK_SUCCEEDED"
	// EventTaskFailed indicates a task finished with an error
	EventTaskFailed EventType = "TASK_FAILED"
	// EventHookFailed indicates a plugin hook returned an error or panicked
	EventHookFailed EventType = "HOOK_FAILED"
)

// HealthStatus represents the health status of the system or a component
type HealthStatus struct {
	Status     ComponentStatus         `json:"status"`
	Timestamp  time.Time               `json:"timestamp"`
	Message    string                  `json:"message,omitempty"`
	Details    map[string]any          `json:"details,omitempty"`
	Components map[string]HealthStatus `json:"components,omitempty"`
}

// PluginInfo describes a plugin instance hosted by a worker
type PluginInfo struct {
	ID        string      `json:"id"`
	Position  int         `json:"position"`
	State     PluginState `json:"state"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// HookFailure is the payload of an EventHookFailed event
type HookFailure struct {
	PluginID string `json:"plugin_id"`
	Hook     Hook   `json:"hook"`
	TaskID   string `json:"task_id,omitempty"`
	Error    string `json:"error"`
}
