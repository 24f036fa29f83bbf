package model

import "time"

// TaskState is the state of a task on this worker
type TaskState string

const (
	TaskQueued    TaskState = "QUEUED"
	TaskRunning   TaskState = "RUNNING"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
)

// Finished reports whether the state is terminal
func (s TaskState) Finished() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// TaskRecord is the worker's view of one task
type TaskRecord struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Attempt      int               `json:"attempt"`
	State        TaskState         `json:"state"`
	Error        string            `json:"error,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	FinishedAt   time.Time         `json:"finished_at,omitempty"`
	HookFailures int               `json:"hook_failures"`
}

// Duration returns how long the task ran, or zero if it has not finished
func (r TaskRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ToMap converts the record to a map representation
func (r TaskRecord) ToMap() map[string]any {
	return map[string]any{
		"id":            r.ID,
		"kind":          r.Kind,
		"attempt":       r.Attempt,
		"state":         r.State,
		"error":         r.Error,
		"labels":        r.Labels,
		"submitted_at":  r.SubmittedAt,
		"started_at":    r.StartedAt,
		"finished_at":   r.FinishedAt,
		"duration_ms":   r.Duration().Milliseconds(),
		"hook_failures": r.HookFailures,
	}
}
