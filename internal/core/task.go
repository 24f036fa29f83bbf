package core

import (
	"context"
	"sync"

	"github.com/sliink/taskworker/internal/model"
)

// Task is a unit of work run by the worker
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a function to Task
type TaskFunc func(ctx context.Context) error

// Run calls f(ctx)
func (f TaskFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// TaskHandle tracks a submitted task
type TaskHandle struct {
	id     string
	done   chan struct{}
	mutex  sync.RWMutex
	record model.TaskRecord
	err    error
}

func newTaskHandle(record model.TaskRecord) *TaskHandle {
	return &TaskHandle{
		id:     record.ID,
		done:   make(chan struct{}),
		record: record,
	}
}

// ID returns the task id
func (h *TaskHandle) ID() string {
	return h.id
}

// Done is closed once the task and its hooks have finished
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Record returns the latest record of the task
func (h *TaskHandle) Record() model.TaskRecord {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.record
}

// Err returns the error the task finished with, if any
func (h *TaskHandle) Err() error {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.err
}

// Wait blocks until the task finishes or ctx is done
func (h *TaskHandle) Wait(ctx context.Context) (model.TaskRecord, error) {
	select {
	case <-h.done:
		return h.Record(), nil
	case <-ctx.Done():
		return h.Record(), ctx.Err()
	}
}

func (h *TaskHandle) update(record model.TaskRecord) {
	h.mutex.Lock()
	h.record = record
	h.mutex.Unlock()
}

func (h *TaskHandle) finish(record model.TaskRecord, err error) {
	h.mutex.Lock()
	h.record = record
	h.err = err
	h.mutex.Unlock()
	close(h.done)
}
