package core

import (
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/sliink/taskworker/internal/model"
)

// TaskHistory keeps live task records and a bounded window of finished ones
type TaskHistory struct {
	live     cmap.ConcurrentMap[string, model.TaskRecord]
	finished map[string]model.TaskRecord
	order    []string
	maxSize  int
	counts   map[model.TaskState]int
	mutex    sync.RWMutex
	BaseComponent
}

// NewTaskHistory creates a history holding at most maxSize finished records
func NewTaskHistory(maxSize int) *TaskHistory {
	if maxSize <= 0 {
		maxSize = 500
	}

	return &TaskHistory{
		live:          cmap.New[model.TaskRecord](),
		finished:      make(map[string]model.TaskRecord),
		maxSize:       maxSize,
		counts:        make(map[model.TaskState]int),
		BaseComponent: NewBaseComponent("task_history", "Task History"),
	}
}

// Initialize prepares the task history for operation
func (h *TaskHistory) Initialize() bool {
	h.SetStatus(model.StatusInitialized)
	return true
}

// Start begins task history operation
func (h *TaskHistory) Start() bool {
	h.SetStatus(model.StatusRunning)
	return true
}

// Stop halts task history operation; records stay readable
func (h *TaskHistory) Stop() bool {
	h.SetStatus(model.StatusStopped)
	return true
}

// Track stores or replaces the record of a live task
func (h *TaskHistory) Track(record model.TaskRecord) {
	if record.State.Finished() {
		h.Finish(record)
		return
	}
	h.live.Set(record.ID, record)
}

// Finish moves a task from the live set into the finished window. The
// record is in the window before it leaves the live set, so Get never
// misses a finishing task.
func (h *TaskHistory) Finish(record model.TaskRecord) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	defer h.live.Remove(record.ID)

	if _, exists := h.finished[record.ID]; !exists {
		h.order = append(h.order, record.ID)
		h.counts[record.State]++
	}
	h.finished[record.ID] = record

	for len(h.order) > h.maxSize {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.finished, oldest)
	}
}

// Get returns the record of a task, live or finished
func (h *TaskHistory) Get(id string) (model.TaskRecord, bool) {
	if record, ok := h.live.Get(id); ok {
		return record, true
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	record, ok := h.finished[id]
	return record, ok
}

// List returns live tasks followed by finished tasks, newest first within
// each group. An empty state matches every task; limit <= 0 means no limit.
func (h *TaskHistory) List(state model.TaskState, limit int) []model.TaskRecord {
	var result []model.TaskRecord

	live := h.live.Items()
	liveRecords := make([]model.TaskRecord, 0, len(live))
	for _, record := range live {
		if state == "" || record.State == state {
			liveRecords = append(liveRecords, record)
		}
	}
	sort.Slice(liveRecords, func(i, j int) bool {
		return liveRecords[i].SubmittedAt.After(liveRecords[j].SubmittedAt)
	})
	result = append(result, liveRecords...)

	h.mutex.RLock()
	for i := len(h.order) - 1; i >= 0; i-- {
		record := h.finished[h.order[i]]
		if _, stillLive := live[record.ID]; stillLive {
			continue
		}
		if state == "" || record.State == state {
			result = append(result, record)
		}
	}
	h.mutex.RUnlock()

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// LiveCount returns the number of queued or running tasks
func (h *TaskHistory) LiveCount() int {
	return h.live.Count()
}

// Counts returns how many tasks finished in each terminal state since start,
// including records already evicted from the window
func (h *TaskHistory) Counts() map[model.TaskState]int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make(map[model.TaskState]int, len(h.counts))
	for k, v := range h.counts {
		result[k] = v
	}
	return result
}
