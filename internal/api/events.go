package api

import (
	"sync"
	"time"

	"github.com/sliink/taskworker/internal/core"
	"github.com/sliink/taskworker/internal/model"
)

const eventLogSize = 256

var recordedEventTypes = []model.EventType{
	model.EventWorkerStateChange,
	model.EventPluginStateChange,
	model.EventTaskStarted,
	model.EventTaskSucceeded,
	model.EventTaskFailed,
	model.EventHookFailed,
}

// EventEntry is an event as served by GET /events
type EventEntry struct {
	Type      model.EventType `json:"type"`
	SourceID  string          `json:"source_id"`
	Data      any             `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// eventLog keeps the most recent worker events
type eventLog struct {
	mu      sync.RWMutex
	entries []EventEntry
	next    int
	full    bool
}

func newEventLog(bus *core.EventBus) *eventLog {
	l := &eventLog{entries: make([]EventEntry, eventLogSize)}
	for _, eventType := range recordedEventTypes {
		bus.Subscribe(eventType, "api", l.record)
	}
	return l
}

func (l *eventLog) record(e core.Event) {
	data := e.Data
	if record, ok := data.(model.TaskRecord); ok {
		data = record.ToMap()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = EventEntry{Type: e.Type, SourceID: e.SourceID, Data: data, Timestamp: e.Timestamp}
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// recent returns events newest first. An empty eventType matches every
// event; limit <= 0 means no limit.
func (l *eventLog) recent(eventType model.EventType, limit int) []EventEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := l.next
	if l.full {
		count = len(l.entries)
	}

	result := make([]EventEntry, 0, count)
	for i := 1; i <= count; i++ {
		entry := l.entries[(l.next-i+len(l.entries))%len(l.entries)]
		if eventType != "" && entry.Type != eventType {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result
}
