package engine

import (
	"sync"

	"github.com/crewsync/server/internal/models"
)

// eventLog keeps a bounded tail of sync events and fans each new one out to
// subscribers. Callbacks run outside the lock so a subscriber may call back
// into the engine.
type eventLog struct {
	mu        sync.Mutex
	depth     int
	events    []models.SyncEvent
	nextID    int
	callbacks map[int]func(models.SyncEvent)
}

func newEventLog(depth int) *eventLog {
	return &eventLog{
		depth:     depth,
		callbacks: make(map[int]func(models.SyncEvent)),
	}
}

func (l *eventLog) append(ev models.SyncEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	if len(l.events) > l.depth {
		l.events = l.events[len(l.events)-l.depth:]
	}
	cbs := make([]func(models.SyncEvent), 0, len(l.callbacks))
	for _, cb := range l.callbacks {
		cbs = append(cbs, cb)
	}
	l.mu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

func (l *eventLog) list() []models.SyncEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.SyncEvent, len(l.events))
	copy(out, l.events)
	return out
}

// subscribe registers a callback and returns its remover.
func (l *eventLog) subscribe(cb func(models.SyncEvent)) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.callbacks[id] = cb
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.callbacks, id)
		l.mu.Unlock()
	}
}
