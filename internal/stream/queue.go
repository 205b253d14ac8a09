package stream

import (
	"container/list"
	"sync"
	"time"
)

// queuedEvent is one delivered event kept for Last-Event-ID replay.
type queuedEvent struct {
	EventID   int64
	Name      string
	Data      []byte
	Timestamp time.Time
}

// replayQueue buffers recent events per simulation so a reconnecting
// client receives what it missed. Each simulation has its own bounded list.
type replayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

func newReplayQueue(maxSize int) *replayQueue {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &replayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

func (q *replayQueue) enqueue(simulationID string, ev queuedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[simulationID]
	if !ok {
		l = list.New()
		q.queues[simulationID] = l
	}
	l.PushBack(ev)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

func (q *replayQueue) missed(simulationID string, afterEventID int64) []queuedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[simulationID]
	if !ok {
		return nil
	}
	var out []queuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(queuedEvent)
		if ev.EventID > afterEventID {
			out = append(out, ev)
		}
	}
	return out
}

func (q *replayQueue) prune(simulationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, simulationID)
}
