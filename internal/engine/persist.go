package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/simroom/internal/domain"
)

// responseLog saves accepted responses one at a time in acceptance order,
// so the store's order matches the order the engine advanced in. Saving
// never blocks the caller; a failed save is logged and the next one runs.
type responseLog struct {
	recorder ResponseRecorder
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending []domain.Response
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newResponseLog(recorder ResponseRecorder, timeout time.Duration, logger *slog.Logger) *responseLog {
	l := &responseLog{
		recorder: recorder,
		timeout:  timeout,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *responseLog) add(r domain.Response) {
	if l == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Warn("Response log closed, response not persisted",
			"channel_id", r.ChannelID,
			"question_id", r.QuestionID)
		return
	}
	l.pending = append(l.pending, r)
	l.mu.Unlock()
	l.signal()
}

func (l *responseLog) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *responseLog) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.wake
			continue
		}
		r := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()

		l.save(r)
	}
}

func (l *responseLog) save(r domain.Response) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.recorder.SaveResponse(ctx, r); err != nil {
		l.logger.Warn("Failed to persist response",
			"channel_id", r.ChannelID,
			"question_id", r.QuestionID,
			"error", err)
	}
}

// close saves what is still queued and stops the worker.
func (l *responseLog) close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
	<-l.done
}
