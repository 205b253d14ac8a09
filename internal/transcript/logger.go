// Package transcript writes a readable NDJSON record of every simulation
// to disk, one file per simulation.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/simroom/internal/engine"
)

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Entry is one line of a transcript file.
type Entry struct {
	Time            time.Time `json:"time"`
	SimulationID    string    `json:"simulation_id"`
	Type            string    `json:"type"`
	ChannelID       string    `json:"channel_id,omitempty"`
	MessageID       string    `json:"message_id,omitempty"`
	Role            string    `json:"role,omitempty"`
	Author          string    `json:"author,omitempty"`
	Content         string    `json:"content,omitempty"`
	Stimulus        string    `json:"stimulus,omitempty"`
	ViolationKind   string    `json:"violation_kind,omitempty"`
	ViolationsCount int       `json:"violations_count,omitempty"`
	Remaining       int       `json:"remaining_seconds,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// Logger appends engine events to per-simulation NDJSON files. Publish
// never blocks; when the queue is full the event is dropped and counted.
// Tick events are not recorded.
type Logger struct {
	cfg    Config
	logger *slog.Logger

	queue chan Entry
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	files   map[string]*os.File
	dropped int
	closed  bool
}

var _ engine.Publisher = (*Logger)(nil)

// NewLogger creates the transcript directory and starts the writer. A
// disabled config returns a Logger whose Publish is a no-op.
func NewLogger(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		cfg:    cfg,
		logger: logger,
		files:  make(map[string]*os.File),
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		return l, nil
	}
	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("transcript queue size must be > 0")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	l.queue = make(chan Entry, cfg.QueueSize)
	l.wg.Add(1)
	go l.run()
	logger.Info("Transcript logging enabled", "dir", cfg.Dir, "queue_size", cfg.QueueSize)
	return l, nil
}

// Publish implements engine.Publisher.
func (l *Logger) Publish(ev engine.Event) {
	if l.queue == nil || ev.Type == engine.EventTick {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- entryFor(ev):
	default:
		l.dropped++
		if l.dropped == 1 || l.dropped%100 == 0 {
			l.logger.Warn("Transcript queue full, dropping events",
				"simulation_id", ev.SimulationID,
				"dropped", l.dropped)
		}
	}
}

// Dropped returns how many events were discarded because the queue was
// full.
func (l *Logger) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close flushes queued entries and closes every open file.
func (l *Logger) Close() error {
	if l.queue == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()

	var firstErr error
	for id, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close transcript %s: %w", id, err)
		}
		delete(l.files, id)
	}
	return firstErr
}

func (l *Logger) run() {
	defer l.wg.Done()
	for e := range l.queue {
		if err := l.write(e); err != nil {
			l.logger.Warn("Failed to write transcript entry",
				"simulation_id", e.SimulationID,
				"error", err)
		}
		if e.Type == string(engine.EventSubmitted) {
			l.release(e.SimulationID)
		}
	}
}

func (l *Logger) write(e Entry) error {
	f, err := l.file(e.SimulationID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// file is only called from the writer goroutine.
func (l *Logger) file(simulationID string) (*os.File, error) {
	if f, ok := l.files[simulationID]; ok {
		return f, nil
	}
	path := l.Path(simulationID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	l.files[simulationID] = f
	return f, nil
}

func (l *Logger) release(simulationID string) {
	f, ok := l.files[simulationID]
	if !ok {
		return
	}
	delete(l.files, simulationID)
	if err := f.Close(); err != nil {
		l.logger.Warn("Failed to close transcript", "simulation_id", simulationID, "error", err)
	}
}

// Path returns the transcript file of a simulation.
func (l *Logger) Path(simulationID string) string {
	return filepath.Join(l.cfg.Dir, safeName(simulationID)+".ndjson")
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func entryFor(ev engine.Event) Entry {
	e := Entry{
		Time:            ev.At,
		SimulationID:    ev.SimulationID,
		Type:            string(ev.Type),
		ChannelID:       ev.ChannelID,
		ViolationKind:   ev.ViolationKind,
		ViolationsCount: ev.ViolationsCount,
		Remaining:       ev.RemainingSeconds,
		Reason:          string(ev.Reason),
	}
	if m := ev.Message; m != nil {
		e.MessageID = m.ID
		e.Role = string(m.Role)
		e.Author = m.Author
		e.Content = m.Content
		if m.Stimulus != nil {
			e.Stimulus = m.Stimulus.Title
		}
		if e.Time.IsZero() {
			e.Time = m.Timestamp
		}
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}
