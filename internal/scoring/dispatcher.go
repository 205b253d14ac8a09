package scoring

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/engine"
)

// ScoreSaver persists evaluation results.
type ScoreSaver interface {
	SaveScores(ctx context.Context, simulationID string, s *domain.Scores) error
}

// Dispatcher queues handoffs from finished engines and evaluates them on a
// background worker. HandOff never blocks: when the queue is full the
// oldest pending handoff is dropped.
type Dispatcher struct {
	svc     Service
	saver   ScoreSaver
	timeout time.Duration
	logger  *slog.Logger

	queue  chan engine.Handoff
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	onScored  func(simulationID string, s *domain.Scores)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithOnScored registers a callback run after scores are saved.
func WithOnScored(fn func(simulationID string, s *domain.Scores)) DispatcherOption {
	return func(d *Dispatcher) { d.onScored = fn }
}

// NewDispatcher starts a dispatcher. svc may be nil, in which case
// handoffs are logged and discarded.
func NewDispatcher(svc Service, saver ScoreSaver, queueSize int, timeout time.Duration, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		svc:     svc,
		saver:   saver,
		timeout: timeout,
		logger:  logger,
		queue:   make(chan engine.Handoff, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.process()
	return d
}

var _ engine.Scorer = (*Dispatcher)(nil)

// HandOff implements engine.Scorer.
func (d *Dispatcher) HandOff(h engine.Handoff) {
	if d.ctx.Err() != nil {
		d.logger.Warn("Dispatcher closed, dropping handoff", "simulation_id", h.SimulationID)
		return
	}
	for {
		select {
		case d.queue <- h:
			return
		default:
		}
		// Queue full: drop the oldest and try again.
		select {
		case old := <-d.queue:
			d.logger.Warn("Scoring queue full, dropped oldest handoff",
				"dropped_simulation_id", old.SimulationID,
				"simulation_id", h.SimulationID)
		default:
		}
	}
}

func (d *Dispatcher) process() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case h := <-d.queue:
			d.score(h)
		}
	}
}

func (d *Dispatcher) score(h engine.Handoff) {
	log := d.logger.With("simulation_id", h.SimulationID)
	if d.svc == nil {
		log.Info("Scoring disabled, handoff discarded", "responses", len(h.Responses))
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	start := time.Now()
	scores, err := d.svc.Analyze(ctx, AnalyzeRequest{
		SimulationID:    h.SimulationID,
		Scenario:        h.Scenario,
		Responses:       h.Responses,
		ViolationsCount: h.ViolationsCount,
		Reason:          h.Reason,
	})
	if err != nil {
		log.Error("Scoring failed", "error", err)
		return
	}
	if d.saver != nil {
		if err := d.saver.SaveScores(ctx, h.SimulationID, scores); err != nil {
			log.Warn("Failed to persist scores", "error", err)
			return
		}
	}
	log.Info("Simulation scored", "duration_ms", time.Since(start).Milliseconds())
	if d.onScored != nil {
		d.onScored(h.SimulationID, scores)
	}
}

// Close stops the worker. Handoffs still queued are scored first, bounded
// by ctx.
func (d *Dispatcher) Close(ctx context.Context) {
	d.closeOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case h := <-d.queue:
					d.score(h)
				default:
					return
				}
			}
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn("Scoring queue not drained before shutdown", "remaining", len(d.queue))
		}
		d.cancel()
		d.wg.Wait()
		<-done
	})
}
