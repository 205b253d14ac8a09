// Package engine drives a scripted multi-channel simulation: it tracks
// per-channel progress through questions and follow-ups, schedules the
// scripted replies in order, counts proctoring violations and finalizes the
// session exactly once, whether the candidate submits or the clock runs out.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/scenario"
)

// DefaultCompletionMessage is posted when a channel runs out of questions.
const DefaultCompletionMessage = "🎉 Escalation resolved! Great work. Please proceed to the next channel."

// ResponseRecorder persists candidate responses.
type ResponseRecorder interface {
	SaveResponse(ctx context.Context, r domain.Response) error
}

// Finalizer persists the end of a session.
type Finalizer interface {
	Finalize(ctx context.Context, simulationID string, reason domain.SubmitReason, at time.Time) error
}

// Handoff is what the scoring collaborator receives after submission.
type Handoff struct {
	SimulationID    string
	Scenario        *domain.Scenario
	Responses       []domain.Response
	ViolationsCount int
	Reason          domain.SubmitReason
	SubmittedAt     time.Time
}

// Scorer accepts a finished session for analysis. HandOff must not block:
// the engine neither waits for nor reads the result.
type Scorer interface {
	HandOff(h Handoff)
}

// Config holds engine timing.
type Config struct {
	SessionDuration   time.Duration
	TickInterval      time.Duration
	Pacing            Pacing
	CompletionMessage string
	PersistTimeout    time.Duration
	// ManualTicks leaves the countdown to an external driver calling OnTick.
	ManualTicks bool
}

// DefaultConfig returns a 30 minute session with default pacing.
func DefaultConfig() Config {
	return Config{
		SessionDuration:   30 * time.Minute,
		TickInterval:      time.Second,
		Pacing:            DefaultPacing(),
		CompletionMessage: DefaultCompletionMessage,
		PersistTimeout:    5 * time.Second,
	}
}

// Deps are the engine's collaborators. Every field is optional.
type Deps struct {
	Responses  ResponseRecorder
	Violations ViolationRecorder
	Finalizer  Finalizer
	Scorer     Scorer
	Publisher  Publisher
	Logger     *slog.Logger
	Now        func() time.Time
	After      func(time.Duration) <-chan time.Time
	NewID      func() string
}

type channelLane struct {
	mu        sync.Mutex
	channel   domain.Channel
	activated bool
	responses int
	messages  []domain.Message
	ids       map[string]struct{}
}

// Engine runs one simulation attempt.
type Engine struct {
	simulationID string
	scenario     *domain.Scenario
	cfg          Config
	deps         Deps
	logger       *slog.Logger

	tracker *Tracker
	seq     *Sequencer
	monitor *ViolationMonitor
	clock   *Clock
	coord   *Coordinator

	order []string
	lanes map[string]*channelLane

	// stateMu is held shared by operations that check the submission latch
	// and then mutate, and exclusively by finalize while it captures the
	// final state. A mutation that passed the check lands before the capture.
	stateMu sync.RWMutex

	respMu    sync.Mutex
	responses []domain.Response
	respLog   *responseLog

	startOnce sync.Once
	closeOnce sync.Once
}

// New builds an engine for a scenario. The scenario is validated first and
// a *domain.SchemaError is returned if it is inconsistent.
func New(simulationID string, sc *domain.Scenario, cfg Config, deps Deps) (*Engine, error) {
	if sc == nil {
		return nil, &domain.SchemaError{Problems: []string{"scenario is missing"}}
	}
	if err := scenario.Validate(sc); err != nil {
		return nil, err
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = DefaultConfig().SessionDuration
	}
	if cfg.CompletionMessage == "" {
		cfg.CompletionMessage = DefaultCompletionMessage
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = noopPublisher{}
	}

	e := &Engine{
		simulationID: simulationID,
		scenario:     sc,
		cfg:          cfg,
		deps:         deps,
		logger:       deps.Logger.With("simulation_id", simulationID),
		tracker:      NewTracker(sc),
		lanes:        make(map[string]*channelLane, len(sc.Channels)),
	}
	for _, ch := range sc.Channels {
		e.order = append(e.order, ch.ID)
		e.lanes[ch.ID] = &channelLane{channel: ch, ids: make(map[string]struct{})}
	}

	e.seq = NewSequencer(e.emit, deps.After, e.logger)
	e.monitor = NewViolationMonitor(simulationID, deps.Violations, cfg.PersistTimeout, deps.NewID, deps.Now, e.logger)
	e.coord = NewCoordinator(e.finalize)
	e.clock = NewClock(cfg.SessionDuration, cfg.TickInterval, e.onTick, e.onExpire)
	if deps.Responses != nil {
		e.respLog = newResponseLog(deps.Responses, e.persistTimeout(), e.logger)
	}
	return e, nil
}

// SimulationID returns the id of the attempt this engine runs.
func (e *Engine) SimulationID() string { return e.simulationID }

// Scenario returns the immutable scenario.
func (e *Engine) Scenario() *domain.Scenario { return e.scenario }

// Start activates every channel, delivering its context lines and first
// question, and starts the countdown. Later calls do nothing.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		for _, id := range e.order {
			e.activate(id)
		}
		if !e.cfg.ManualTicks {
			e.clock.Start()
		}
		e.logger.Info("Simulation started",
			"channels", len(e.order),
			"duration", e.cfg.SessionDuration)
	})
}

func (e *Engine) activate(channelID string) {
	ln := e.lanes[channelID]
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if ln.activated {
		return
	}
	q, ok := e.tracker.Current(channelID)
	if !ok {
		return
	}
	ln.activated = true
	e.seq.Enqueue(channelID, e.cfg.Pacing.activationSteps(channelID, q))
}

// SubmitResponse records a candidate response on a channel and schedules
// the scripted reply. It returns domain.ErrInvalidState for unknown or
// completed channels and after submission; state is unchanged in that case.
func (e *Engine) SubmitResponse(channelID, content string) (Transition, error) {
	ln, ok := e.lanes[channelID]
	if !ok {
		return Transition{}, fmt.Errorf("unknown channel %q: %w", channelID, domain.ErrInvalidState)
	}

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	ln.mu.Lock()
	defer ln.mu.Unlock()

	if e.coord.Submitted() {
		return Transition{}, fmt.Errorf("simulation submitted: %w", domain.ErrInvalidState)
	}
	tr, err := e.tracker.Advance(channelID)
	if err != nil {
		return Transition{}, err
	}

	now := e.deps.Now()
	ln.responses++
	e.appendLocked(ln, domain.Message{
		ID:        candidateMessageID(channelID, ln.responses),
		ChannelID: channelID,
		Role:      domain.RoleCandidate,
		Content:   content,
		Timestamp: now,
	})

	resp := domain.Response{
		SimulationID: e.simulationID,
		ChannelID:    channelID,
		QuestionID:   tr.AnsweredID,
		Content:      content,
		CreatedAt:    now,
	}
	if e.deps.NewID != nil {
		resp.ID = e.deps.NewID()
	}
	e.recordResponse(resp)

	e.seq.Enqueue(channelID, e.cfg.Pacing.transitionSteps(tr, e.cfg.CompletionMessage))

	if tr.Kind == TransitionCompleted {
		e.logger.Info("Channel completed", "channel_id", channelID)
		e.deps.Publisher.Publish(Event{
			Type:             EventChannelCompleted,
			SimulationID:     e.simulationID,
			ChannelID:        channelID,
			ViolationsCount:  e.monitor.Count(),
			RemainingSeconds: e.clock.RemainingSeconds(),
			At:               now,
		})
	}
	return tr, nil
}

func (e *Engine) recordResponse(resp domain.Response) {
	e.respMu.Lock()
	e.responses = append(e.responses, resp)
	e.respMu.Unlock()

	e.respLog.add(resp)
}

// ReportViolation counts a proctoring violation and returns the new total.
func (e *Engine) ReportViolation(kind string) (int, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.coord.Submitted() {
		return e.monitor.Count(), fmt.Errorf("simulation submitted: %w", domain.ErrInvalidState)
	}
	total := e.monitor.Record(kind)
	e.logger.Info("Violation recorded", "violation_type", kind, "total", total)
	e.deps.Publisher.Publish(Event{
		Type:             EventViolation,
		SimulationID:     e.simulationID,
		ViolationKind:    kind,
		ViolationsCount:  total,
		RemainingSeconds: e.clock.RemainingSeconds(),
		At:               e.deps.Now(),
	})
	return total, nil
}

// Submit finalizes the session on the candidate's request. Only the first
// submission, from any source, has effect.
func (e *Engine) Submit() error {
	return e.coord.Submit(domain.SubmitByCandidate)
}

// OnTick advances the countdown by one tick. It is only needed with
// Config.ManualTicks.
func (e *Engine) OnTick() int {
	return e.clock.OnTick()
}

// RemainingSeconds returns the time left on the countdown.
func (e *Engine) RemainingSeconds() int {
	return e.clock.RemainingSeconds()
}

// Submitted reports whether the session has been finalized.
func (e *Engine) Submitted() bool {
	return e.coord.Submitted()
}

// ViolationsCount returns the number of violations recorded.
func (e *Engine) ViolationsCount() int {
	return e.monitor.Count()
}

func (e *Engine) onTick(remaining int) {
	e.deps.Publisher.Publish(Event{
		Type:             EventTick,
		SimulationID:     e.simulationID,
		ViolationsCount:  e.monitor.Count(),
		RemainingSeconds: remaining,
		At:               e.deps.Now(),
	})
}

func (e *Engine) onExpire() {
	if err := e.coord.Submit(domain.SubmitByClock); err != nil {
		e.logger.Debug("Clock expired after submission", "error", err)
	}
}

func (e *Engine) finalize(reason domain.SubmitReason) {
	e.stateMu.Lock()
	at := e.deps.Now()
	e.clock.Stop()
	e.seq.Stop()
	responses := e.Responses()
	violations := e.monitor.Count()
	e.stateMu.Unlock()

	e.logger.Info("Simulation submitted",
		"reason", reason,
		"responses", len(responses),
		"violations", violations)

	if e.deps.Finalizer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.persistTimeout())
		if err := e.deps.Finalizer.Finalize(ctx, e.simulationID, reason, at); err != nil {
			e.logger.Warn("Failed to persist submission", "reason", reason, "error", err)
		}
		cancel()
	}
	if e.deps.Scorer != nil {
		e.deps.Scorer.HandOff(Handoff{
			SimulationID:    e.simulationID,
			Scenario:        e.scenario,
			Responses:       responses,
			ViolationsCount: violations,
			Reason:          reason,
			SubmittedAt:     at,
		})
	}
	e.deps.Publisher.Publish(Event{
		Type:             EventSubmitted,
		SimulationID:     e.simulationID,
		ViolationsCount:  violations,
		RemainingSeconds: e.clock.RemainingSeconds(),
		Reason:           reason,
		At:               at,
	})
}

// emit runs on the sequencer's drain goroutine for each due message.
func (e *Engine) emit(msg domain.Message) {
	ln, ok := e.lanes[msg.ChannelID]
	if !ok {
		return
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if e.coord.Submitted() {
		return
	}
	msg.Timestamp = e.deps.Now()
	e.appendLocked(ln, msg)
}

// appendLocked adds msg to the channel log and publishes it. Messages
// whose id is already present are dropped. ln.mu must be held.
func (e *Engine) appendLocked(ln *channelLane, msg domain.Message) {
	if _, dup := ln.ids[msg.ID]; dup {
		e.logger.Debug("Dropping duplicate message", "message_id", msg.ID)
		return
	}
	ln.ids[msg.ID] = struct{}{}
	ln.messages = append(ln.messages, msg)

	m := msg
	e.deps.Publisher.Publish(Event{
		Type:             EventMessage,
		SimulationID:     e.simulationID,
		ChannelID:        msg.ChannelID,
		Message:          &m,
		ViolationsCount:  e.monitor.Count(),
		RemainingSeconds: e.clock.RemainingSeconds(),
		At:               msg.Timestamp,
	})
}

// Messages returns a copy of a channel's message log.
func (e *Engine) Messages(channelID string) []domain.Message {
	ln, ok := e.lanes[channelID]
	if !ok {
		return nil
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	out := make([]domain.Message, len(ln.messages))
	copy(out, ln.messages)
	return out
}

// Responses returns the responses accepted so far, in order.
func (e *Engine) Responses() []domain.Response {
	e.respMu.Lock()
	defer e.respMu.Unlock()
	out := make([]domain.Response, len(e.responses))
	copy(out, e.responses)
	return out
}

// ChannelState reports the observable phase of a channel.
func (e *Engine) ChannelState(channelID string) domain.ChannelState {
	ln, ok := e.lanes[channelID]
	if !ok {
		return domain.StateCompleted
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return e.stateLocked(channelID, ln)
}

func (e *Engine) stateLocked(channelID string, ln *channelLane) domain.ChannelState {
	p, tracked := e.tracker.Progress(channelID)
	if !tracked || p.Completed {
		return domain.StateCompleted
	}
	if !ln.activated {
		return domain.StateAwaitingContext
	}
	switch next, _ := e.seq.Next(channelID); next {
	case StepContext:
		return domain.StateAwaitingContext
	case StepQuestion:
		return domain.StateAwaitingMainQuestion
	default:
		return domain.StateAwaitingResponse
	}
}

// Restore rebuilds state from responses accepted by an earlier process,
// in their original order. Scripted messages are replayed without delay
// and keep their ids. A response that does not answer the prompt its
// channel is at fails the restore. It must be called before Start.
func (e *Engine) Restore(responses []domain.Response, violations int, elapsed time.Duration) error {
	for _, id := range e.order {
		ln := e.lanes[id]
		q, ok := e.tracker.Current(id)
		if !ok {
			continue
		}
		ln.mu.Lock()
		if ln.activated {
			ln.mu.Unlock()
			return fmt.Errorf("restore after start: %w", domain.ErrInvalidState)
		}
		ln.activated = true
		e.replayLocked(ln, e.cfg.Pacing.activationSteps(id, q))
		ln.mu.Unlock()
	}

	for _, r := range responses {
		ln, ok := e.lanes[r.ChannelID]
		if !ok {
			return fmt.Errorf("restore response %s: unknown channel %q: %w", r.ID, r.ChannelID, domain.ErrInvalidState)
		}
		ln.mu.Lock()
		tr, err := e.tracker.Advance(r.ChannelID)
		if err != nil {
			ln.mu.Unlock()
			return fmt.Errorf("restore response %s: %w", r.ID, err)
		}
		if tr.AnsweredID != r.QuestionID {
			ln.mu.Unlock()
			return fmt.Errorf("restore response %s: answers %q, channel %q is at %q: %w",
				r.ID, r.QuestionID, r.ChannelID, tr.AnsweredID, domain.ErrInvalidState)
		}
		ln.responses++
		e.appendLocked(ln, domain.Message{
			ID:        candidateMessageID(r.ChannelID, ln.responses),
			ChannelID: r.ChannelID,
			Role:      domain.RoleCandidate,
			Content:   r.Content,
			Timestamp: r.CreatedAt,
		})
		e.replayLocked(ln, e.cfg.Pacing.transitionSteps(tr, e.cfg.CompletionMessage))
		ln.mu.Unlock()

		e.respMu.Lock()
		e.responses = append(e.responses, r)
		e.respMu.Unlock()
	}

	e.monitor.restore(violations)
	e.clock.SetRemaining(e.cfg.SessionDuration - elapsed)
	e.logger.Info("Simulation restored",
		"responses", len(responses),
		"violations", violations,
		"remaining_seconds", e.clock.RemainingSeconds())
	return nil
}

func (e *Engine) replayLocked(ln *channelLane, steps []Step) {
	now := e.deps.Now()
	for _, st := range steps {
		msg := st.Message
		msg.Timestamp = now
		e.appendLocked(ln, msg)
	}
}

// ChannelSnapshot is a read-only view of one channel.
type ChannelSnapshot struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	State    domain.ChannelState    `json:"state"`
	Progress domain.ChannelProgress `json:"progress"`
	Locked   bool                   `json:"locked"`
	Messages []domain.Message       `json:"messages"`
}

// Snapshot is a read-only view of the whole session.
type Snapshot struct {
	SimulationID     string            `json:"simulation_id"`
	Channels         []ChannelSnapshot `json:"channels"`
	ViolationsCount  int               `json:"violations_count"`
	RemainingSeconds int               `json:"remaining_seconds"`
	TimeRemaining    string            `json:"time_remaining"`
	Submitted        bool              `json:"submitted"`
}

// Snapshot returns the current session state for observers.
func (e *Engine) Snapshot() Snapshot {
	remaining := e.clock.RemainingSeconds()
	snap := Snapshot{
		SimulationID:     e.simulationID,
		ViolationsCount:  e.monitor.Count(),
		RemainingSeconds: remaining,
		TimeRemaining:    FormatRemaining(remaining),
		Submitted:        e.coord.Submitted(),
	}
	for _, id := range e.order {
		ln := e.lanes[id]
		ln.mu.Lock()
		state := e.stateLocked(id, ln)
		p, _ := e.tracker.Progress(id)
		msgs := make([]domain.Message, len(ln.messages))
		copy(msgs, ln.messages)
		ln.mu.Unlock()
		snap.Channels = append(snap.Channels, ChannelSnapshot{
			ID:       id,
			Name:     ln.channel.Name,
			State:    state,
			Progress: p,
			Locked:   state == domain.StateCompleted,
			Messages: msgs,
		})
	}
	return snap
}

// Close stops background work and waits for pending persistence. It does
// not submit the session.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.clock.Stop()
		e.seq.Stop()
		e.clock.Wait()
		e.seq.Wait()
		e.monitor.Wait()
		e.respLog.close()
	})
}

func (e *Engine) persistTimeout() time.Duration {
	if e.cfg.PersistTimeout > 0 {
		return e.cfg.PersistTimeout
	}
	return 5 * time.Second
}
