package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/simroom/internal/domain"
)

// StepKind identifies what a scheduled message is.
type StepKind string

const (
	StepContext    StepKind = "context"
	StepQuestion   StepKind = "question"
	StepFollowUp   StepKind = "follow_up"
	StepCompletion StepKind = "completion"
)

// Step is one scheduled message and its delay after the previous step in
// the same channel.
type Step struct {
	Kind    StepKind
	Delay   time.Duration
	Message domain.Message
}

// Pacing controls how scripted messages are spread out in time.
type Pacing struct {
	// ResponseDelay is the pause between a candidate response and the
	// first scripted reply.
	ResponseDelay time.Duration
	// ContextLineDelay separates successive scripted messages of one
	// transition.
	ContextLineDelay time.Duration
	// TypingPerChar adds a per-character typing pause, capped at MaxTyping.
	TypingPerChar time.Duration
	MaxTyping     time.Duration
}

// DefaultPacing returns the pacing used when nothing is configured.
func DefaultPacing() Pacing {
	return Pacing{
		ResponseDelay:    time.Second,
		ContextLineDelay: 1500 * time.Millisecond,
		MaxTyping:        3 * time.Second,
	}
}

func (p Pacing) delay(base time.Duration, content string) time.Duration {
	if p.TypingPerChar <= 0 {
		return base
	}
	typing := time.Duration(utf8.RuneCountInString(content)) * p.TypingPerChar
	if p.MaxTyping > 0 && typing > p.MaxTyping {
		typing = p.MaxTyping
	}
	return base + typing
}

// Scripted message ids are derived from the channel and script ids only,
// so replaying the same responses reproduces them.
func contextMessageID(channelID, questionID string, idx int) string {
	return fmt.Sprintf("%s-%s-context-%d", channelID, questionID, idx)
}

func scriptedMessageID(channelID, scriptID string) string {
	return channelID + "-" + scriptID
}

func completionMessageID(channelID string) string {
	return channelID + "-completion"
}

func candidateMessageID(channelID string, seq int) string {
	return fmt.Sprintf("%s-response-%d", channelID, seq)
}

// questionSteps schedules a question's context lines then its main question.
// The first step waits first; later steps wait ContextLineDelay.
func (p Pacing) questionSteps(channelID string, q *domain.Question, first time.Duration) []Step {
	steps := make([]Step, 0, len(q.ContextLines)+1)
	base := first
	for i, line := range q.ContextLines {
		steps = append(steps, Step{
			Kind:  StepContext,
			Delay: p.delay(base, line.Message),
			Message: domain.Message{
				ID:        contextMessageID(channelID, q.ID, i),
				ChannelID: channelID,
				Role:      domain.RoleAgent,
				Author:    line.Agent,
				Content:   line.Message,
			},
		})
		base = p.ContextLineDelay
	}
	steps = append(steps, Step{
		Kind:  StepQuestion,
		Delay: p.delay(base, q.MainQuestion),
		Message: domain.Message{
			ID:        scriptedMessageID(channelID, q.ID),
			ChannelID: channelID,
			Role:      domain.RoleAgent,
			Author:    q.Author(),
			Content:   q.MainQuestion,
			Stimulus:  q.Stimulus,
		},
	})
	return steps
}

// activationSteps delivers the first question of a channel immediately.
func (p Pacing) activationSteps(channelID string, q *domain.Question) []Step {
	return p.questionSteps(channelID, q, 0)
}

// transitionSteps turns an accepted response into the scripted reply.
func (p Pacing) transitionSteps(tr Transition, completion string) []Step {
	switch tr.Kind {
	case TransitionFollowUp:
		return []Step{{
			Kind:  StepFollowUp,
			Delay: p.delay(p.ResponseDelay, tr.FollowUp.Question),
			Message: domain.Message{
				ID:        scriptedMessageID(tr.ChannelID, tr.FollowUp.ID),
				ChannelID: tr.ChannelID,
				Role:      domain.RoleAgent,
				Author:    tr.FollowUp.Agent,
				Content:   tr.FollowUp.Question,
			},
		}}
	case TransitionNextQuestion:
		return p.questionSteps(tr.ChannelID, tr.Question, p.ResponseDelay)
	default:
		return []Step{{
			Kind:  StepCompletion,
			Delay: p.ResponseDelay,
			Message: domain.Message{
				ID:        completionMessageID(tr.ChannelID),
				ChannelID: tr.ChannelID,
				Role:      domain.RoleSystem,
				Author:    "System",
				Content:   completion,
			},
		}}
	}
}

// EmitFunc receives each scheduled message when its delay has elapsed.
type EmitFunc func(msg domain.Message)

type lane struct {
	current []Step
	pending [][]Step
	running bool
}

// Sequencer drains per-channel FIFO queues of scheduled steps. A batch
// enqueued for a channel starts only after every earlier batch for that
// channel has been emitted; channels drain independently.
type Sequencer struct {
	emit   EmitFunc
	after  func(time.Duration) <-chan time.Time
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	lanes map[string]*lane
}

// NewSequencer creates a sequencer. after defaults to time.After.
func NewSequencer(emit EmitFunc, after func(time.Duration) <-chan time.Time, logger *slog.Logger) *Sequencer {
	if after == nil {
		after = time.After
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sequencer{
		emit:   emit,
		after:  after,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
	}
}

// Enqueue appends a batch behind the channel's queue tail. It returns false
// once the sequencer is stopped.
func (s *Sequencer) Enqueue(channelID string, steps []Step) bool {
	if len(steps) == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	l, ok := s.lanes[channelID]
	if !ok {
		l = &lane{}
		s.lanes[channelID] = l
	}
	batch := make([]Step, len(steps))
	copy(batch, steps)
	l.pending = append(l.pending, batch)

	if !l.running {
		l.running = true
		s.wg.Add(1)
		go s.drain(channelID, l)
	}
	return true
}

// Next reports the kind of the next step still to be emitted on a channel.
func (s *Sequencer) Next(channelID string) (StepKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[channelID]
	if !ok {
		return "", false
	}
	if len(l.current) > 0 {
		return l.current[0].Kind, true
	}
	if len(l.pending) > 0 {
		return l.pending[0][0].Kind, true
	}
	return "", false
}

// Pending returns the number of steps not yet emitted on a channel.
func (s *Sequencer) Pending(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[channelID]
	if !ok {
		return 0
	}
	n := len(l.current)
	for _, b := range l.pending {
		n += len(b)
	}
	return n
}

// Stop discards everything still queued. Steps waiting on their delay are
// never emitted.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	for _, l := range s.lanes {
		l.current = nil
		l.pending = nil
	}
}

// Wait blocks until every drain goroutine has returned.
func (s *Sequencer) Wait() {
	s.wg.Wait()
}

func (s *Sequencer) drain(channelID string, l *lane) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if len(l.current) == 0 {
			if len(l.pending) == 0 || s.ctx.Err() != nil {
				l.running = false
				s.mu.Unlock()
				return
			}
			l.current = l.pending[0]
			l.pending = l.pending[1:]
		}
		step := l.current[0]
		s.mu.Unlock()

		if !s.wait(step.Delay) {
			s.logger.Debug("Sequencer stopped with steps pending", "channel_id", channelID)
			s.mu.Lock()
			l.running = false
			s.mu.Unlock()
			return
		}

		s.emit(step.Message)

		s.mu.Lock()
		if len(l.current) > 0 {
			l.current = l.current[1:]
		}
		s.mu.Unlock()
	}
}

func (s *Sequencer) wait(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-s.after(d):
		return s.ctx.Err() == nil
	}
}
