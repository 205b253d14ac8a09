package engine

import (
	"fmt"

	"github.com/ashureev/simroom/internal/domain"
)

// TransitionKind says which branch an accepted response took.
type TransitionKind string

const (
	TransitionFollowUp     TransitionKind = "follow_up"
	TransitionNextQuestion TransitionKind = "next_question"
	TransitionCompleted    TransitionKind = "completed"
)

// Transition is the result of one accepted candidate response.
type Transition struct {
	ChannelID string         `json:"channel_id"`
	Kind      TransitionKind `json:"kind"`
	// AnsweredID is the id of the question or follow-up the response answered.
	AnsweredID string                 `json:"answered_id"`
	Question   *domain.Question       `json:"-"`
	FollowUp   *domain.FollowUp       `json:"-"`
	Progress   domain.ChannelProgress `json:"progress"`
}

type cursor struct {
	questions []domain.Question
	progress  domain.ChannelProgress
}

// Tracker holds the progress cursor of every channel that has questions.
// Distinct channels may be advanced concurrently; calls for the same
// channel must be serialized by the caller.
type Tracker struct {
	cursors map[string]*cursor
}

// NewTracker creates zeroed progress for each channel with questions.
func NewTracker(sc *domain.Scenario) *Tracker {
	t := &Tracker{cursors: make(map[string]*cursor, len(sc.Channels))}
	for _, ch := range sc.Channels {
		qs := sc.ChannelQuestions(ch.ID)
		if len(qs) == 0 {
			continue
		}
		t.cursors[ch.ID] = &cursor{questions: qs}
	}
	return t
}

// Tracks reports whether the channel has tracked progress.
func (t *Tracker) Tracks(channelID string) bool {
	_, ok := t.cursors[channelID]
	return ok
}

// Progress returns a copy of the channel's cursor.
func (t *Tracker) Progress(channelID string) (domain.ChannelProgress, bool) {
	c, ok := t.cursors[channelID]
	if !ok {
		return domain.ChannelProgress{}, false
	}
	return c.progress, true
}

// Current returns the question the channel is on.
func (t *Tracker) Current(channelID string) (*domain.Question, bool) {
	c, ok := t.cursors[channelID]
	if !ok {
		return nil, false
	}
	return &c.questions[c.progress.QuestionIndex], true
}

// Advance applies one candidate response to the channel. It asks the next
// follow-up if one remains, otherwise moves to the next main question,
// otherwise completes and locks the channel.
func (t *Tracker) Advance(channelID string) (Transition, error) {
	c, ok := t.cursors[channelID]
	if !ok {
		return Transition{}, fmt.Errorf("channel %q has no progress: %w", channelID, domain.ErrInvalidState)
	}
	if c.progress.Completed {
		return Transition{}, fmt.Errorf("channel %q is completed: %w", channelID, domain.ErrInvalidState)
	}

	p := &c.progress
	q := &c.questions[p.QuestionIndex]
	tr := Transition{ChannelID: channelID, AnsweredID: q.ID}
	if p.FollowUpIndex > 0 {
		tr.AnsweredID = q.FollowUps[p.FollowUpIndex-1].ID
	}

	switch {
	case p.FollowUpIndex < len(q.FollowUps):
		tr.Kind = TransitionFollowUp
		tr.Question = q
		tr.FollowUp = &q.FollowUps[p.FollowUpIndex]
		p.FollowUpIndex++
	case p.QuestionIndex+1 < len(c.questions):
		tr.Kind = TransitionNextQuestion
		p.QuestionIndex++
		p.FollowUpIndex = 0
		tr.Question = &c.questions[p.QuestionIndex]
	default:
		tr.Kind = TransitionCompleted
		p.Completed = true
	}
	tr.Progress = *p
	return tr, nil
}
