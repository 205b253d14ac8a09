// Package domain contains core domain types for the simulation service.
package domain

// StimulusKind classifies an artifact attached to a scripted question.
type StimulusKind string

const (
	StimulusCode     StimulusKind = "code"
	StimulusDocument StimulusKind = "document"
	StimulusData     StimulusKind = "data"
)

// Valid reports whether k is one of the known stimulus kinds.
func (k StimulusKind) Valid() bool {
	switch k {
	case StimulusCode, StimulusDocument, StimulusData:
		return true
	}
	return false
}

// Agent is a scripted persona taking part in the simulation.
type Agent struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Role        string `json:"role" yaml:"role" toml:"role"`
	Personality string `json:"personality,omitempty" yaml:"personality,omitempty" toml:"personality,omitempty"`
}

// Channel is an independent scripted conversation thread.
type Channel struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Name        string `json:"name" yaml:"name" toml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// ContextLine is scripted chatter delivered before a main question.
type ContextLine struct {
	Agent   string `json:"agent" yaml:"agent" toml:"agent"`
	Message string `json:"message" yaml:"message" toml:"message"`
}

// FollowUp is a scripted question asked after the candidate answers.
type FollowUp struct {
	ID       string `json:"id" yaml:"id" toml:"id"`
	Agent    string `json:"agent" yaml:"agent" toml:"agent"`
	Question string `json:"question" yaml:"question" toml:"question"`
}

// Stimulus is a code, document or data artifact shown with a question.
type Stimulus struct {
	Kind    StimulusKind `json:"type" yaml:"type" toml:"type"`
	Title   string       `json:"title" yaml:"title" toml:"title"`
	Content string       `json:"content" yaml:"content" toml:"content"`
}

// Question is a main question in a channel together with its context
// lines and follow-ups.
type Question struct {
	ID           string        `json:"id" yaml:"id" toml:"id"`
	ChannelID    string        `json:"channel" yaml:"channel" toml:"channel"`
	MainQuestion string        `json:"mainQuestion" yaml:"mainQuestion" toml:"mainQuestion"`
	ContextLines []ContextLine `json:"context,omitempty" yaml:"context,omitempty" toml:"context,omitempty"`
	Stimulus     *Stimulus     `json:"stimulus,omitempty" yaml:"stimulus,omitempty" toml:"stimulus,omitempty"`
	FollowUps    []FollowUp    `json:"followUps,omitempty" yaml:"followUps,omitempty" toml:"followUps,omitempty"`
}

// Author returns the persona that asks the main question. The first
// context speaker owns the question; otherwise it is attributed to the team.
func (q *Question) Author() string {
	if len(q.ContextLines) > 0 && q.ContextLines[0].Agent != "" {
		return q.ContextLines[0].Agent
	}
	return "Team"
}

// Scenario is the full declarative script for one simulation.
// It is never mutated once loaded.
type Scenario struct {
	Agents    []Agent    `json:"agents" yaml:"agents" toml:"agents"`
	Channels  []Channel  `json:"channels" yaml:"channels" toml:"channels"`
	Questions []Question `json:"questions" yaml:"questions" toml:"questions"`
}

// Channel returns the declared channel with the given id.
func (s *Scenario) Channel(id string) (Channel, bool) {
	for _, ch := range s.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return Channel{}, false
}

// ChannelQuestions returns the questions of a channel in declared order.
func (s *Scenario) ChannelQuestions(channelID string) []Question {
	var out []Question
	for _, q := range s.Questions {
		if q.ChannelID == channelID {
			out = append(out, q)
		}
	}
	return out
}
