package domain

import "time"

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleAgent     Role = "agent"
	RoleCandidate Role = "candidate"
)

// Message is a single entry in a channel's conversation.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Role      Role      `json:"role"`
	Author    string    `json:"author,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Stimulus  *Stimulus `json:"stimulus,omitempty"`
}
