package domain

import "time"

// Candidate is an anonymous person taking simulations from one device.
type Candidate struct {
	CandidateID string    `json:"candidate_id"`
	DisplayName string    `json:"display_name"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
