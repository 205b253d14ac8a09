package domain

import (
	"time"
)

// SimulationStatus is the lifecycle status of a simulation attempt.
type SimulationStatus string

const (
	StatusPending    SimulationStatus = "pending"
	StatusInProgress SimulationStatus = "in_progress"
	StatusSubmitted  SimulationStatus = "submitted"
)

// SubmitReason records what finalized a simulation.
type SubmitReason string

const (
	SubmitByCandidate SubmitReason = "candidate"
	SubmitByClock     SubmitReason = "clock"
	SubmitByExpiry    SubmitReason = "expired"
)

// Simulation is one persisted attempt at a scenario.
type Simulation struct {
	ID                 string           `json:"id"`
	CandidateID        string           `json:"candidate_id"`
	JobDescription     string           `json:"job_description,omitempty"`
	CompanyDescription string           `json:"company_description,omitempty"`
	Scenario           *Scenario        `json:"scenario"`
	Status             SimulationStatus `json:"status"`
	SubmitReason       SubmitReason     `json:"submit_reason,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// Deadline returns when the attempt runs out of time, or the zero time if
// it has not started.
func (s *Simulation) Deadline(duration time.Duration) time.Time {
	if s.StartedAt == nil {
		return time.Time{}
	}
	return s.StartedAt.Add(duration)
}

// Response is a candidate answer to a main question or follow-up.
type Response struct {
	ID           string    `json:"id"`
	SimulationID string    `json:"simulation_id"`
	ChannelID    string    `json:"channel_id"`
	QuestionID   string    `json:"question_id"`
	Content      string    `json:"response"`
	CreatedAt    time.Time `json:"timestamp"`
}

// Violation is a flagged proctoring event.
type Violation struct {
	ID           string    `json:"id"`
	SimulationID string    `json:"simulation_id"`
	Kind         string    `json:"violation_type"`
	OccurredAt   time.Time `json:"timestamp"`
}

// Known violation kinds. The set is open; these are the ones the bundled
// detectors report.
const (
	ViolationTabSwitch      = "tab_switch"
	ViolationNoFace         = "no_face_detected"
	ViolationMultipleFaces  = "multiple_faces"
	ViolationCameraDisabled = "camera_disabled"
	ViolationLookingAway    = "looking_away"
	ViolationDeviceUsage    = "device_usage"
)

// Scores is the evaluation produced by the scoring service.
type Scores struct {
	BusinessImpact               float64   `json:"businessImpactScore"`
	TechnicalAccuracy            float64   `json:"technicalAccuracy"`
	TradeOffAnalysis             float64   `json:"tradeOffAnalysis"`
	CommunicationClarity         float64   `json:"communicationClarity"`
	Adaptability                 float64   `json:"adaptability"`
	CreativityInnovationIndex    float64   `json:"creativityInnovationIndex"`
	BiasTowardExecution          float64   `json:"biasTowardExecution"`
	LearningAgility              float64   `json:"learningAgility"`
	FounderFitIndex              float64   `json:"founderFitIndex"`
	OverallStartupReadinessIndex float64   `json:"overallStartupReadinessIndex"`
	Analysis                     string    `json:"analysis"`
	ScoredAt                     time.Time `json:"scored_at"`
}
