// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/simroom/internal/domain"
)

// Repository defines the interface for persisting candidates, simulations
// and everything recorded while a simulation runs.
type Repository interface {
	// GetCandidate retrieves a candidate by ID. It returns nil, nil when
	// the candidate does not exist.
	GetCandidate(ctx context.Context, candidateID string) (*domain.Candidate, error)

	// UpsertCandidate creates or updates a candidate record.
	UpsertCandidate(ctx context.Context, c *domain.Candidate) error

	// UpdateLastSeen updates the last_seen_at timestamp for a candidate.
	UpdateLastSeen(ctx context.Context, candidateID string, lastSeen time.Time) error

	// CreateSimulation stores a new pending simulation.
	CreateSimulation(ctx context.Context, sim *domain.Simulation) error

	// GetSimulation retrieves a simulation. It returns
	// domain.ErrSimulationNotFound when there is none.
	GetSimulation(ctx context.Context, id string) (*domain.Simulation, error)

	// ListSimulations returns a candidate's simulations, newest first.
	ListSimulations(ctx context.Context, candidateID string) ([]*domain.Simulation, error)

	// MarkStarted moves a pending simulation to in_progress.
	MarkStarted(ctx context.Context, id string, at time.Time) error

	// MarkSubmitted finalizes a simulation. It returns
	// domain.ErrAlreadySubmitted if it was already submitted.
	MarkSubmitted(ctx context.Context, id string, reason domain.SubmitReason, at time.Time) error

	// GetExpiredSimulations returns in-progress simulations started before
	// now minus duration.
	GetExpiredSimulations(ctx context.Context, duration time.Duration) ([]*domain.Simulation, error)

	// SaveResponse appends a candidate response.
	SaveResponse(ctx context.Context, r domain.Response) error

	// ListResponses returns a simulation's responses in the order accepted.
	ListResponses(ctx context.Context, simulationID string) ([]domain.Response, error)

	// SaveViolation appends a proctoring violation.
	SaveViolation(ctx context.Context, v domain.Violation) error

	// CountViolations returns the number of violations recorded.
	CountViolations(ctx context.Context, simulationID string) (int, error)

	// SaveScores stores or replaces the scores of a simulation.
	SaveScores(ctx context.Context, simulationID string, s *domain.Scores) error

	// GetScores returns a simulation's scores, or nil, nil if none exist.
	GetScores(ctx context.Context, simulationID string) (*domain.Scores, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
