// Package scoring hands finished simulations to the external evaluation
// service and persists what it returns. The same service generates
// scenarios from a job and company description.
package scoring

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/scenario"
)

// ErrUnavailable is returned when no scoring service is configured.
var ErrUnavailable = errors.New("scoring service unavailable")

// AnalyzeRequest is the payload sent for evaluation.
type AnalyzeRequest struct {
	SimulationID    string              `json:"simulation_id"`
	Scenario        *domain.Scenario    `json:"scenario"`
	Responses       []domain.Response   `json:"responses"`
	ViolationsCount int                 `json:"violations_count"`
	Reason          domain.SubmitReason `json:"reason"`
}

// GenerateRequest asks for a new scenario.
type GenerateRequest struct {
	JobDescription     string `json:"job_description"`
	CompanyDescription string `json:"company_description"`
}

// Service is the remote evaluation and generation collaborator.
type Service interface {
	Analyze(ctx context.Context, req AnalyzeRequest) (*domain.Scores, error)
	// Generate returns the raw scenario text, possibly wrapped in a
	// markdown fence.
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Close()
}

// GenerateScenario asks svc for a scenario and validates the result.
func GenerateScenario(ctx context.Context, svc Service, req GenerateRequest) (*domain.Scenario, error) {
	if svc == nil {
		return nil, ErrUnavailable
	}
	raw, err := svc.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate scenario: %w", err)
	}
	sc, err := scenario.Load([]byte(scenario.ExtractJSON(raw)))
	if err != nil {
		return nil, fmt.Errorf("generated scenario: %w", err)
	}
	return sc, nil
}
