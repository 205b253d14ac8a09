package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/engine"
	"github.com/ashureev/simroom/internal/identity"
	"github.com/ashureev/simroom/internal/scenario"
	"github.com/ashureev/simroom/internal/scoring"
	"github.com/ashureev/simroom/internal/session"
)

// ScoreReader loads stored evaluation results.
type ScoreReader interface {
	GetScores(ctx context.Context, simulationID string) (*domain.Scores, error)
}

// SimulationHandler serves the simulation endpoints.
type SimulationHandler struct {
	sessions        *session.Manager
	catalog         *scenario.Catalog
	generator       scoring.Service
	scores          ScoreReader
	generateTimeout time.Duration
	stream          http.HandlerFunc
	limit           func(http.Handler) http.Handler
	logger          *slog.Logger
}

// SimulationDeps are the collaborators of SimulationHandler. Catalog,
// Generator, Stream and RateLimit may be nil.
type SimulationDeps struct {
	Sessions        *session.Manager
	Catalog         *scenario.Catalog
	Generator       scoring.Service
	Scores          ScoreReader
	GenerateTimeout time.Duration
	// Stream serves GET /api/simulations/{id}/stream.
	Stream http.HandlerFunc
	// RateLimit wraps the routes that create or change simulations.
	RateLimit func(http.Handler) http.Handler
	Logger    *slog.Logger
}

// NewSimulationHandler creates the handler.
func NewSimulationHandler(deps SimulationDeps) *SimulationHandler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.GenerateTimeout <= 0 {
		deps.GenerateTimeout = 2 * time.Minute
	}
	return &SimulationHandler{
		sessions:        deps.Sessions,
		catalog:         deps.Catalog,
		generator:       deps.Generator,
		scores:          deps.Scores,
		generateTimeout: deps.GenerateTimeout,
		stream:          deps.Stream,
		limit:           deps.RateLimit,
		logger:          deps.Logger,
	}
}

// RegisterRoutes registers simulation routes.
func (h *SimulationHandler) RegisterRoutes(r chi.Router) {
	limited := func(r chi.Router) chi.Router {
		if h.limit == nil {
			return r
		}
		return r.With(h.limit)
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/scenarios", h.ListScenarios)
		r.Route("/simulations", func(r chi.Router) {
			r.Get("/", h.List)
			limited(r).Post("/", h.Create)
			limited(r).Post("/generate", h.Generate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.State)
				limited(r).Post("/start", h.Start)
				limited(r).Post("/channels/{channelID}/responses", h.Respond)
				r.Post("/violations", h.Violation)
				limited(r).Post("/submit", h.Submit)
				r.Get("/analytics", h.Analytics)
				if h.stream != nil {
					r.Get("/stream", h.stream)
				}
			})
		})
	})
}

type createRequest struct {
	Scenario           json.RawMessage `json:"scenario,omitempty"`
	ScenarioName       string          `json:"scenarioName,omitempty"`
	JobDescription     string          `json:"jobDescription,omitempty"`
	CompanyDescription string          `json:"companyDescription,omitempty"`
}

type simulationSummary struct {
	ID           string                  `json:"id"`
	Status       domain.SimulationStatus `json:"status"`
	SubmitReason domain.SubmitReason     `json:"submit_reason,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	CompletedAt  *time.Time              `json:"completed_at,omitempty"`
	Submitted    bool                    `json:"submitted"`
}

func summarize(sim *domain.Simulation) simulationSummary {
	return simulationSummary{
		ID:           sim.ID,
		Status:       sim.Status,
		SubmitReason: sim.SubmitReason,
		CreatedAt:    sim.CreatedAt,
		StartedAt:    sim.StartedAt,
		CompletedAt:  sim.CompletedAt,
		Submitted:    sim.Status == domain.StatusSubmitted,
	}
}

// ListScenarios returns the names of the bundled scenarios.
func (h *SimulationHandler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if h.catalog != nil {
		names = h.catalog.Names()
	}
	JSON(w, http.StatusOK, map[string]any{"scenarios": names})
}

// List returns the current candidate's simulations.
func (h *SimulationHandler) List(w http.ResponseWriter, r *http.Request) {
	candidateID := identity.CandidateIDFromContext(r.Context())
	sims, err := h.sessions.List(r.Context(), candidateID)
	if err != nil {
		WriteError(w, err)
		return
	}
	out := make([]simulationSummary, 0, len(sims))
	for _, sim := range sims {
		out = append(out, summarize(sim))
	}
	JSON(w, http.StatusOK, map[string]any{"simulations": out})
}

// Create stores a new simulation from an inline or bundled scenario.
func (h *SimulationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var sc *domain.Scenario
	switch {
	case len(req.Scenario) > 0:
		parsed, err := scenario.Load(req.Scenario)
		if err != nil {
			WriteError(w, err)
			return
		}
		sc = parsed
	case req.ScenarioName != "" && h.catalog != nil:
		found, ok := h.catalog.Get(req.ScenarioName)
		if !ok {
			Error(w, http.StatusNotFound, "scenario not found")
			return
		}
		sc = found
	default:
		Error(w, http.StatusBadRequest, "scenario or scenarioName is required")
		return
	}

	h.create(w, r, sc, req.JobDescription, req.CompanyDescription)
}

// Generate asks the scoring service for a scenario and stores it.
func (h *SimulationHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.JobDescription) == "" || strings.TrimSpace(req.CompanyDescription) == "" {
		Error(w, http.StatusBadRequest, "jobDescription and companyDescription are required")
		return
	}
	if h.generator == nil {
		WriteError(w, scoring.ErrUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.generateTimeout)
	defer cancel()
	sc, err := scoring.GenerateScenario(ctx, h.generator, scoring.GenerateRequest{
		JobDescription:     req.JobDescription,
		CompanyDescription: req.CompanyDescription,
	})
	if err != nil {
		h.logger.Warn("Scenario generation failed", "error", err)
		status, _ := ErrorStatus(err)
		if status == http.StatusInternalServerError {
			Error(w, http.StatusBadGateway, "scenario generation failed")
			return
		}
		WriteError(w, err)
		return
	}
	h.create(w, r, sc, req.JobDescription, req.CompanyDescription)
}

func (h *SimulationHandler) create(w http.ResponseWriter, r *http.Request, sc *domain.Scenario, job, company string) {
	sim, err := h.sessions.Create(r.Context(), session.CreateParams{
		CandidateID:        identity.CandidateIDFromContext(r.Context()),
		Scenario:           sc,
		JobDescription:     job,
		CompanyDescription: company,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]string{"id": sim.ID})
}

// Start starts or resumes a simulation and returns its snapshot.
func (h *SimulationHandler) Start(w http.ResponseWriter, r *http.Request) {
	e, err := h.sessions.Start(r.Context(), chi.URLParam(r, "id"), identity.CandidateIDFromContext(r.Context()))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, e.Snapshot())
}

// State returns the live snapshot, or the stored summary when the
// simulation is not running.
func (h *SimulationHandler) State(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	candidateID := identity.CandidateIDFromContext(r.Context())
	if e, err := h.sessions.Engine(id, candidateID); err == nil {
		JSON(w, http.StatusOK, e.Snapshot())
		return
	}
	sim, err := h.sessions.Simulation(r.Context(), id, candidateID)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, summarize(sim))
}

func (h *SimulationHandler) liveEngine(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	e, err := h.sessions.Engine(chi.URLParam(r, "id"), identity.CandidateIDFromContext(r.Context()))
	if err != nil {
		WriteError(w, err)
		return nil, false
	}
	return e, true
}

type respondRequest struct {
	Content string `json:"content"`
}

// Respond records a candidate response on a channel.
func (h *SimulationHandler) Respond(w http.ResponseWriter, r *http.Request) {
	e, ok := h.liveEngine(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	tr, err := e.SubmitResponse(chi.URLParam(r, "channelID"), req.Content)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, tr)
}

type violationRequest struct {
	Kind string `json:"kind"`
}

// Violation records a proctoring violation.
func (h *SimulationHandler) Violation(w http.ResponseWriter, r *http.Request) {
	e, ok := h.liveEngine(w, r)
	if !ok {
		return
	}
	var req violationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		Error(w, http.StatusBadRequest, "kind is required")
		return
	}

	total, err := e.ReportViolation(req.Kind)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]int{"violationsCount": total})
}

// Submit finalizes a simulation on the candidate's request.
func (h *SimulationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	e, ok := h.liveEngine(w, r)
	if !ok {
		return
	}
	if err := e.Submit(); err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"submitted": true, "simulation_id": e.SimulationID()})
}

// Analytics returns the stored scores of a simulation.
func (h *SimulationHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.sessions.Simulation(r.Context(), id, identity.CandidateIDFromContext(r.Context())); err != nil {
		WriteError(w, err)
		return
	}
	scores, err := h.scores.GetScores(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	if scores == nil {
		Error(w, http.StatusNotFound, "not_scored")
		return
	}
	JSON(w, http.StatusOK, scores)
}
