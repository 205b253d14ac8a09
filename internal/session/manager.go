// Package session owns the live simulation engines of this process and
// connects them to persistence, scoring and the event fan-out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/engine"
	"github.com/ashureev/simroom/internal/scenario"
	"github.com/ashureev/simroom/internal/store"
)

// PublisherFactory returns the event sink for one simulation.
type PublisherFactory func(simulationID string) engine.Publisher

// Options configures a Manager.
type Options struct {
	Engine     engine.Config
	Scorer     engine.Scorer
	Publishers PublisherFactory
	// ReapAfter is how long a submitted engine stays in memory so clients
	// can still read its final state.
	ReapAfter time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// CreateParams describes a new simulation attempt.
type CreateParams struct {
	CandidateID        string
	Scenario           *domain.Scenario
	JobDescription     string
	CompanyDescription string
}

type liveEngine struct {
	engine      *engine.Engine
	candidateID string
	submittedAt time.Time
}

// Manager is the registry of running engines.
type Manager struct {
	repo   store.Repository
	opts   Options
	logger *slog.Logger

	startMu sync.Mutex

	mu   sync.Mutex
	live map[string]*liveEngine
}

// NewManager creates a manager backed by repo.
func NewManager(repo store.Repository, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Engine.SessionDuration <= 0 {
		opts.Engine = engine.DefaultConfig()
	}
	if opts.ReapAfter <= 0 {
		opts.ReapAfter = 10 * time.Minute
	}
	return &Manager{
		repo:   repo,
		opts:   opts,
		logger: opts.Logger,
		live:   make(map[string]*liveEngine),
	}
}

// Create validates the scenario and stores a pending simulation.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*domain.Simulation, error) {
	if err := scenario.Validate(p.Scenario); err != nil {
		return nil, err
	}
	sim := &domain.Simulation{
		ID:                 uuid.NewString(),
		CandidateID:        p.CandidateID,
		JobDescription:     p.JobDescription,
		CompanyDescription: p.CompanyDescription,
		Scenario:           p.Scenario,
		Status:             domain.StatusPending,
		CreatedAt:          m.opts.Now().UTC(),
	}
	if err := m.repo.CreateSimulation(ctx, sim); err != nil {
		return nil, fmt.Errorf("create simulation: %w", err)
	}
	m.logger.Info("Simulation created",
		"simulation_id", sim.ID,
		"candidate_id", sim.CandidateID,
		"channels", len(sim.Scenario.Channels),
		"questions", len(sim.Scenario.Questions))
	return sim, nil
}

// Simulation loads a simulation owned by candidateID. An empty
// candidateID skips the ownership check.
func (m *Manager) Simulation(ctx context.Context, simulationID, candidateID string) (*domain.Simulation, error) {
	sim, err := m.repo.GetSimulation(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	if candidateID != "" && sim.CandidateID != candidateID {
		return nil, fmt.Errorf("simulation %s: %w", simulationID, domain.ErrSimulationNotFound)
	}
	return sim, nil
}

// List returns a candidate's simulations, newest first.
func (m *Manager) List(ctx context.Context, candidateID string) ([]*domain.Simulation, error) {
	sims, err := m.repo.ListSimulations(ctx, candidateID)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}
	return sims, nil
}

// Start returns the running engine for a simulation, starting it if
// needed. A simulation left in progress by an earlier process is restored
// from its stored responses; one whose time ran out meanwhile is submitted.
func (m *Manager) Start(ctx context.Context, simulationID, candidateID string) (*engine.Engine, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if e, ok := m.lookup(simulationID, candidateID); ok {
		return e, nil
	}

	sim, err := m.Simulation(ctx, simulationID, candidateID)
	if err != nil {
		return nil, err
	}

	switch sim.Status {
	case domain.StatusSubmitted:
		return nil, fmt.Errorf("simulation %s: %w", simulationID, domain.ErrAlreadySubmitted)
	case domain.StatusInProgress:
		return m.resume(ctx, sim)
	default:
		return m.launch(ctx, sim)
	}
}

func (m *Manager) launch(ctx context.Context, sim *domain.Simulation) (*engine.Engine, error) {
	e, err := m.newEngine(sim)
	if err != nil {
		return nil, err
	}
	if err := m.repo.MarkStarted(ctx, sim.ID, m.opts.Now()); err != nil {
		e.Close()
		return nil, fmt.Errorf("start simulation: %w", err)
	}
	m.register(sim, e)
	e.Start()
	return e, nil
}

func (m *Manager) resume(ctx context.Context, sim *domain.Simulation) (*engine.Engine, error) {
	var elapsed time.Duration
	if sim.StartedAt != nil {
		elapsed = m.opts.Now().Sub(*sim.StartedAt)
	}
	if elapsed >= m.opts.Engine.SessionDuration {
		if err := m.expire(ctx, sim); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("simulation %s expired: %w", sim.ID, domain.ErrAlreadySubmitted)
	}

	responses, err := m.repo.ListResponses(ctx, sim.ID)
	if err != nil {
		return nil, fmt.Errorf("resume simulation: %w", err)
	}
	violations, err := m.repo.CountViolations(ctx, sim.ID)
	if err != nil {
		return nil, fmt.Errorf("resume simulation: %w", err)
	}

	e, err := m.newEngine(sim)
	if err != nil {
		return nil, err
	}
	if err := e.Restore(responses, violations, elapsed); err != nil {
		e.Close()
		return nil, fmt.Errorf("resume simulation: %w", err)
	}
	m.register(sim, e)
	e.Start()
	return e, nil
}

func (m *Manager) newEngine(sim *domain.Simulation) (*engine.Engine, error) {
	var pub engine.Publisher = engine.PublisherFunc(m.observe)
	if m.opts.Publishers != nil {
		pub = engine.Fanout{m.opts.Publishers(sim.ID), pub}
	}
	return engine.New(sim.ID, sim.Scenario, m.opts.Engine, engine.Deps{
		Responses:  m.repo,
		Violations: m.repo,
		Finalizer:  finalizer{repo: m.repo},
		Scorer:     m.opts.Scorer,
		Publisher:  pub,
		Logger:     m.logger,
		Now:        m.opts.Now,
		NewID:      uuid.NewString,
	})
}

func (m *Manager) register(sim *domain.Simulation, e *engine.Engine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[sim.ID] = &liveEngine{engine: e, candidateID: sim.CandidateID}
}

// observe records when a live engine is submitted so it can be reaped.
func (m *Manager) observe(ev engine.Event) {
	if ev.Type != engine.EventSubmitted {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if le, ok := m.live[ev.SimulationID]; ok {
		le.submittedAt = ev.At
	}
}

func (m *Manager) lookup(simulationID, candidateID string) (*engine.Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	le, ok := m.live[simulationID]
	if !ok || (candidateID != "" && le.candidateID != candidateID) {
		return nil, false
	}
	return le.engine, true
}

// Engine returns the live engine of a simulation. It returns
// domain.ErrSessionNotActive when the simulation is not running here.
func (m *Manager) Engine(simulationID, candidateID string) (*engine.Engine, error) {
	if e, ok := m.lookup(simulationID, candidateID); ok {
		return e, nil
	}
	return nil, fmt.Errorf("simulation %s: %w", simulationID, domain.ErrSessionNotActive)
}

// ActiveCount returns the number of engines held in memory.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Reap closes and forgets engines submitted more than ReapAfter ago.
func (m *Manager) Reap() int {
	cutoff := m.opts.Now().Add(-m.opts.ReapAfter)

	m.mu.Lock()
	var done []*engine.Engine
	for id, le := range m.live {
		if !le.engine.Submitted() || le.submittedAt.IsZero() || le.submittedAt.After(cutoff) {
			continue
		}
		done = append(done, le.engine)
		delete(m.live, id)
	}
	m.mu.Unlock()

	for _, e := range done {
		e.Close()
	}
	return len(done)
}

// Shutdown stops every live engine without submitting it. Running
// simulations resume on the next Start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	engines := make([]*engine.Engine, 0, len(m.live))
	for id, le := range m.live {
		engines = append(engines, le.engine)
		delete(m.live, id)
	}
	m.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
	m.logger.Info("Session manager stopped", "engines", len(engines))
}

// expire submits a simulation that has no live engine and hands its stored
// responses to scoring.
func (m *Manager) expire(ctx context.Context, sim *domain.Simulation) error {
	at := m.opts.Now()
	if err := m.repo.MarkSubmitted(ctx, sim.ID, domain.SubmitByExpiry, at); err != nil {
		if errors.Is(err, domain.ErrAlreadySubmitted) {
			return nil
		}
		return fmt.Errorf("expire simulation: %w", err)
	}

	responses, err := m.repo.ListResponses(ctx, sim.ID)
	if err != nil {
		return fmt.Errorf("expire simulation: %w", err)
	}
	violations, err := m.repo.CountViolations(ctx, sim.ID)
	if err != nil {
		m.logger.Warn("Failed to count violations of expired simulation", "simulation_id", sim.ID, "error", err)
	}

	m.logger.Info("Simulation expired", "simulation_id", sim.ID, "responses", len(responses))
	if m.opts.Scorer != nil {
		m.opts.Scorer.HandOff(engine.Handoff{
			SimulationID:    sim.ID,
			Scenario:        sim.Scenario,
			Responses:       responses,
			ViolationsCount: violations,
			Reason:          domain.SubmitByExpiry,
			SubmittedAt:     at,
		})
	}
	return nil
}

type finalizer struct {
	repo store.Repository
}

// Finalize marks the simulation submitted. A row already submitted by
// the expiry sweep is not an error for the engine.
func (f finalizer) Finalize(ctx context.Context, simulationID string, reason domain.SubmitReason, at time.Time) error {
	err := f.repo.MarkSubmitted(ctx, simulationID, reason, at)
	if errors.Is(err, domain.ErrAlreadySubmitted) {
		return nil
	}
	return err
}
