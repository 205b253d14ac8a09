package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS candidates (
		candidate_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS simulations (
		id TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		job_description TEXT NOT NULL DEFAULT '',
		company_description TEXT NOT NULL DEFAULT '',
		scenario_json TEXT NOT NULL,
		status TEXT NOT NULL,
		submit_reason TEXT,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_simulations_candidate ON simulations(candidate_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_simulations_running ON simulations(started_at) WHERE status = 'in_progress';

	CREATE TABLE IF NOT EXISTS responses (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		simulation_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_responses_simulation ON responses(simulation_id, seq);

	CREATE TABLE IF NOT EXISTS violations (
		id TEXT PRIMARY KEY,
		simulation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		occurred_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_violations_simulation ON violations(simulation_id);

	CREATE TABLE IF NOT EXISTS scores (
		simulation_id TEXT PRIMARY KEY,
		scores_json TEXT NOT NULL,
		scored_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetCandidate retrieves a candidate by their ID.
func (s *SQLiteStore) GetCandidate(ctx context.Context, candidateID string) (*domain.Candidate, error) {
	query := `
		SELECT candidate_id, display_name, last_seen_at, created_at, updated_at
		FROM candidates WHERE candidate_id = ?`

	var c domain.Candidate
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, candidateID).Scan(
		&c.CandidateID, &c.DisplayName, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan candidate row: %w", err)
	}

	c.LastSeenAt = time.Unix(lastSeen, 0)
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// UpsertCandidate creates or updates a candidate record.
func (s *SQLiteStore) UpsertCandidate(ctx context.Context, c *domain.Candidate) error {
	query := `
	INSERT INTO candidates (candidate_id, display_name, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(candidate_id) DO UPDATE SET
		display_name = excluded.display_name,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		c.CandidateID, c.DisplayName, c.LastSeenAt.Unix(),
		c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert candidate: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a candidate.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, candidateID string, lastSeen time.Time) error {
	query := `UPDATE candidates SET last_seen_at = ?, updated_at = ? WHERE candidate_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), candidateID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "candidate_id", candidateID)
	}
	return nil
}

// CreateSimulation stores a new simulation.
func (s *SQLiteStore) CreateSimulation(ctx context.Context, sim *domain.Simulation) error {
	scenarioJSON, err := json.Marshal(sim.Scenario)
	if err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	status := sim.Status
	if status == "" {
		status = domain.StatusPending
	}

	query := `
	INSERT INTO simulations (id, candidate_id, job_description, company_description,
		scenario_json, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		sim.ID, sim.CandidateID, sim.JobDescription, sim.CompanyDescription,
		string(scenarioJSON), string(status), sim.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert simulation: %w", err)
	}
	return nil
}

const simulationColumns = `id, candidate_id, job_description, company_description,
	scenario_json, status, submit_reason, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSimulation(row rowScanner) (*domain.Simulation, error) {
	var sim domain.Simulation
	var scenarioJSON, status string
	var reason sql.NullString
	var createdAt int64
	var startedAt, completedAt sql.NullInt64

	if err := row.Scan(
		&sim.ID, &sim.CandidateID, &sim.JobDescription, &sim.CompanyDescription,
		&scenarioJSON, &status, &reason, &createdAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	sim.Scenario = &domain.Scenario{}
	if err := json.Unmarshal([]byte(scenarioJSON), sim.Scenario); err != nil {
		return nil, fmt.Errorf("decode scenario of %s: %w", sim.ID, err)
	}
	sim.Status = domain.SimulationStatus(status)
	sim.SubmitReason = domain.SubmitReason(reason.String)
	sim.CreatedAt = time.UnixMilli(createdAt)
	if startedAt.Valid {
		ts := time.UnixMilli(startedAt.Int64)
		sim.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := time.UnixMilli(completedAt.Int64)
		sim.CompletedAt = &ts
	}
	return &sim, nil
}

// GetSimulation retrieves a simulation by ID.
func (s *SQLiteStore) GetSimulation(ctx context.Context, id string) (*domain.Simulation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+simulationColumns+` FROM simulations WHERE id = ?`, id)
	sim, err := scanSimulation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("simulation %s: %w", id, domain.ErrSimulationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan simulation row: %w", err)
	}
	return sim, nil
}

// ListSimulations returns a candidate's simulations, newest first.
func (s *SQLiteStore) ListSimulations(ctx context.Context, candidateID string) ([]*domain.Simulation, error) {
	query := `SELECT ` + simulationColumns + ` FROM simulations
		WHERE candidate_id = ? ORDER BY created_at DESC`
	return s.querySimulations(ctx, query, candidateID)
}

// GetExpiredSimulations returns in-progress simulations whose time ran out.
func (s *SQLiteStore) GetExpiredSimulations(ctx context.Context, duration time.Duration) ([]*domain.Simulation, error) {
	threshold := time.Now().Add(-duration).UnixMilli()
	query := `SELECT ` + simulationColumns + ` FROM simulations
		WHERE status = 'in_progress' AND started_at < ?`
	return s.querySimulations(ctx, query, threshold)
}

func (s *SQLiteStore) querySimulations(ctx context.Context, query string, args ...any) ([]*domain.Simulation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query simulations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close simulation rows", "error", closeErr)
		}
	}()

	var sims []*domain.Simulation
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan simulation row: %w", err)
		}
		sims = append(sims, sim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate simulations: %w", err)
	}
	return sims, nil
}

// MarkStarted moves a pending simulation to in_progress. Starting a
// simulation that is already running is a no-op.
func (s *SQLiteStore) MarkStarted(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE simulations SET status = 'in_progress', started_at = ?
		WHERE id = ? AND status = 'pending'`
	var rows int64
	err := shared.RetryOnConflict(ctx, "mark started", writeAttempts, writeBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, query, at.UnixMilli(), id)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark simulation started: %w", err)
	}
	if rows == 1 {
		return nil
	}

	sim, err := s.GetSimulation(ctx, id)
	if err != nil {
		return err
	}
	if sim.Status == domain.StatusSubmitted {
		return fmt.Errorf("simulation %s: %w", id, domain.ErrAlreadySubmitted)
	}
	return nil
}

// MarkSubmitted finalizes a simulation. Only the first call succeeds.
func (s *SQLiteStore) MarkSubmitted(ctx context.Context, id string, reason domain.SubmitReason, at time.Time) error {
	query := `UPDATE simulations SET status = 'submitted', submit_reason = ?, completed_at = ?
		WHERE id = ? AND status != 'submitted'`
	var rows int64
	err := shared.RetryOnConflict(ctx, "mark submitted", writeAttempts, writeBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, query, string(reason), at.UnixMilli(), id)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark simulation submitted: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// Either missing or already submitted; GetSimulation tells which.
	if _, err := s.GetSimulation(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("simulation %s: %w", id, domain.ErrAlreadySubmitted)
}

// Finalize adapts MarkSubmitted to the engine's finalizer hook.
func (s *SQLiteStore) Finalize(ctx context.Context, simulationID string, reason domain.SubmitReason, at time.Time) error {
	return s.MarkSubmitted(ctx, simulationID, reason, at)
}

// SaveResponse appends a candidate response.
func (s *SQLiteStore) SaveResponse(ctx context.Context, r domain.Response) error {
	query := `
	INSERT INTO responses (id, simulation_id, channel_id, question_id, content, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	err := shared.RetryOnConflict(ctx, "save response", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			r.ID, r.SimulationID, r.ChannelID, r.QuestionID, r.Content, r.CreatedAt.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

// ListResponses returns a simulation's responses in insertion order.
func (s *SQLiteStore) ListResponses(ctx context.Context, simulationID string) ([]domain.Response, error) {
	query := `
		SELECT id, simulation_id, channel_id, question_id, content, created_at
		FROM responses WHERE simulation_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, simulationID)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close response rows", "error", closeErr)
		}
	}()

	var out []domain.Response
	for rows.Next() {
		var r domain.Response
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.SimulationID, &r.ChannelID, &r.QuestionID, &r.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan response row: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return out, nil
}

// SaveViolation appends a proctoring violation.
func (s *SQLiteStore) SaveViolation(ctx context.Context, v domain.Violation) error {
	query := `INSERT INTO violations (id, simulation_id, kind, occurred_at) VALUES (?, ?, ?, ?)`
	err := shared.RetryOnConflict(ctx, "save violation", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, v.ID, v.SimulationID, v.Kind, v.OccurredAt.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// CountViolations returns the number of violations of a simulation.
func (s *SQLiteStore) CountViolations(ctx context.Context, simulationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM violations WHERE simulation_id = ?`, simulationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return n, nil
}

// SaveScores stores or replaces a simulation's scores.
func (s *SQLiteStore) SaveScores(ctx context.Context, simulationID string, sc *domain.Scores) error {
	payload, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	query := `
	INSERT INTO scores (simulation_id, scores_json, scored_at) VALUES (?, ?, ?)
	ON CONFLICT(simulation_id) DO UPDATE SET
		scores_json = excluded.scores_json,
		scored_at = excluded.scored_at`
	err = shared.RetryOnConflict(ctx, "save scores", writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, simulationID, string(payload), sc.ScoredAt.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert scores: %w", err)
	}
	return nil
}

// GetScores returns a simulation's scores, or nil if it has not been scored.
func (s *SQLiteStore) GetScores(ctx context.Context, simulationID string) (*domain.Scores, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT scores_json FROM scores WHERE simulation_id = ?`, simulationID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan scores row: %w", err)
	}

	var sc domain.Scores
	if err := json.Unmarshal([]byte(payload), &sc); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	return &sc, nil
}
