package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/simroom/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "simroom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSimulation(id string, created time.Time) *domain.Simulation {
	return &domain.Simulation{
		ID:             id,
		CandidateID:    "cand-1",
		JobDescription: "Backend engineer",
		Scenario: &domain.Scenario{
			Channels: []domain.Channel{{ID: "technical", Name: "#technical"}},
			Questions: []domain.Question{{
				ID: "q1", ChannelID: "technical", MainQuestion: "What broke?",
				FollowUps: []domain.FollowUp{{ID: "q1-f1", Agent: "Alice", Question: "Why?"}},
			}},
		},
		CreatedAt: created,
	}
}

func TestSQLiteStore_Candidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetCandidate(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.UpsertCandidate(ctx, &domain.Candidate{
		CandidateID: "cand-1", DisplayName: "anon", LastSeenAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.UpdateLastSeen(ctx, "cand-1", now.Add(time.Hour)))

	got, err = s.GetCandidate(ctx, "cand-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "anon", got.DisplayName)
	assert.Equal(t, now.Add(time.Hour).Unix(), got.LastSeenAt.Unix())
}

func TestSQLiteStore_SimulationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_123)

	require.NoError(t, s.CreateSimulation(ctx, testSimulation("sim-1", created)))

	sim, err := s.GetSimulation(ctx, "sim-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, sim.Status)
	assert.Equal(t, created.UnixMilli(), sim.CreatedAt.UnixMilli())
	assert.Equal(t, "q1-f1", sim.Scenario.Questions[0].FollowUps[0].ID)
	assert.Nil(t, sim.StartedAt)

	started := created.Add(time.Minute)
	require.NoError(t, s.MarkStarted(ctx, "sim-1", started))
	require.NoError(t, s.MarkStarted(ctx, "sim-1", started.Add(time.Minute)), "restart is a no-op")

	sim, err = s.GetSimulation(ctx, "sim-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, sim.Status)
	require.NotNil(t, sim.StartedAt)
	assert.Equal(t, started.UnixMilli(), sim.StartedAt.UnixMilli())

	done := started.Add(10 * time.Minute)
	require.NoError(t, s.MarkSubmitted(ctx, "sim-1", domain.SubmitByCandidate, done))
	err = s.MarkSubmitted(ctx, "sim-1", domain.SubmitByClock, done.Add(time.Second))
	assert.True(t, errors.Is(err, domain.ErrAlreadySubmitted), "second submit: %v", err)

	sim, err = s.GetSimulation(ctx, "sim-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, sim.Status)
	assert.Equal(t, domain.SubmitByCandidate, sim.SubmitReason)
	require.NotNil(t, sim.CompletedAt)

	err = s.MarkStarted(ctx, "sim-1", done)
	assert.True(t, errors.Is(err, domain.ErrAlreadySubmitted), "start after submit: %v", err)
}

func TestSQLiteStore_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSimulation(ctx, "ghost")
	assert.True(t, errors.Is(err, domain.ErrSimulationNotFound))

	err = s.MarkSubmitted(ctx, "ghost", domain.SubmitByCandidate, time.Now())
	assert.True(t, errors.Is(err, domain.ErrSimulationNotFound))
}

func TestSQLiteStore_ListAndExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateSimulation(ctx, testSimulation("old", now.Add(-2*time.Hour))))
	require.NoError(t, s.CreateSimulation(ctx, testSimulation("fresh", now.Add(-time.Minute))))
	require.NoError(t, s.CreateSimulation(ctx, testSimulation("pending", now)))
	require.NoError(t, s.MarkStarted(ctx, "old", now.Add(-time.Hour)))
	require.NoError(t, s.MarkStarted(ctx, "fresh", now.Add(-time.Minute)))

	sims, err := s.ListSimulations(ctx, "cand-1")
	require.NoError(t, err)
	require.Len(t, sims, 3)
	assert.Equal(t, "pending", sims[0].ID)

	expired, err := s.GetExpiredSimulations(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID)
}

func TestSQLiteStore_ResponsesKeepOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	for i, qid := range []string{"q1", "q1-f1", "q2"} {
		require.NoError(t, s.SaveResponse(ctx, domain.Response{
			ID: "r" + qid, SimulationID: "sim-1", ChannelID: "technical",
			QuestionID: qid, Content: "answer", CreatedAt: at.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.SaveResponse(ctx, domain.Response{ID: "other", SimulationID: "sim-2", QuestionID: "q1", CreatedAt: at}))

	got, err := s.ListResponses(ctx, "sim-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"q1", "q1-f1", "q2"}, []string{got[0].QuestionID, got[1].QuestionID, got[2].QuestionID})
	assert.Equal(t, at.Add(2*time.Second).UnixMilli(), got[2].CreatedAt.UnixMilli())
}

func TestSQLiteStore_ViolationsAndScores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, kind := range []string{domain.ViolationTabSwitch, domain.ViolationNoFace} {
		require.NoError(t, s.SaveViolation(ctx, domain.Violation{
			ID: string(rune('a' + i)), SimulationID: "sim-1", Kind: kind, OccurredAt: time.Now(),
		}))
	}
	n, err := s.CountViolations(ctx, "sim-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sc, err := s.GetScores(ctx, "sim-1")
	require.NoError(t, err)
	assert.Nil(t, sc)

	want := &domain.Scores{TechnicalAccuracy: 7.5, Analysis: "solid", ScoredAt: time.UnixMilli(1_700_000_000_000).UTC()}
	require.NoError(t, s.SaveScores(ctx, "sim-1", want))
	want.Analysis = "revised"
	require.NoError(t, s.SaveScores(ctx, "sim-1", want))

	sc, err = s.GetScores(ctx, "sim-1")
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, "revised", sc.Analysis)
	assert.InDelta(t, 7.5, sc.TechnicalAccuracy, 0.001)
}
