// Package identity provides anonymous per-device candidate identity.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/ashureev/simroom/internal/domain"
)

const (
	CandidateCookieName = "simroom_candidate"
	candidateCookieAge  = 30 * 24 * time.Hour
	// lastSeenResolution limits how often a returning candidate's
	// last_seen_at is written.
	lastSeenResolution = 5 * time.Minute
)

type contextKey int

const (
	candidateIDKey contextKey = iota
	displayNameKey
)

var candidateIDPattern = regexp.MustCompile(`^cand_[a-f0-9]{32}$`)

// CandidateStore is the persistence the middleware needs.
type CandidateStore interface {
	GetCandidate(ctx context.Context, candidateID string) (*domain.Candidate, error)
	UpsertCandidate(ctx context.Context, c *domain.Candidate) error
	UpdateLastSeen(ctx context.Context, candidateID string, lastSeen time.Time) error
}

// CandidateIDFromContext extracts the candidate ID from the request context.
func CandidateIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(candidateIDKey).(string); ok {
		return v
	}
	return ""
}

// DisplayNameFromContext extracts the candidate's display name.
func DisplayNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(displayNameKey).(string); ok {
		return v
	}
	return ""
}

// WithCandidate returns a context carrying candidateID. Handlers and tests
// use it when identity is established elsewhere.
func WithCandidate(ctx context.Context, candidateID string) context.Context {
	ctx = context.WithValue(ctx, candidateIDKey, candidateID)
	return context.WithValue(ctx, displayNameKey, deriveDisplayName(candidateID))
}

func generateCandidateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate candidate id: %w", err)
	}
	return "cand_" + hex.EncodeToString(buf), nil
}

func isValidCandidateID(id string) bool {
	return candidateIDPattern.MatchString(id)
}

func deriveDisplayName(candidateID string) string {
	if len(candidateID) > 13 {
		return "candidate-" + candidateID[len(candidateID)-8:]
	}
	return "candidate"
}

func ensureCandidate(ctx context.Context, repo CandidateStore, candidateID string) error {
	c, err := repo.GetCandidate(ctx, candidateID)
	if err != nil {
		return err
	}
	now := time.Now()
	if c != nil {
		if now.Sub(c.LastSeenAt) < lastSeenResolution {
			return nil
		}
		return repo.UpdateLastSeen(ctx, candidateID, now)
	}

	return repo.UpsertCandidate(ctx, &domain.Candidate{
		CandidateID: candidateID,
		DisplayName: deriveDisplayName(candidateID),
		LastSeenAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func setCandidateCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CandidateCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(candidateCookieAge.Seconds()),
		Expires:  time.Now().Add(candidateCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateCandidateID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(CandidateCookieName); err == nil && isValidCandidateID(c.Value) {
		setCandidateCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateCandidateID()
	if err != nil {
		return "", err
	}
	setCandidateCookie(w, id, isDev)
	return id, nil
}

// Middleware injects the anonymous candidate identity, creating the
// candidate record on first sight.
func Middleware(repo CandidateStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			candidateID, err := getOrCreateCandidateID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureCandidate(r.Context(), repo, candidateID); err != nil {
				slog.Error("Failed to initialize candidate", "candidate_id", candidateID, "error", err)
				http.Error(w, `{"error":"failed to initialize candidate"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCandidate(r.Context(), candidateID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
