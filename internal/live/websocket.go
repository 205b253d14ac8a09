package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/simroom/internal/api"
	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/engine"
	"github.com/ashureev/simroom/internal/identity"
)

// EngineSource resolves the running engine of a simulation for a
// candidate.
type EngineSource interface {
	Engine(simulationID, candidateID string) (*engine.Engine, error)
}

// Handler upgrades GET /ws/simulations/{id} to a WebSocket.
type Handler struct {
	engines       EngineSource
	registry      *Registry
	allowedOrigin string
	isDev         bool
	queueSize     int
	writeTimeout  time.Duration
	logger        *slog.Logger
}

// Options tunes a Handler.
type Options struct {
	AllowedOrigin string
	IsDev         bool
	QueueSize     int
	WriteTimeout  time.Duration
	Logger        *slog.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(engines EngineSource, registry *Registry, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		engines:       engines,
		registry:      registry,
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
		queueSize:     opts.QueueSize,
		writeTimeout:  opts.WriteTimeout,
		logger:        opts.Logger,
	}
}

// inbound is a client frame.
type inbound struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id,omitempty"`
	Content   string `json:"content,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// frame is a server frame.
type frame struct {
	Type            string             `json:"type"`
	Event           *engine.Event      `json:"event,omitempty"`
	Snapshot        *engine.Snapshot   `json:"snapshot,omitempty"`
	Transition      *engine.Transition `json:"transition,omitempty"`
	ViolationsCount *int               `json:"violations_count,omitempty"`
	Notice          string             `json:"notice,omitempty"`
	Error           string             `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	simulationID := chi.URLParam(r, "id")
	candidateID := identity.CandidateIDFromContext(r.Context())
	tabID := r.URL.Query().Get("tab")
	logger := h.logger.With("simulation_id", simulationID, "candidate_id", candidateID)
	logger.Info("WebSocket connection request", "tab_id", tabID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	e, err := h.engines.Engine(simulationID, candidateID)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}

	c := newClient(ws, h.queueSize, h.writeTimeout, logger)
	h.registry.register(simulationID, tabID, c)
	defer func() {
		h.registry.unregister(simulationID, tabID, c)
		c.close("session ended")
	}()

	snap := e.Snapshot()
	h.send(c, frame{Type: "snapshot", Snapshot: &snap})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-c.done():
			cancel()
		case <-ctx.Done():
		}
	}()

	h.inputLoop(ctx, ws, c, e, logger)
	logger.Info("Live session ended", "tab_id", tabID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, c *client, e *engine.Engine, logger *slog.Logger) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				logger.Debug("WebSocket closed", "error", err)
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			h.send(c, frame{Type: "error", Error: "invalid message"})
			continue
		}
		h.send(c, h.dispatch(e, msg))
	}
}

func (h *Handler) dispatch(e *engine.Engine, msg inbound) frame {
	switch msg.Type {
	case "response":
		if msg.ChannelID == "" || msg.Content == "" {
			return frame{Type: "error", Error: "channel_id and content are required"}
		}
		tr, err := e.SubmitResponse(msg.ChannelID, msg.Content)
		if err != nil {
			return errorFrame(err)
		}
		return frame{Type: "ack", Transition: &tr}
	case "violation":
		if msg.Kind == "" {
			return frame{Type: "error", Error: "kind is required"}
		}
		total, err := e.ReportViolation(msg.Kind)
		if err != nil {
			return errorFrame(err)
		}
		return frame{Type: "violations", ViolationsCount: &total}
	case "submit":
		if err := e.Submit(); err != nil {
			return errorFrame(err)
		}
		return frame{Type: "submitted"}
	case "snapshot":
		snap := e.Snapshot()
		return frame{Type: "snapshot", Snapshot: &snap}
	case "ping":
		return frame{Type: "pong"}
	default:
		return frame{Type: "error", Error: "unknown message type"}
	}
}

func errorFrame(err error) frame {
	_, message := api.ErrorStatus(err)
	if errors.Is(err, domain.ErrInvalidState) && !errors.Is(err, domain.ErrAlreadySubmitted) {
		return frame{Type: "notice", Notice: message}
	}
	return frame{Type: "error", Error: message}
}

func (h *Handler) send(c *client, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("Failed to marshal live frame", "error", err, "type", f.Type)
		return
	}
	c.enqueue(data)
}
