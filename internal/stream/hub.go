// Package stream pushes engine events to browsers over Server-Sent Events.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/simroom/internal/api"
	"github.com/ashureev/simroom/internal/engine"
	"github.com/ashureev/simroom/internal/identity"
)

// Authorizer decides whether a candidate may watch a simulation and
// returns the payload of the initial "connected" event.
type Authorizer func(r *http.Request, simulationID, candidateID string) (any, error)

// Config tunes the hub.
type Config struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	BufferSize        int
	ReplaySize        int
}

type connection struct {
	id           int64
	simulationID string
	w            http.ResponseWriter
	flusher      http.Flusher
	done         chan struct{}
	mu           sync.Mutex
	lastEventID  int64
}

// Hub fans engine events out to every SSE connection of a simulation.
// Publish never blocks; events are delivered in publish order by one
// broadcast goroutine.
type Hub struct {
	cfg       Config
	authorize Authorizer
	logger    *slog.Logger

	events chan engine.Event
	queue  *replayQueue

	connsMu sync.RWMutex
	conns   map[string]map[int64]*connection

	counterMu    sync.Mutex
	eventCounter int64
	connectionID int64

	submittedMu sync.Mutex
	submitted   map[string]bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewHub starts a hub.
func NewHub(cfg Config, authorize Authorizer, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	h := &Hub{
		cfg:       cfg,
		authorize: authorize,
		logger:    logger,
		events:    make(chan engine.Event, cfg.BufferSize),
		queue:     newReplayQueue(cfg.ReplaySize),
		conns:     make(map[string]map[int64]*connection),
		submitted: make(map[string]bool),
		done:      make(chan struct{}),
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

var _ engine.Publisher = (*Hub)(nil)

// Publish implements engine.Publisher.
func (h *Hub) Publish(ev engine.Event) {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("SSE broadcast buffer full, dropping event",
			"simulation_id", ev.SimulationID,
			"type", ev.Type)
	}
}

// Close stops the broadcast loop and disconnects all clients.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		h.connsMu.Lock()
		defer h.connsMu.Unlock()
		for _, byID := range h.conns {
			for _, c := range byID {
				c.mu.Lock()
				select {
				case <-c.done:
				default:
					close(c.done)
				}
				c.mu.Unlock()
			}
		}
	})
}

func (h *Hub) nextEventID() int64 {
	h.counterMu.Lock()
	defer h.counterMu.Unlock()
	h.eventCounter++
	return h.eventCounter
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal SSE event", "error", err, "simulation_id", ev.SimulationID)
		return
	}
	eventID := h.nextEventID()
	qe := queuedEvent{EventID: eventID, Name: string(ev.Type), Data: data, Timestamp: time.Now()}
	// Ticks are superseded by the next one and would crowd messages out
	// of the bounded replay history.
	if ev.Type != engine.EventTick {
		h.queue.enqueue(ev.SimulationID, qe)
	}

	h.connsMu.RLock()
	byID := h.conns[ev.SimulationID]
	conns := make([]*connection, 0, len(byID))
	for _, c := range byID {
		conns = append(conns, c)
	}
	h.connsMu.RUnlock()

	for _, c := range conns {
		h.send(c, qe)
	}

	if ev.Type == engine.EventSubmitted {
		h.finish(ev.SimulationID)
	}
}

// finish drops the replay history of a submitted simulation, at once when
// nobody is watching, otherwise when its last stream closes.
func (h *Hub) finish(simulationID string) {
	h.submittedMu.Lock()
	h.connsMu.RLock()
	watching := len(h.conns[simulationID])
	h.connsMu.RUnlock()
	if watching > 0 {
		h.submitted[simulationID] = true
		h.submittedMu.Unlock()
		return
	}
	h.submittedMu.Unlock()
	h.queue.prune(simulationID)
	h.logger.Debug("Pruned replay history", "simulation_id", simulationID)
}

func (h *Hub) send(c *connection, ev queuedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	if ev.EventID <= c.lastEventID {
		return
	}
	if err := writeSSEWithID(c.w, ev.EventID, ev.Name, string(ev.Data)); err != nil {
		h.logger.Warn("Failed to write to SSE connection",
			"error", err,
			"conn_id", c.id,
			"simulation_id", c.simulationID)
		return
	}
	c.flusher.Flush()
	c.lastEventID = ev.EventID
}

// Connections returns the number of open streams for a simulation.
func (h *Hub) Connections(simulationID string) int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return len(h.conns[simulationID])
}

// HandleStream serves GET /api/simulations/{id}/stream.
//
//nolint:gocognit // SSE lifecycle handling keeps its branches together.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	simulationID := chi.URLParam(r, "id")
	candidateID := identity.CandidateIDFromContext(r.Context())

	var hello any
	if h.authorize != nil {
		var err error
		if hello, err = h.authorize(r, simulationID, candidateID); err != nil {
			writeStreamError(w, err)
			return
		}
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.cfg.RetryDelay.Milliseconds())); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "simulation_id", simulationID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &connection{
		id:           connID,
		simulationID: simulationID,
		w:            w,
		flusher:      flusher,
		done:         make(chan struct{}),
	}

	// Hold the connection lock while registering and replaying so live
	// events wait behind the replay.
	conn.mu.Lock()
	h.connsMu.Lock()
	if _, exists := h.conns[simulationID]; !exists {
		h.conns[simulationID] = make(map[int64]*connection)
	}
	h.conns[simulationID][connID] = conn
	h.connsMu.Unlock()

	defer h.unregister(conn)

	helloData, err := json.Marshal(hello)
	if err != nil {
		helloData = []byte(`{}`)
	}
	if err := writeSSE(w, "connected", string(helloData)); err != nil {
		conn.mu.Unlock()
		h.logger.Warn("failed to write SSE connected event", "error", err, "simulation_id", simulationID)
		return
	}
	missed := h.queue.missed(simulationID, lastEventID)
	for _, ev := range missed {
		if err := writeSSEWithID(w, ev.EventID, ev.Name, string(ev.Data)); err != nil {
			conn.mu.Unlock()
			return
		}
		conn.lastEventID = ev.EventID
	}
	flusher.Flush()
	conn.mu.Unlock()

	h.logger.Info("SSE connection established",
		"simulation_id", simulationID,
		"conn_id", connID,
		"replayed", len(missed),
		"reconnect", lastEventID > 0)

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				h.logger.Warn("failed to write SSE keepalive ping", "error", err, "simulation_id", simulationID)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

func (h *Hub) unregister(c *connection) {
	h.connsMu.Lock()
	remaining := 0
	if byID, exists := h.conns[c.simulationID]; exists {
		delete(byID, c.id)
		remaining = len(byID)
		if remaining == 0 {
			delete(h.conns, c.simulationID)
		}
	}
	h.connsMu.Unlock()

	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()

	// Replay is only useful while the simulation can still change.
	h.submittedMu.Lock()
	finished := h.submitted[c.simulationID]
	if finished && remaining == 0 {
		delete(h.submitted, c.simulationID)
	}
	h.submittedMu.Unlock()
	if finished && remaining == 0 {
		h.queue.prune(c.simulationID)
	}

	h.logger.Info("SSE connection closed", "simulation_id", c.simulationID, "conn_id", c.id)
}

func writeStreamError(w http.ResponseWriter, err error) {
	status, body := api.ErrorStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": body})
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
