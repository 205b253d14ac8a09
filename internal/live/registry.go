// Package live serves a bidirectional WebSocket channel for a running
// simulation. Engine events flow out to the browser and candidate actions
// flow back in.
package live

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashureev/simroom/internal/engine"
)

// Registry tracks the open WebSocket clients of every simulation. A
// simulation may be open in several tabs; reopening the same tab replaces
// the previous connection.
type Registry struct {
	mu     sync.RWMutex
	active map[string]map[string]*client
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active: make(map[string]map[string]*client),
		logger: logger,
	}
}

var _ engine.Publisher = (*Registry)(nil)

func (r *Registry) register(simulationID, tabID string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[simulationID]; !exists {
		r.active[simulationID] = make(map[string]*client)
	}
	if existing, exists := r.active[simulationID][tabID]; exists && existing != c {
		existing.close("session replaced")
	}
	r.active[simulationID][tabID] = c
	r.logger.Info("Live session registered", "simulation_id", simulationID, "tab_id", tabID)
}

func (r *Registry) unregister(simulationID, tabID string, c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tabs, ok := r.active[simulationID]; ok {
		if current, exists := tabs[tabID]; exists && current == c {
			delete(tabs, tabID)
			if len(tabs) == 0 {
				delete(r.active, simulationID)
			}
			r.logger.Info("Live session unregistered", "simulation_id", simulationID, "tab_id", tabID)
		}
	}
}

// Count returns the number of open clients for a simulation.
func (r *Registry) Count(simulationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active[simulationID])
}

// Publish implements engine.Publisher. The event is queued on every client
// of its simulation without blocking.
func (r *Registry) Publish(ev engine.Event) {
	r.mu.RLock()
	tabs := r.active[ev.SimulationID]
	clients := make([]*client, 0, len(tabs))
	for _, c := range tabs {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(frame{Type: "event", Event: &ev})
	if err != nil {
		r.logger.Error("Failed to marshal live event", "error", err, "simulation_id", ev.SimulationID)
		return
	}
	for _, c := range clients {
		c.enqueue(data)
	}
}

// CloseSimulation disconnects every client of a simulation.
func (r *Registry) CloseSimulation(simulationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tabs, ok := r.active[simulationID]
	if !ok {
		return
	}
	for tabID, c := range tabs {
		c.close("session closed")
		r.logger.Info("Live session closed", "simulation_id", simulationID, "tab_id", tabID)
	}
	delete(r.active, simulationID)
}
