// Package events mirrors engine events onto a NATS subject tree so other
// services can follow simulations without polling.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ashureev/simroom/internal/engine"
)

// SubjectPrefix is the root of every subject published here.
const SubjectPrefix = "simroom"

// Subject returns the subject of an event: simroom.<simulationID>.<type>.
func Subject(simulationID string, typ engine.EventType) string {
	return SubjectPrefix + "." + token(simulationID) + "." + string(typ)
}

// token replaces characters NATS treats as subject syntax.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher forwards engine events to NATS. Tick events are skipped.
// nats.Conn buffers outgoing messages, so Publish does not wait on the
// network; failures are logged and counted.
type Publisher struct {
	nc     conn
	logger *slog.Logger
	failed atomic.Int64
}

var _ engine.Publisher = (*Publisher)(nil)

// Connect dials url and returns a publisher on the connection.
func Connect(url string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("simroom"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	logger.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return newPublisher(nc, logger), nil
}

func newPublisher(nc conn, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, logger: logger}
}

// Publish implements engine.Publisher.
func (p *Publisher) Publish(ev engine.Event) {
	if ev.Type == engine.EventTick {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal event for NATS", "error", err, "simulation_id", ev.SimulationID)
		return
	}
	if err := p.nc.Publish(Subject(ev.SimulationID, ev.Type), data); err != nil {
		if p.failed.Add(1) == 1 {
			p.logger.Warn("Failed to publish event to NATS",
				"error", err,
				"simulation_id", ev.SimulationID,
				"type", ev.Type)
		}
	}
}

// Failed returns how many publishes returned an error.
func (p *Publisher) Failed() int64 {
	return p.failed.Load()
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
