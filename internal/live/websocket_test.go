package live

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/engine"
	"github.com/ashureev/simroom/internal/identity"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticEngines struct {
	engine      *engine.Engine
	candidateID string
}

func (s staticEngines) Engine(simulationID, candidateID string) (*engine.Engine, error) {
	if simulationID != s.engine.SimulationID() || candidateID != s.candidateID {
		return nil, fmt.Errorf("simulation %s: %w", simulationID, domain.ErrSessionNotActive)
	}
	return s.engine, nil
}

func newLiveEngine(t *testing.T, pub engine.Publisher) *engine.Engine {
	t.Helper()
	sc := &domain.Scenario{
		Channels: []domain.Channel{{ID: "technical", Name: "#technical"}},
		Questions: []domain.Question{{
			ID: "q1", ChannelID: "technical", MainQuestion: "Where do you start?",
			FollowUps: []domain.FollowUp{{ID: "q1-f1", Question: "Then?"}},
		}},
	}
	cfg := engine.DefaultConfig()
	cfg.Pacing = engine.Pacing{}
	cfg.ManualTicks = true
	e, err := engine.New("sim-1", sc, cfg, engine.Deps{Publisher: pub, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func newLiveServer(t *testing.T) (*Registry, *engine.Engine, *httptest.Server) {
	t.Helper()
	reg := NewRegistry(quietLogger())
	e := newLiveEngine(t, reg)
	h := NewHandler(staticEngines{engine: e, candidateID: "cand_a"}, reg, Options{IsDev: true, Logger: quietLogger()})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			candidate := req.URL.Query().Get("as")
			if candidate == "" {
				candidate = "cand_a"
			}
			next.ServeHTTP(w, req.WithContext(identity.WithCandidate(req.Context(), candidate)))
		})
	})
	r.Get("/ws/simulations/{id}", h.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return reg, e, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/simulations/sim-1" + query
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return f
}

// readUntil skips event frames until a frame of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) frame {
	t.Helper()
	for {
		f := readFrame(t, ws)
		if f.Type == typ {
			return f
		}
		if f.Type != "event" {
			t.Fatalf("frame = %+v, want %s", f, typ)
		}
	}
}

func writeFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func waitForCount(t *testing.T, reg *Registry, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for reg.Count("sim-1") != n {
		if time.Now().After(deadline) {
			t.Fatalf("Count() = %d, want %d", reg.Count("sim-1"), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_RoundTrip(t *testing.T) {
	reg, e, srv := newLiveServer(t)
	ws := dial(t, srv, "")

	snap := readFrame(t, ws)
	if snap.Type != "snapshot" || snap.Snapshot == nil || snap.Snapshot.SimulationID != "sim-1" {
		t.Fatalf("first frame = %+v, want snapshot", snap)
	}
	waitForCount(t, reg, 1)

	e.Start()
	ev := readUntil(t, ws, "event")
	if ev.Event.Type != engine.EventMessage {
		t.Errorf("event type = %s, want message", ev.Event.Type)
	}

	writeFrame(t, ws, inbound{Type: "response", ChannelID: "technical", Content: "logs"})
	ack := readUntil(t, ws, "ack")
	if ack.Transition == nil || ack.Transition.Kind != engine.TransitionFollowUp {
		t.Errorf("ack = %+v, want follow_up transition", ack.Transition)
	}

	writeFrame(t, ws, inbound{Type: "violation", Kind: domain.ViolationTabSwitch})
	v := readUntil(t, ws, "violations")
	if v.ViolationsCount == nil || *v.ViolationsCount != 1 {
		t.Errorf("violations frame = %+v", v)
	}

	writeFrame(t, ws, inbound{Type: "submit"})
	readUntil(t, ws, "submitted")

	writeFrame(t, ws, inbound{Type: "response", ChannelID: "technical", Content: "late"})
	if n := readUntil(t, ws, "notice"); n.Notice == "" {
		t.Error("response after submit returned an empty notice")
	}

	writeFrame(t, ws, inbound{Type: "submit"})
	if f := readUntil(t, ws, "error"); f.Error != "already_submitted" {
		t.Errorf("second submit error = %q", f.Error)
	}
}

func TestHandler_PingAndBadFrames(t *testing.T) {
	_, _, srv := newLiveServer(t)
	ws := dial(t, srv, "")
	readFrame(t, ws)

	writeFrame(t, ws, inbound{Type: "ping"})
	readUntil(t, ws, "pong")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if f := readUntil(t, ws, "error"); f.Error != "invalid message" {
		t.Errorf("error = %q", f.Error)
	}

	writeFrame(t, ws, inbound{Type: "dance"})
	readUntil(t, ws, "error")
}

func TestHandler_RejectsInactiveSession(t *testing.T) {
	_, _, srv := newLiveServer(t)
	resp, err := http.Get(srv.URL + "/ws/simulations/sim-1?as=cand_b")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestRegistry_ReplacesSameTab(t *testing.T) {
	reg, _, srv := newLiveServer(t)
	first := dial(t, srv, "?tab=a")
	readFrame(t, first)
	waitForCount(t, reg, 1)

	second := dial(t, srv, "?tab=a")
	readFrame(t, second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := first.Read(ctx); err == nil {
		t.Error("replaced connection is still readable")
	}
	waitForCount(t, reg, 1)

	third := dial(t, srv, "?tab=b")
	readFrame(t, third)
	waitForCount(t, reg, 2)

	reg.CloseSimulation("sim-1")
	if reg.Count("sim-1") != 0 {
		t.Errorf("Count() after CloseSimulation = %d", reg.Count("sim-1"))
	}
}

type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
	block  chan struct{}
	closed bool
}

func (c *recordingConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, p)
	return nil
}

func (c *recordingConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestClient_DropsOldestWhenFull(t *testing.T) {
	rc := &recordingConn{block: make(chan struct{})}
	c := newClient(rc, 2, time.Second, quietLogger())

	// The writer picks up the first frame and blocks on it; the rest fill
	// the queue.
	c.enqueue([]byte("1"))
	deadline := time.Now().Add(2 * time.Second)
	for len(c.queue) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("writer did not take the first frame")
		}
		time.Sleep(time.Millisecond)
	}
	for _, s := range []string{"2", "3", "4"} {
		c.enqueue([]byte(s))
	}
	close(rc.block)

	deadline = time.Now().Add(2 * time.Second)
	for {
		rc.mu.Lock()
		n := len(rc.frames)
		rc.mu.Unlock()
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("wrote %d frames, want 3", n)
		}
		time.Sleep(time.Millisecond)
	}
	c.close("done")

	rc.mu.Lock()
	defer rc.mu.Unlock()
	got := []string{string(rc.frames[0]), string(rc.frames[1]), string(rc.frames[2])}
	if strings.Join(got, ",") != "1,3,4" || !rc.closed {
		t.Errorf("frames = %v closed = %v, want 1,3,4 closed", got, rc.closed)
	}
}
