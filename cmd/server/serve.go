package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/simroom/internal/api"
	"github.com/ashureev/simroom/internal/config"
	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/engine"
	"github.com/ashureev/simroom/internal/events"
	"github.com/ashureev/simroom/internal/identity"
	"github.com/ashureev/simroom/internal/live"
	"github.com/ashureev/simroom/internal/metrics"
	"github.com/ashureev/simroom/internal/middleware"
	"github.com/ashureev/simroom/internal/scenario"
	"github.com/ashureev/simroom/internal/scoring"
	"github.com/ashureev/simroom/internal/session"
	"github.com/ashureev/simroom/internal/store"
	"github.com/ashureev/simroom/internal/stream"
	"github.com/ashureev/simroom/internal/transcript"
)

const (
	scoringQueueSize = 100
	scoringTimeout   = 2 * time.Minute
	shutdownTimeout  = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, SSE and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

//nolint:gocognit,gocyclo // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(parent); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var catalog *scenario.Catalog
	if cfg.ScenarioDir != "" {
		catalog, err = scenario.NewCatalog(cfg.ScenarioDir, logger)
		if err != nil {
			return fmt.Errorf("load scenario catalog: %w", err)
		}
		if err := catalog.Watch(ctx); err != nil {
			slog.Warn("Scenario hot reload disabled", "error", err)
		}
	}

	// Scoring and generation are optional. Without them simulations still
	// run; generation returns 503 and finished sessions are not scored.
	var scorer scoring.Service
	if cfg.ScoringAddr != "" {
		clientCfg := scoring.DefaultGrpcClientConfig()
		clientCfg.Address = cfg.ScoringAddr
		client, err := scoring.NewGrpcClient(clientCfg, logger)
		if err != nil {
			slog.Warn("Failed to connect to scoring service, scoring will be disabled", "error", err)
		} else {
			defer client.Close()
			scorer = client
		}
	}
	if scorer == nil {
		slog.Info("Scoring disabled (SCORING_ADDR not set or connection failed)")
	}

	var sessions *session.Manager
	collectors := metrics.New(func() int { return sessions.ActiveCount() })

	dispatcher := scoring.NewDispatcher(scorer, repo, scoringQueueSize, scoringTimeout, logger,
		scoring.WithOnScored(func(_ string, s *domain.Scores) {
			collectors.ObserveScored(s)
		}))

	transcripts, err := transcript.NewLogger(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize transcript logger: %w", err)
	}

	var bus *events.Publisher
	if cfg.NatsURL != "" {
		bus, err = events.Connect(cfg.NatsURL, logger)
		if err != nil {
			slog.Warn("Failed to connect to NATS, event bus disabled", "error", err)
			bus = nil
		}
	}

	hub := stream.NewHub(stream.Config{
		KeepaliveInterval: cfg.SSEKeepalive,
		RetryDelay:        cfg.SSERetry,
	}, func(r *http.Request, simulationID, candidateID string) (any, error) {
		if e, err := sessions.Engine(simulationID, candidateID); err == nil {
			return e.Snapshot(), nil
		}
		sim, err := sessions.Simulation(r.Context(), simulationID, candidateID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"simulation_id": sim.ID, "status": sim.Status}, nil
	}, logger)

	sockets := live.NewRegistry(logger)

	fanout := engine.Fanout{hub, sockets, transcripts, collectors}
	if bus != nil {
		fanout = append(fanout, bus)
	}
	sessions = session.NewManager(repo, session.Options{
		Engine:     cfg.Engine(),
		Scorer:     dispatcher,
		Publishers: func(string) engine.Publisher { return fanout },
		Logger:     logger,
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	defer limiter.Close()

	isDev := cfg.IsDevelopment()
	simHandler := api.NewSimulationHandler(api.SimulationDeps{
		Sessions:  sessions,
		Catalog:   catalog,
		Generator: scorer,
		Scores:    repo,
		Stream:    hub.HandleStream,
		RateLimit: middleware.RateLimit(limiter),
		Logger:    logger,
	})
	healthHandler := api.NewHealthHandler(repo, 5*time.Second, sessions.ActiveCount, scorer != nil)
	wsHandler := live.NewHandler(sessions, sockets, live.Options{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         isDev,
		Logger:        logger,
	})

	origins := []string{"*"}
	if !isDev && cfg.FrontendURL != "" {
		origins = []string{cfg.FrontendURL}
	}

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))

	// Public routes.
	r.Handle("/metrics", collectors.Handler())
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, isDev))
		simHandler.RegisterRoutes(r)
		r.Get("/ws/simulations/{id}", wsHandler.ServeHTTP)
	})

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sessions.RunExpiryWorker(gctx, cfg.ExpirySweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Streams never finish on their own; close them before draining.
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	// Running engines are closed without submitting; they resume from the
	// store on the next start.
	sessions.Shutdown()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	dispatcher.Close(drainCtx)
	if err := transcripts.Close(); err != nil {
		slog.Warn("Failed to close transcript logger", "error", err)
	}
	if bus != nil {
		if err := bus.Close(); err != nil {
			slog.Warn("Failed to close NATS connection", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("Server stopped successfully")
	return nil
}
