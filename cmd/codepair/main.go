// Command codepair runs the collaborative pair-programming server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	cphttp "github.com/Strob0t/CodePair/internal/adapter/http"
	cpmcp "github.com/Strob0t/CodePair/internal/adapter/mcp"
	cpnats "github.com/Strob0t/CodePair/internal/adapter/nats"
	"github.com/Strob0t/CodePair/internal/adapter/natskv"
	cpotel "github.com/Strob0t/CodePair/internal/adapter/otel"
	"github.com/Strob0t/CodePair/internal/adapter/ristretto"
	"github.com/Strob0t/CodePair/internal/adapter/tiered"
	"github.com/Strob0t/CodePair/internal/adapter/ws"
	"github.com/Strob0t/CodePair/internal/config"
	"github.com/Strob0t/CodePair/internal/logger"
	"github.com/Strob0t/CodePair/internal/middleware"
	"github.com/Strob0t/CodePair/internal/port/cache"
	"github.com/Strob0t/CodePair/internal/resilience"
	"github.com/Strob0t/CodePair/internal/service"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"recording_backend", cfg.Recording.Backend,
		"nats", cfg.NATS.URL != "",
	)

	ctx := context.Background()

	// --- Telemetry ---

	shutdownOtel, err := cpotel.Init(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cpotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	var queue *cpnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = cpnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		slog.Info("nats connected", "url", cfg.NATS.URL)
	}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()

	var shared cache.Cache = l1
	if queue != nil {
		l2, err := natskv.Open(ctx, queue.JetStream(), cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			slog.Warn("l2 cache unavailable, using l1 only", "bucket", cfg.Cache.L2Bucket, "error", err)
		} else {
			shared = tiered.New(l1, l2, cfg.Cache.L1TTL)
		}
	}

	backend, closeStore, err := openRecordingStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	store := service.NewDurableStore(backend)
	store.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	store.SetCache(shared, cfg.Cache.L1TTL)
	store.SetMetrics(metrics)

	// --- Services ---

	origins := cphttp.ParseOrigins(cfg.Server.CORSOrigin)
	hub := ws.NewHub(originHosts(origins)...)

	bus := service.NewEventBus(cfg.Collaboration.HistoryLimit)
	bus.SetMetrics(metrics)

	ctxSync := service.NewContextSynchronizer()
	defer ctxSync.Close()

	resolver := service.NewConflictResolver(cfg.Collaboration.ConflictWindow, cfg.Collaboration.ContextConflictWindow)
	resolver.SetMetrics(metrics)

	recorder := service.NewSessionRecorder(store, service.RecorderConfig{
		MaxDuration:     cfg.Recording.MaxDuration,
		MaxEvents:       cfg.Recording.MaxEvents,
		FilterSensitive: cfg.Recording.FilterSensitive,
	})

	sessions := service.NewSessionManager(bus, ctxSync, resolver, recorder, service.ManagerConfig{
		DefaultMaxParticipants: cfg.Collaboration.DefaultMaxParticipants,
		DefaultTimeout:         cfg.Collaboration.DefaultTimeout,
		SyncFrequency:          cfg.Collaboration.SyncFrequency,
		RecentChangeWindow:     cfg.Collaboration.RecentChangeWindow,
		HandoffTTL:             cfg.Collaboration.HandoffTTL,
		CompletedRetention:     cfg.Collaboration.CompletedRetention,
	})
	sessions.SetBroadcaster(hub)
	sessions.SetMetrics(metrics)
	if queue != nil {
		sessions.SetQueue(queue)
		ctxSync.SetReplicator(service.QueueReplicator(queue, nil))
	}

	stopObserving := sessions.Observe(func(n service.Notice) {
		if n.Kind == service.NoticeSessionEnded {
			hub.CloseSession(n.SessionID)
		}
	})
	defer stopObserving()

	// --- HTTP ---

	handlers := &cphttp.Handlers{
		Sessions: sessions,
		Recorder: recorder,
		Context:  ctxSync,
		Resolver: resolver,
		Bus:      bus,
		Limits:   cfg.Server,
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	r := chi.NewRouter()

	r.Use(cphttp.CORS(origins...))
	r.Use(cphttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(cphttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cpotel.HTTPMiddleware(cfg.Otel.ServiceName))

	r.Get("/ws/sessions/{id}", hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(limiter.Handler)
		r.Use(chimw.Timeout(30 * time.Second))
		cphttp.MountRoutes(r, handlers, middleware.Idempotency(shared, cfg.Server.IdempotencyTTL))
	})

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- MCP ---

	var mcpSrv *cpmcp.Server
	if cfg.MCP.Enabled {
		mcpSrv = cpmcp.NewServer(cpmcp.ServerConfig{
			Addr:    cfg.MCP.Addr,
			Name:    "codepair",
			Version: version,
			APIKey:  cfg.MCP.APIKey,
		}, cpmcp.ServerDeps{Sessions: sessions, Recordings: recorder})
		if err := mcpSrv.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		slog.Info("mcp server started", "addr", cfg.MCP.Addr)
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-done:
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			slog.Warn("mcp shutdown", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}

	// Ends live sessions so their recordings are persisted.
	sessions.Close(shutdownCtx)
	recorder.Close(shutdownCtx)

	if queue != nil {
		if err := queue.Drain(); err != nil {
			slog.Warn("nats drain", "error", err)
		}
	}
	return nil
}

// originHosts converts allowed origins to the host patterns the WebSocket
// upgrader matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
			continue
		}
		hosts = append(hosts, o)
	}
	return hosts
}
