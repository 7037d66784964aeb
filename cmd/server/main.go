package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/bus"
	"github.com/lexiqai/speech-relay/internal/callevents"
	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/eventstore"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/outbound"
	"github.com/lexiqai/speech-relay/internal/relay"
	"github.com/lexiqai/speech-relay/internal/rendezvous"
	"github.com/lexiqai/speech-relay/internal/resilience"
	"github.com/lexiqai/speech-relay/internal/session"
	"github.com/lexiqai/speech-relay/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("inbound", cfg.InboundAddr()).
		Str("rendezvous", cfg.RendezvousAddr()).
		Str("outbound_host", cfg.OutboundHost).
		Int("outbound_base_port", cfg.OutboundBasePort).
		Str("synth_mode", cfg.SynthMode).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Speech relay starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.OTLPInsecure)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	checks := make(map[string]observability.HealthCheckFunc)

	// Call lifecycle events. Both sinks are optional and a sink that cannot
	// be reached at startup is skipped rather than blocking calls.
	var sinks []callevents.Sink
	if cfg.NATSURL != "" {
		pub, err := bus.Connect(cfg.NATSURL, cfg.NATSSubjectPrefix, observability.Component("bus"))
		if err != nil {
			logger.Warn().Err(err).Msg("NATS unavailable, call events will not be published")
		} else {
			defer pub.Close()
			sinks = append(sinks, pub)
			checks["nats"] = pub.Healthy
		}
	}

	var store *eventstore.Store
	if cfg.EventStorePath != "" {
		store, err = eventstore.Open(ctx, cfg.EventStorePath, cfg.EventRetention())
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.EventStorePath).Msg("Event store unavailable, call events will not be recorded")
			store = nil
		} else {
			defer store.Close()
			sinks = append(sinks, store)
			checks["event_store"] = store.Healthy
		}
	}
	events := callevents.NewAsync(observability.Component("events"), 1024, sinks...)

	registry := session.NewRegistry(session.Options{
		WriteTimeout: cfg.WriteTimeoutDuration(),
		OnOutboundClosed: func(callID, reason string) {
			observability.OutboundClosed()
			events.Publish(callevents.New(callevents.OutboundClosed, callID, map[string]string{"reason": reason}))
		},
	})

	connector, err := outbound.NewConnector(registry, outbound.Options{
		Host:  cfg.OutboundHost,
		Ports: outbound.PortPolicy{Base: cfg.OutboundBasePort, FallbackOffset: cfg.OutboundFallbackOffset},
		Schedule: resilience.Schedule{
			MaxAttempts:  cfg.DialMaxAttempts,
			FastAttempts: cfg.DialFastAttempts,
			FastBackoff:  time.Duration(cfg.DialFastBackoff) * time.Millisecond,
			SlowBackoff:  time.Duration(cfg.DialSlowBackoff) * time.Millisecond,
		},
		DialTimeout: cfg.DialTimeoutDuration(),
		Workers:     cfg.DialWorkers,
		Events:      events,
		Logger:      observability.Component("outbound"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create outbound connector")
	}

	synth, err := tts.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create synthesizer")
	}

	presence := rendezvous.NewPresence()
	server := relay.NewServer(relay.Options{
		Addr:             cfg.InboundAddr(),
		PollInterval:     cfg.PollDuration(),
		MaxIdentityBytes: cfg.MaxIdentityBytes,
		MaxTextBytes:     cfg.MaxTextBytes,
		Voice:            cfg.SynthVoice,
		Speed:            cfg.SynthSpeed,
		SampleRate:       cfg.SynthSampleRate,
		FrameDuration:    cfg.FrameDuration(),
	}, relay.Deps{
		Registry:    registry,
		Redialer:    connector,
		Synthesizer: synth,
		Presence:    presence,
		Events:      events,
		Logger:      observability.Component("relay"),
	})
	if err := server.Listen(); err != nil {
		logger.Fatal().Err(err).Msg("Inbound listener failed to start")
	}

	rvLogger := observability.Component("rendezvous")
	listener, err := rendezvous.Listen(cfg.RendezvousAddr(), cfg.PollDuration(),
		relay.RendezvousHandler(registry, connector, events, rvLogger), presence, rvLogger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Rendezvous listener failed to start")
	}

	checks["inbound"] = server.Healthy
	checks["rendezvous"] = listener.Healthy

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))
	mux.HandleFunc("/stats", observability.StatsHandler(func() any { return server.Snapshot() }))
	mux.HandleFunc("/calls", observability.StatsHandler(func() any { return registry.Snapshot() }))
	if store != nil {
		mux.HandleFunc("GET /calls/{id}/events", timelineHandler(store, logger))
	}

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	if cfg.GRPCHealthPort > 0 {
		grpcHealth, err := observability.NewGRPCHealthServer(fmt.Sprintf(":%d", cfg.GRPCHealthPort))
		if err != nil {
			logger.Fatal().Err(err).Msg("gRPC health server failed to start")
		}
		defer grpcHealth.Stop()
		go grpcHealth.Watch(ctx, 10*time.Second, checks)
		go func() {
			if err := grpcHealth.Serve(); err != nil {
				logger.Error().Err(err).Msg("gRPC health server failed")
			}
		}()
		logger.Info().Str("addr", grpcHealth.Addr().String()).Msg("gRPC health service listening")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := server.Serve(ctx); err != nil {
			logger.Error().Err(err).Msg("Inbound server stopped with error")
		}
	}()
	go func() {
		defer wg.Done()
		if err := listener.Serve(ctx); err != nil {
			logger.Error().Err(err).Msg("Rendezvous listener stopped with error")
		}
	}()

	go server.LogStats(ctx, cfg.StatsIntervalDuration())
	if store != nil {
		go pruneEvents(ctx, store, logger)
	}

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()
	logger.Info().Msg("Shutting down relay...")

	// Listeners notice the cancellation within one poll interval; open calls
	// send their end-of-call markers as their handlers return.
	wg.Wait()
	listener.Close()
	connector.Close()
	registry.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	if err := events.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Uint64("dropped", events.Dropped()).Msg("Call events not fully delivered")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Tracer shutdown failed")
	}

	logger.Info().Msg("Relay exited gracefully")
}

// pruneEvents applies the event retention window hourly.
func pruneEvents(ctx context.Context, store *eventstore.Store, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Prune(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("Event pruning failed")
				continue
			}
			if n > 0 {
				logger.Info().Int64("deleted", n).Msg("Pruned old call events")
			}
		}
	}
}

// timelineHandler serves the recorded events of one call.
func timelineHandler(store *eventstore.Store, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		timeline, err := store.Timeline(r.Context(), r.PathValue("id"), limit)
		if err != nil {
			logger.Warn().Err(err).Msg("Timeline query failed")
			http.Error(w, "timeline unavailable", http.StatusInternalServerError)
			return
		}
		observability.StatsHandler(func() any { return timeline })(w, r)
	}
}
