package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/voicerelay/internal/audit"
	"github.com/ent0n29/voicerelay/internal/broker"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/httpapi"
	"github.com/ent0n29/voicerelay/internal/logging"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/signaling"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Fatalf("config error: %v", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	auditStore, err := audit.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("audit store init failed: %v", err)
	}
	defer auditStore.Close()

	var (
		connector upstream.Connector
		minter    httpapi.CredentialMinter
		exchanger httpapi.OfferExchanger
	)
	switch cfg.UpstreamMode {
	case config.UpstreamModeOpenAI:
		connector = upstream.NewWSConnector(upstream.WSConfig{
			URL:    cfg.OpenAIRealtimeURL,
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.RealtimeModel,
			Voice:  cfg.RealtimeVoice,
			Logger: log,
		})
		minter = broker.New(broker.Config{
			BaseURL:    cfg.OpenAIBaseURL,
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.RealtimeModel,
			Voice:      cfg.RealtimeVoice,
			HTTPClient: &http.Client{Timeout: cfg.CredentialTimeout},
		})
		exchanger = signaling.NewClient(signaling.Config{
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.RealtimeModel,
			HTTPClient: &http.Client{Timeout: cfg.NegotiationTimeout},
		})
		log.WithField("model", cfg.RealtimeModel).Info("upstream provider: openai realtime")
	default:
		connector = upstream.NewMockConnector()
		log.Info("upstream provider: mock (no OPENAI_API_KEY)")
	}

	sessions := session.NewRegistry(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		log.WithField("session_id", s.ID).Info("relay session expired")
	})

	relaySvc := relay.NewService(relay.Config{
		DefaultInstructions: cfg.DefaultInstructions,
		GreetOnStart:        cfg.GreetOnStart,
		ConnectTimeout:      cfg.ConnectTimeout,
		ResponseTimeout:     cfg.ResponseTimeout,
		MaxPendingAudio:     cfg.MaxPendingAudio,
		ProviderName:        cfg.UpstreamMode,
	}, sessions, connector, auditStore, metrics, log)

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:  sessions,
		Relay:     relaySvc,
		Minter:    minter,
		Exchanger: exchanger,
		Audit:     auditStore,
		Metrics:   metrics,
		Log:       log,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info("shutdown complete")
}
