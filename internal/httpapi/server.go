package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicerelay/internal/audit"
	"github.com/ent0n29/voicerelay/internal/broker"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/logging"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/session"
)

type Relay interface {
	RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error
}

type CredentialMinter interface {
	Mint(ctx context.Context) (broker.Credential, error)
}

type OfferExchanger interface {
	Exchange(ctx context.Context, token, offer string) (string, error)
}

// Deps are the collaborators behind the HTTP surface. Minter and Exchanger
// are nil in mock mode; Audit may be nil.
type Deps struct {
	Sessions  *session.Registry
	Relay     Relay
	Minter    CredentialMinter
	Exchanger OfferExchanger
	Audit     audit.Store
	Metrics   *observability.Metrics
	Log       logrus.FieldLogger
}

type Server struct {
	cfg       config.Config
	sessions  *session.Registry
	relay     Relay
	minter    CredentialMinter
	exchanger OfferExchanger
	audit     audit.Store
	metrics   *observability.Metrics
	log       logrus.FieldLogger
	upgrader  websocket.Upgrader
	static    http.Handler
}

func New(cfg config.Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		cfg:       cfg,
		sessions:  deps.Sessions,
		relay:     deps.Relay,
		minter:    deps.Minter,
		exchanger: deps.Exchanger,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		log:       log,
		static:    newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a relay session unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         300,
		}))
		r.Get("/session", s.handleMintCredential)
		r.Post("/session/offer", s.handleOffer)
	})

	r.Get("/v1/relay/ws", s.handleRelayWS)
	r.Get("/v1/relay/sessions/{id}", s.handleGetSession)
	r.Get("/v1/relay/sessions/{id}/events", s.handleSessionEvents)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"upstream_mode": s.cfg.UpstreamMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"upstream_mode":   s.cfg.UpstreamMode,
		"active_sessions": s.sessions.ActiveCount(),
		"audit_store":     s.auditMode(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "audit store not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	entries, err := s.audit.Recent(r.Context(), id, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit_unavailable", err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": entries})
}

func (s *Server) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.relay.RunConnection(gctx, inbound, outbound)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return err
				}
				if t, ok := protocol.MessageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	})

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		var parsed any
		switch msgType {
		case websocket.BinaryMessage:
			// Binary frames are raw PCM16LE mono audio.
			parsed = protocol.AudioFromBinary(data)
		case websocket.TextMessage:
			parsed, err = protocol.ParseClientMessage(data)
			if err != nil {
				errEvent := protocol.NewError("invalid_client_message", err.Error())
				select {
				case outbound <- errEvent:
					s.metrics.ObserveOutboundMessage(string(protocol.TypeError), "queued")
				default:
					// Keep websocket writes single-threaded; drop if outbound queue is saturated.
					s.metrics.ObserveOutboundMessage(string(protocol.TypeError), "drop_full")
				}
				continue
			}
		default:
			continue
		}

		if t, ok := protocol.MessageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-gctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		s.log.WithError(err).Debug("relay connection ended")
	}
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) auditMode() string {
	switch s.audit.(type) {
	case nil:
		return "disabled"
	case *audit.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// Upstream carries the provider's response body when it answered non-2xx.
	Upstream json.RawMessage `json:"upstream,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: code, Message: message})
}
