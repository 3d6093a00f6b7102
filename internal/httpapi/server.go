package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/goose-companion/internal/activity"
	"github.com/ent0n29/goose-companion/internal/config"
	"github.com/ent0n29/goose-companion/internal/logging"
	"github.com/ent0n29/goose-companion/internal/observability"
	"github.com/ent0n29/goose-companion/internal/protocol"
	"github.com/ent0n29/goose-companion/internal/session"
	"github.com/ent0n29/goose-companion/internal/transcript"
)

// VoiceRunner serves one device connection for an agent session.
type VoiceRunner interface {
	RunConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) error
}

// Sessions is the cached agent session list.
type Sessions interface {
	List() []session.Session
	Get(sessionID string) (session.Session, error)
	Count() int
	RefreshedAt() time.Time
}

type Classifier interface {
	Classify(ctx context.Context, s session.Session, allowLiveProbe bool) activity.Status
	ClassifyAll(ctx context.Context, sessions []session.Session, allowLiveProbe bool) []activity.Status
	EstimateAll(sessions []session.Session) []activity.Status
}

type Deps struct {
	Sessions       Sessions
	Classifier     Classifier
	Transcripts    transcript.Store
	TranscriptMode string
	Voice          VoiceRunner
	Metrics        *observability.Metrics
	// MetricsHandler serves /metrics; nil uses the default registry.
	MetricsHandler http.Handler
}

type Server struct {
	cfg      config.Config
	deps     Deps
	log      logging.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = observability.MetricsHandler()
	}
	return &Server{
		cfg:  cfg,
		deps: deps,
		log:  logging.Named("httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive the bridge from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Native clients usually omit Origin.
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

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}/status", s.handleSessionStatus)
	r.Get("/v1/sessions/{id}/transcript", s.handleTranscript)
	r.Get("/v1/onboarding/status", s.handleOnboardingStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/voice/ws", s.handleVoiceWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"transcript_mode": s.deps.TranscriptMode,
	})
}

// handleReady reports ready once the session list has loaded at least once.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Sessions == nil || s.deps.Sessions.RefreshedAt().IsZero() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "starting",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"session_count": s.deps.Sessions.Count(),
		"refreshed_at":  s.deps.Sessions.RefreshedAt(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Metrics.LatencySnapshot())
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.deps.Voice == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice runner not configured")
		return
	}
	if _, err := s.deps.Sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.deps.Voice.RunConnection(ctx, sessionID, inbound, outbound); err != nil {
			s.log.Warnw("voice connection ended with error", "session_id", sessionID, "error", err)
		}
		// Unblocks the read loop when the runner stops first.
		cancel()
		_ = conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.log.Debugw("websocket write failed", "session_id", sessionID, "error", err)
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
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
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Writes stay on the writer goroutine; drop when saturated.
				s.deps.Metrics.ObserveWSMessage("dropped", string(protocol.TypeErrorEvent))
			}
			continue
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runDone
	cancel()
	<-writerDone
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
