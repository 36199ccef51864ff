package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rgalvao/examroom/internal/config"
	"github.com/rgalvao/examroom/internal/hub"
	"github.com/rgalvao/examroom/internal/observability"
	"github.com/rgalvao/examroom/internal/protocol"
	"github.com/rgalvao/examroom/internal/session"
	"github.com/rgalvao/examroom/internal/store"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 1 << 20
)

type Server struct {
	cfg      config.Config
	hub      *hub.Hub
	store    store.Store
	metrics  *observability.Metrics
	drift    *observability.DriftWindow
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, h *hub.Hub, st store.Store, metrics *observability.Metrics, drift *observability.DriftWindow, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		hub:     h,
		store:   st,
		metrics: metrics,
		drift:   drift,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from
				// the same origin, so another site cannot drive a
				// candidate's exam session.
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

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleSessionWS)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Get("/v1/sessions/{id}/events", s.handleListSessionEvents)
	r.Get("/v1/perf/drift", s.handlePerfDrift)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleListSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.store.RecentEvents(r.Context(), id, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "events_unavailable", err.Error())
		return
	}
	if events == nil {
		events = []store.EventRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     events,
	})
}

func (s *Server) handlePerfDrift(w http.ResponseWriter, _ *http.Request) {
	if s.drift == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"sources":      []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.drift.Snapshot())
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := hub.JoinRequest{
		SessionID:   strings.TrimSpace(q.Get("session_id")),
		StationID:   strings.TrimSpace(q.Get("station_id")),
		UserID:      strings.TrimSpace(q.Get("user_id")),
		Role:        session.Role(strings.TrimSpace(q.Get("role"))),
		DisplayName: strings.TrimSpace(q.Get("display_name")),
	}
	if req.SessionID == "" || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "missing_identity", "query parameters session_id and user_id are required")
		return
	}
	if !req.Role.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_role", "query parameter role must be candidate, actor or evaluator")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	p, err := s.hub.Join(r.Context(), req)
	if err != nil {
		// The handshake already succeeded, so the rejection travels as a
		// close frame.
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
		return
	}
	defer s.hub.Leave(r.Context(), p)

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range p.Events() {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			if t, ok := protocol.TypeOf(msg); ok && s.metrics != nil {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientEvent(data)
		if err != nil {
			s.hub.SendError(p, "invalid client event: "+err.Error())
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok && s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		s.hub.HandleEvent(r.Context(), p, parsed)
	}

	s.hub.Leave(r.Context(), p)
	<-writerDone
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}
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
