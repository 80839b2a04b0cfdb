package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/apperr"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/auth"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/bus"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/dispatch"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/emergency"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/matching"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/messaging"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Matching  *matching.Engine
	Messaging *messaging.Service
	Emergency *emergency.Broadcaster
	Verifier  *auth.Verifier
	WS        *dispatch.WSRegistry
	// Ready is optional; without it /ready always succeeds.
	Ready  Pinger
	Logger *slog.Logger
}

type Server struct {
	matching  *matching.Engine
	messaging *messaging.Service
	emergency *emergency.Broadcaster
	verifier  *auth.Verifier
	ws        *dispatch.WSRegistry
	ready     Pinger
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		matching:  d.Matching,
		messaging: d.Messaging,
		emergency: d.Emergency,
		verifier:  d.Verifier,
		ws:        d.WS,
		ready:     d.Ready,
		logger:    d.Logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handlePostRide).Methods("POST")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/match", s.handleCreateMatch).Methods("POST")
	api.HandleFunc("/matches", s.handleListMatches).Methods("GET")
	api.HandleFunc("/matches/{id}", s.handleGetMatch).Methods("GET")
	api.HandleFunc("/matches/{id}/complete", s.handleCompleteMatch).Methods("POST")
	api.HandleFunc("/matches/{id}/messages", s.handleListMessages).Methods("GET")
	api.HandleFunc("/matches/{id}/messages", s.handleAppendMessage).Methods("POST")
	api.HandleFunc("/emergencies", s.handleRaiseSOS).Methods("POST")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminMiddleware)
	admin.HandleFunc("/emergencies", s.handleListEmergencies).Methods("GET")
	admin.HandleFunc("/emergencies/{id}", s.handleGetEmergency).Methods("GET")
	admin.HandleFunc("/emergencies/{id}", s.handleUpdateEmergency).Methods("PATCH")

	s.mux.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleUserWS))).Methods("GET")
	s.mux.Handle("/ws/admin", s.authMiddleware(s.adminMiddleware(http.HandlerFunc(s.handleAdminWS)))).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("readiness_failed", "error", err)
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handlePostRide(w http.ResponseWriter, r *http.Request) {
	var in matching.RideInput
	if !s.decode(w, r, &in) {
		return
	}
	ride, err := s.matching.PostRide(r.Context(), identityFrom(r.Context()).UserID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.matching.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	view, err := s.matching.CreateMatch(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	views, err := s.matching.ListMatches(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": views})
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	view, err := s.matching.GetMatch(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCompleteMatch(w http.ResponseWriter, r *http.Request) {
	view, err := s.matching.CompleteMatch(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, apperr.E(apperr.InvalidInput, "limit must be an integer"))
			return
		}
		limit = n
	}
	var before *time.Time
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.writeError(w, r, apperr.E(apperr.InvalidInput, "before must be an RFC3339 timestamp"))
			return
		}
		before = &t
	}
	page, err := s.messaging.ListMessages(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"], limit, before)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Body string `json:"body"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	view, err := s.messaging.AppendMessage(r.Context(), identityFrom(r.Context()).UserID, mux.Vars(r)["id"], in.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleRaiseSOS(w http.ResponseWriter, r *http.Request) {
	var req emergency.SOSRequest
	if !s.decode(w, r, &req) {
		return
	}
	e, err := s.emergency.RaiseSOS(r.Context(), identityFrom(r.Context()).UserID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleListEmergencies(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	for _, v := range r.URL.Query()["status"] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, part)
			}
		}
	}
	list, err := s.emergency.ListEmergencies(r.Context(), statuses)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emergencies": list})
}

func (s *Server) handleGetEmergency(w http.ResponseWriter, r *http.Request) {
	e, err := s.emergency.GetEmergency(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleUpdateEmergency(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status string `json:"status"`
	}
	if !s.decode(w, r, &in) {
		return
	}
	e, err := s.emergency.UpdateStatus(r.Context(), mux.Vars(r)["id"], in.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleUserWS(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	s.serveWS(w, r, id.UserID, bus.UserTopic(id.UserID))
}

func (s *Server) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, identityFrom(r.Context()).UserID, bus.AdminTopic)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, userID, topic string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("ws_upgrade_failed", "user_id", userID, "error", err)
		return
	}
	s.ws.Serve(r.Context(), conn, userID, topic)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.InvalidInput, err, "malformed request body"))
		return false
	}
	return true
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.InvalidState, apperr.Conflict:
		return http.StatusConflict
	case apperr.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.Internal {
		s.logger.Error("request_failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large", "code": apperr.InvalidInput.String()})
		return
	}
	writeJSON(w, statusFor(kind), map[string]string{"error": apperr.Message(err), "code": kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
