// Package httpapi exposes the webhook management and publish API.
// Callers identify themselves with the X-User-ID header set by the
// authenticating proxy in front of this service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/petrel-io/petrel/internal/logger"
	"github.com/petrel-io/petrel/internal/webhooks"
)

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes webhook API requests to the underlying services.
type Server struct {
	registry  *webhooks.Registry
	publisher *webhooks.Publisher
	analytics *webhooks.Analytics
	pinger    Pinger
	logger    *slog.Logger
}

// NewServer creates the API server.
func NewServer(registry *webhooks.Registry, publisher *webhooks.Publisher, analytics *webhooks.Analytics, pinger Pinger) *Server {
	return &Server{
		registry:  registry,
		publisher: publisher,
		analytics: analytics,
		pinger:    pinger,
		logger:    logger.NewLogger("http-api"),
	}
}

// Handler builds the route table. Every handler is traced.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/endpoints", s.handleCreateEndpoint).Methods(http.MethodPost)
	api.HandleFunc("/endpoints", s.handleListEndpoints).Methods(http.MethodGet)
	api.HandleFunc("/endpoints/{id}", s.handleGetEndpoint).Methods(http.MethodGet)
	api.HandleFunc("/endpoints/{id}", s.handleUpdateEndpoint).Methods(http.MethodPatch)
	api.HandleFunc("/endpoints/{id}", s.handleDeleteEndpoint).Methods(http.MethodDelete)
	api.HandleFunc("/endpoints/{id}/toggle", s.handleToggleEndpoint).Methods(http.MethodPost)
	api.HandleFunc("/endpoints/{id}/analytics", s.handleEndpointAnalytics).Methods(http.MethodGet)
	api.HandleFunc("/endpoints/{id}/deliveries", s.handleEndpointDeliveries).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handlePublishEvent).Methods(http.MethodPost)

	return otelhttp.NewHandler(r, "petrel-api")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var in webhooks.CreateEndpointInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	endpoint, err := s.registry.CreateEndpoint(r.Context(), userID, in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	// The secret is returned exactly once, on creation.
	s.writeJSON(w, http.StatusCreated, struct {
		*webhooks.Endpoint
		Secret string `json:"secret"`
	}{endpoint, endpoint.Secret})
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	endpoints, err := s.registry.ListEndpoints(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := s.endpointID(w, r)
	if !ok {
		return
	}
	endpoint, err := s.registry.GetEndpoint(r.Context(), id, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, endpoint)
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := s.endpointID(w, r)
	if !ok {
		return
	}
	var in webhooks.UpdateEndpointInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	endpoint, err := s.registry.UpdateEndpoint(r.Context(), id, userID, in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, endpoint)
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := s.endpointID(w, r)
	if !ok {
		return
	}
	if err := s.registry.DeleteEndpoint(r.Context(), id, userID); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggleEndpoint(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := s.endpointID(w, r)
	if !ok {
		return
	}
	var in struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.registry.ToggleEndpoint(r.Context(), id, userID, in.Active); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": in.Active})
}

func (s *Server) handleEndpointAnalytics(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := s.endpointID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid from timestamp")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid to timestamp")
		return
	}
	report, err := s.analytics.Report(r.Context(), id, userID, q.Get("period"), from, to)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEndpointDeliveries(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	id, ok := s.endpointID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	page, err := s.analytics.Deliveries(r.Context(), id, userID, limit, offset)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var in webhooks.PublishInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.TriggeredBy == "" {
		in.TriggeredBy = userID
	}
	ev, err := s.publisher.Publish(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"event_id":   ev.ID,
		"event_type": ev.EventType,
		"expires_at": ev.ExpiresAt,
	})
}

// endpointID validates the {id} path variable. Endpoint ids are UUIDs,
// so anything else is a guaranteed miss and answered as not found
// before it reaches a UUID-typed column.
func (s *Server) endpointID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		s.writeError(w, http.StatusNotFound, "endpoint not found")
		return "", false
	}
	return id, true
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return "", false
	}
	return userID, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, webhooks.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "endpoint not found")
	case webhooks.IsValidation(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
