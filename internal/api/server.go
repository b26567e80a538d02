package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/busybox42/relayd/internal/dedup"
	"github.com/busybox42/relayd/internal/engine"
	"github.com/busybox42/relayd/internal/mapping"
	"github.com/busybox42/relayd/internal/metrics"
	"github.com/busybox42/relayd/internal/queue"
	"github.com/busybox42/relayd/internal/repository"
)

// Config represents admin API server configuration
type Config struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr"`
}

// StatsStore exposes the rolling delivery counters kept outside Prometheus.
// The Valkey store implements it; the server runs without one.
type StatsStore interface {
	GetStats(ctx context.Context) (*metrics.ForwardStats, error)
	GetHourlyStats(ctx context.Context) ([]metrics.HourlyStats, error)
	GetRecentErrors(ctx context.Context, limit int64) ([]map[string]string, error)
}

// Server is the admin HTTP API: pipeline stats, queue inspection, record
// reset, endpoint and rule management.
type Server struct {
	config     *Config
	engine     *engine.Engine
	queues     *queue.Manager
	repo       repository.Repository
	metrics    *metrics.Metrics
	statsStore StatsStore
	dedup      *dedup.Service
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates an admin API server. metrics, statsStore and dedupSvc may be nil.
func NewServer(config *Config, eng *engine.Engine, queues *queue.Manager, repo repository.Repository, m *metrics.Metrics, statsStore StatsStore, dedupSvc *dedup.Service) (*Server, error) {
	if config == nil || !config.Enabled {
		return nil, fmt.Errorf("API server disabled in configuration")
	}

	listenAddr := config.ListenAddr
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8425"
	}
	config.ListenAddr = listenAddr

	return &Server{
		config:     config,
		engine:     eng,
		queues:     queues,
		repo:       repo,
		metrics:    m,
		statsStore: statsStore,
		dedup:      dedupSvc,
		logger:     slog.Default().With("component", "api"),
	}, nil
}

// Router builds the route table. Exposed separately from Start so tests
// can drive the handlers without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/stats/delivery", s.handleDeliveryStats).Methods("GET")
	api.HandleFunc("/stats/hourly", s.handleHourlyStats).Methods("GET")
	api.HandleFunc("/stats/errors", s.handleRecentErrors).Methods("GET")

	api.HandleFunc("/queue", s.handleGetAllQueues).Methods("GET")
	api.HandleFunc("/queue/{name}", s.handleGetQueue).Methods("GET")
	api.HandleFunc("/queue/{name}/flush", s.handleFlushQueue).Methods("POST")

	api.HandleFunc("/record/{id}", s.handleGetRecord).Methods("GET")
	api.HandleFunc("/message/{id}/reset", s.handleResetMessage).Methods("POST")

	api.HandleFunc("/endpoints", s.handleListEndpoints).Methods("GET")
	api.HandleFunc("/endpoints", s.handleCreateEndpoint).Methods("POST")
	api.HandleFunc("/endpoints/{id}", s.handleGetEndpoint).Methods("GET")
	api.HandleFunc("/endpoints/{id}", s.handleUpdateEndpoint).Methods("PUT")
	api.HandleFunc("/endpoints/{id}", s.handleDeleteEndpoint).Methods("DELETE")

	api.HandleFunc("/rules", s.handleCreateRule).Methods("POST")
	api.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods("DELETE")
	api.HandleFunc("/rules/{id}/enabled", s.handleSetRuleEnabled).Methods("PUT")

	api.HandleFunc("/dedup/stats", s.handleDedupStats).Methods("GET")
	api.HandleFunc("/dedup/cleanup", s.handleDedupCleanup).Methods("POST")

	api.HandleFunc("/logging/level", s.HandleGetLogLevel).Methods("GET")
	api.HandleFunc("/logging/level", s.HandleSetLogLevel).Methods("POST", "PUT")

	return r
}

// Start starts the API server
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("admin API listening", "addr", s.config.ListenAddr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin API server failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// API handlers

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GetStats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleDeliveryStats(w http.ResponseWriter, r *http.Request) {
	if s.statsStore == nil {
		http.Error(w, "delivery stats store not configured", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.statsStore.GetStats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleHourlyStats(w http.ResponseWriter, r *http.Request) {
	if s.statsStore == nil {
		http.Error(w, "delivery stats store not configured", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.statsStore.GetHourlyStats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleRecentErrors(w http.ResponseWriter, r *http.Request) {
	if s.statsStore == nil {
		http.Error(w, "delivery stats store not configured", http.StatusServiceUnavailable)
		return
	}
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	recent, err := s.statsStore.GetRecentErrors(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recent)
}

func (s *Server) handleGetAllQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queues.GetStats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	name, err := parseQueueName(mux.Vars(r)["name"])
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
		return
	}

	stats, err := s.queues.GetStats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{
		"queue": string(name),
		"depth": queueDepth(stats, name),
	}
	if name == queue.DeadLetter {
		items, err := s.queues.ListDeadLetter(r.Context(), 100)
		if err != nil {
			http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
			return
		}
		resp["items"] = items
	}
	writeJSON(w, resp)
}

func (s *Server) handleFlushQueue(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["name"]

	var dropped int
	if raw == "all" {
		for _, name := range queue.AllQueues {
			n, err := s.queues.Flush(r.Context(), name)
			if err != nil {
				http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
				return
			}
			dropped += n
		}
	} else {
		name, err := parseQueueName(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
			return
		}
		dropped, err = s.queues.Flush(r.Context(), name)
		if err != nil {
			http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Queue %s flushed", raw),
		"dropped": dropped,
	})
}

func (s *Server) handleDedupStats(w http.ResponseWriter, r *http.Request) {
	if s.dedup == nil {
		http.Error(w, "dedup service not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.dedup.Stats(r.Context()))
}

func (s *Server) handleDedupCleanup(w http.ResponseWriter, r *http.Request) {
	if s.dedup == nil {
		http.Error(w, "dedup service not configured", http.StatusServiceUnavailable)
		return
	}
	deleted, err := s.dedup.CleanupExpired(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"status":  "success",
		"deleted": deleted,
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
		return
	}

	rec, err := s.repo.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Record not found: %v", err), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleResetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.engine.RetryRecord(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, fmt.Sprintf("Record not found: %v", err), http.StatusNotFound)
		case errors.Is(err, repository.ErrInvalidState):
			http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusConflict)
		default:
			http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Record %d reset for redelivery", id),
	})
}

// endpointRequest is the create/update payload for endpoints.
type endpointRequest struct {
	Title  string `json:"title"`
	Access string `json:"access"`
	Active *bool  `json:"active"`
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := s.repo.ListEndpoints(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, endpoints)
}

func (s *Server) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	ep := mapping.Endpoint{
		Title:  req.Title,
		Access: mapping.AccessType(req.Access),
		Active: active,
	}
	if err := s.repo.CreateEndpoint(r.Context(), &ep); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ep)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
		return
	}

	ep, err := s.repo.GetEndpoint(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Endpoint not found: %v", err), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, ep)
}

func (s *Server) handleUpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
		return
	}

	ep, err := s.repo.GetEndpoint(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Endpoint not found: %v", err), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}

	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title != "" {
		ep.Title = req.Title
	}
	if req.Access != "" {
		ep.Access = mapping.AccessType(req.Access)
	}
	if req.Active != nil {
		ep.Active = *req.Active
	}

	if err := s.repo.UpdateEndpoint(r.Context(), ep); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, ep)
}

func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.repo.DeleteEndpoint(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Endpoint not found: %v", err), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "success", "message": fmt.Sprintf("Endpoint %d deleted", id)})
}

// ruleRequest is the create payload for rules.
type ruleRequest struct {
	SourceID int64  `json:"source_id"`
	DestID   int64  `json:"dest_id"`
	Mode     string `json:"mode"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.repo.CreateRule(r.Context(), req.SourceID, req.DestID, mapping.Mode(req.Mode))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAlreadyExists):
			http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusConflict)
		case errors.Is(err, repository.ErrInvalidInput), errors.Is(err, repository.ErrNotFound):
			http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
		default:
			http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": id})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.repo.DeleteRule(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Rule not found: %v", err), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "success", "message": fmt.Sprintf("Rule %d deleted", id)})
}

func (s *Server) handleSetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.repo.SetRuleEnabled(r.Context(), id, req.Enabled); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Rule not found: %v", err), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"status": "success", "id": id, "enabled": req.Enabled})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, fmt.Sprintf("Error encoding JSON: %v", err), http.StatusInternalServerError)
	}
}

// parseQueueName converts a path segment to a queue Name
func parseQueueName(raw string) (queue.Name, error) {
	switch strings.ToLower(raw) {
	case "main":
		return queue.Main, nil
	case "retry":
		return queue.Retry, nil
	case "ratelimit", "rate_limit":
		return queue.RateLimit, nil
	case "dead_letter", "deadletter", "dead":
		return queue.DeadLetter, nil
	default:
		return "", fmt.Errorf("invalid queue name: %s", raw)
	}
}

func queueDepth(stats queue.Stats, name queue.Name) int {
	switch name {
	case queue.Main:
		return stats.Main
	case queue.Retry:
		return stats.Retry
	case queue.RateLimit:
		return stats.RateLimit
	case queue.DeadLetter:
		return stats.DeadLetter
	}
	return 0
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id: %s", raw)
	}
	return id, nil
}
