package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"eca.monitor/internal/core/ports"
	"eca.monitor/internal/core/services"
)

type Server struct {
	router        *chi.Mux
	watchSvc      *services.WatchService
	healthSvc     *services.HealthService
	archive       ports.FailureArchive
	hub           *Hub
	enableMetrics bool
}

func NewServer(watchSvc *services.WatchService, healthSvc *services.HealthService, archive ports.FailureArchive, hub *Hub, enableMetrics bool) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		watchSvc:      watchSvc,
		healthSvc:     healthSvc,
		archive:       archive,
		hub:           hub,
		enableMetrics: enableMetrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if s.enableMetrics {
		s.router.Use(MetricsMiddleware)
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Metrics endpoint
	if s.enableMetrics {
		s.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			MetricsHandler().ServeHTTP(w, r)
		})
	}

	// Kubernetes probes
	s.router.Get("/health/live", s.handleLiveness)
	s.router.Get("/health/ready", s.handleReadiness)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/health/detailed", s.handleDetailedHealth)
	s.router.Get("/api/ws", s.handleWS)

	s.router.Route("/api/watches", func(r chi.Router) {
		r.Post("/", s.handleOpenWatch)
		r.Get("/", s.handleListWatches)
		r.Get("/{id}", s.handleGetWatch)
		r.Get("/{id}/status", s.handleGetStatus)
		r.Get("/{id}/log", s.handleGetLog)
		r.Post("/{id}/close", s.handleCloseWatch)
		r.Post("/{id}/stop", s.handleStopRun)
		r.Post("/{id}/group", s.handleSelectGroup)
	})

	s.router.Route("/api/failures", func(r chi.Router) {
		r.Get("/", s.handleListFailures)
		r.Delete("/{watchID}", s.handleRemoveFailure)
	})
}

func (s *Server) Run(addr string) error {
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, code := s.healthSvc.SimpleHealthCheck(r.Context())
	w.WriteHeader(code)
	w.Write([]byte(status))
}

func (s *Server) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	report := s.healthSvc.CheckHealth(r.Context())

	statusCode := http.StatusOK
	switch report.Status {
	case services.HealthStatusUnhealthy:
		statusCode = http.StatusServiceUnavailable
	case services.HealthStatusDegraded:
		statusCode = http.StatusOK // Still serving requests
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(report)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ServeWs(s.hub, w, r)
}

type OpenWatchRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleOpenWatch(w http.ResponseWriter, r *http.Request) {
	var req OpenWatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid JSON", "details": "`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	if req.JobID == "" {
		http.Error(w, `{"error": "Validation failed", "details": "job_id is required"}`, http.StatusBadRequest)
		return
	}

	watch, err := s.watchSvc.OpenWatch(r.Context(), req.JobID)
	if err != nil {
		if errors.Is(err, services.ErrWatchLimit) {
			http.Error(w, `{"error": "Too many active watches"}`, http.StatusTooManyRequests)
			return
		}
		http.Error(w, `{"error": "Failed to open watch", "details": "`+err.Error()+`"}`, http.StatusBadGateway)
		return
	}

	s.hub.Broadcast(Message{
		Type:    "watch_opened",
		Payload: watch,
	})

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(watch)
}

func (s *Server) handleListWatches(w http.ResponseWriter, r *http.Request) {
	offset := 0
	limit := 20

	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil && val >= 0 {
			offset = val
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	result, err := s.watchSvc.ListWatches(r.Context(), offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleGetWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	watch, err := s.watchSvc.GetWatch(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(watch)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.watchSvc.GetLiveStatus(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	group := r.URL.Query().Get("group")
	text, err := s.watchSvc.GetLogText(id, group)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(text))
}

func (s *Server) handleCloseWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.watchSvc.CloseWatch(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	s.hub.Broadcast(Message{
		Type:    "watch_closed",
		Payload: map[string]string{"watch_id": id},
	})

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "closed", "watch_id": id})
}

type StopRunRequest struct {
	GroupID string `json:"group_id"`
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req StopRunRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error": "Invalid JSON", "details": "`+err.Error()+`"}`, http.StatusBadRequest)
			return
		}
	}

	if err := s.watchSvc.StopRun(r.Context(), id, req.GroupID); err != nil {
		if errors.Is(err, services.ErrWatchNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "stop requested", "watch_id": id})
}

type SelectGroupRequest struct {
	Group string `json:"group"`
}

func (s *Server) handleSelectGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req SelectGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid JSON", "details": "`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	if err := s.watchSvc.SelectGroup(id, req.Group); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"active_group": req.Group})
}

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	var offset, limit int64 = 0, 20

	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.ParseInt(o, 10, 64); err == nil && val >= 0 {
			offset = val
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.ParseInt(l, 10, 64); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	records, err := s.archive.List(r.Context(), offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	total, err := s.archive.Count(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"failures": records,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

func (s *Server) handleRemoveFailure(w http.ResponseWriter, r *http.Request) {
	watchID := chi.URLParam(r, "watchID")
	if err := s.archive.Remove(r.Context(), watchID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "removed", "watch_id": watchID})
}
