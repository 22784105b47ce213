// Package api exposes the queue control plane over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sendforge/sendforge/internal/metrics"
	"github.com/sendforge/sendforge/internal/queue"
)

// Server represents the control-plane API server.
type Server struct {
	supervisor *queue.Supervisor
	httpServer *http.Server
	listenAddr string
	logger     *slog.Logger
}

// NewServer creates an API server bound to the supervisor.
func NewServer(listenAddr string, supervisor *queue.Supervisor) *Server {
	s := &Server{
		supervisor: supervisor,
		listenAddr: listenAddr,
		logger:     slog.Default().With("component", "api"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/queue/stats", s.handleStats).Methods(http.MethodGet)
	router.HandleFunc("/api/queue/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/queue/messages", s.handleEnqueue).Methods(http.MethodPost)
	router.HandleFunc("/api/queue/retry", s.handleRetryAll).Methods(http.MethodPost)
	router.HandleFunc("/api/queue/failed", s.handleClearFailed).Methods(http.MethodDelete)
	router.HandleFunc("/api/queue/cleanup", s.handleCleanup).Methods(http.MethodPost)
	router.HandleFunc("/api/campaigns/{id}/cancel", s.handleCancelCampaign).Methods(http.MethodPost)
	router.HandleFunc("/api/campaigns/{id}/retry", s.handleRetryCampaign).Methods(http.MethodPost)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.Use(s.loggingMiddleware)

	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info("api server listening", "addr", s.listenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.supervisor.GetQueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.supervisor.GetHealthStatus(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// enqueueRequest accepts a single message or a batch.
type enqueueRequest struct {
	Messages []*queue.Job `json:"messages"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages is required")
		return
	}

	if len(req.Messages) == 1 {
		id, err := s.supervisor.AddToQueue(r.Context(), req.Messages[0])
		if err != nil {
			if errors.Is(err, queue.ErrValidation) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id, "inserted": 1})
		return
	}

	inserted, err := s.supervisor.AddBatchToQueue(r.Context(), req.Messages)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"inserted": inserted,
		"skipped":  len(req.Messages) - inserted,
	})
}

func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := mux.Vars(r)["id"]
	affected, err := s.supervisor.CancelPendingMessages(r.Context(), campaignID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": affected})
}

func (s *Server) handleRetryCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := mux.Vars(r)["id"]
	affected, err := s.supervisor.RetryFailedMessages(r.Context(), campaignID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": affected})
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	affected, err := s.supervisor.RetryFailedMessages(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": affected})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.supervisor.ClearFailedMessages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := 7
	if param := r.URL.Query().Get("days"); param != "" {
		parsed, err := strconv.Atoi(param)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	deleted, err := s.supervisor.CleanupOldMessages(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}
