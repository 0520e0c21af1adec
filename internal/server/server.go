// Package server exposes the agent's local intake and control API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vincentbai/heroes-agent/internal/coordinator"
	"github.com/vincentbai/heroes-agent/internal/models"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Recorder is the event intake the server feeds.
type Recorder interface {
	Validate(input models.EventInput) error
	Record(ctx context.Context, input models.EventInput) (models.Event, error)
	StartSession() string
	EndSession()
}

// Batches exposes batch inspection and manual retry.
type Batches interface {
	List(ctx context.Context, status models.BatchStatus) ([]models.Batch, error)
	Retry(ctx context.Context, batchID string) error
	Stats(ctx context.Context) (models.Stats, error)
}

// Syncer is the coordinator surface the server triggers.
type Syncer interface {
	Notify()
	Enqueue(batchID string) bool
	State() coordinator.State
}

// Device receives connectivity and power reports from the host.
type Device interface {
	Update(state models.DeviceState) bool
}

type Server struct {
	recorder Recorder
	batches  Batches
	syncer   Syncer
	device   Device
	address  string
	server   *http.Server
	logger   *slog.Logger
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func NewServer(address string, recorder Recorder, batches Batches, syncer Syncer, device Device, opts ...Option) *Server {
	s := &Server{
		recorder: recorder,
		batches:  batches,
		syncer:   syncer,
		device:   device,
		address:  address,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	return s
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(s.requestLogger)

	router.Get("/healthz", s.handleHealthz)
	router.Post("/events", s.handleEvents)
	router.Post("/sessions", s.handleStartSession)
	router.Delete("/sessions/current", s.handleEndSession)
	router.Put("/device", s.handleDevice)
	router.Post("/sync", s.handleSync)
	router.Get("/batches", s.handleListBatches)
	router.Post("/batches/{id}/retry", s.handleRetryBatch)
	router.Get("/stats", s.handleStats)
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("agent listening", "address", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"latency", time.Since(started).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("ok"))
}

type eventsRequest struct {
	Events []models.EventInput `json:"events"`
}

type eventsResponse struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleEvents(w http.ResponseWriter, request *http.Request) {
	var body eventsRequest
	if err := decodeJSON(w, request, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if len(body.Events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	for i, input := range body.Events {
		if err := s.recorder.Validate(input); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event %d: %v", i, err))
			return
		}
	}

	ids := make([]string, 0, len(body.Events))
	for _, input := range body.Events {
		event, err := s.recorder.Record(request.Context(), input)
		if err != nil {
			s.writeRecordError(w, err, ids)
			return
		}
		ids = append(ids, event.ID)
	}
	writeJSON(w, http.StatusAccepted, eventsResponse{IDs: ids})
}

func (s *Server) writeRecordError(w http.ResponseWriter, err error, recorded []string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrStorageFull):
		status = http.StatusInsufficientStorage
	}
	writeJSON(w, status, struct {
		Error    string   `json:"error"`
		Recorded []string `json:"recorded"`
	}{err.Error(), recorded})
}

func (s *Server) handleStartSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": s.recorder.StartSession()})
}

func (s *Server) handleEndSession(w http.ResponseWriter, _ *http.Request) {
	s.recorder.EndSession()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDevice(w http.ResponseWriter, request *http.Request) {
	var state models.DeviceState
	if err := decodeJSON(w, request, &state); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if s.device.Update(state) {
		s.logger.Info("device back online")
	}
	if state.Online {
		s.syncer.Notify()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	s.syncer.Notify()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListBatches(w http.ResponseWriter, request *http.Request) {
	status := models.BatchStatus(request.URL.Query().Get("status"))
	batches, err := s.batches.List(request.Context(), status)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if batches == nil {
		batches = []models.Batch{}
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleRetryBatch(w http.ResponseWriter, request *http.Request) {
	batchID := chi.URLParam(request, "id")
	if err := s.batches.Retry(request.Context(), batchID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !s.syncer.Enqueue(batchID) {
		s.syncer.Notify()
	}
	w.WriteHeader(http.StatusAccepted)
}

type statsResponse struct {
	models.Stats
	SyncState string `json:"syncState"`
}

func (s *Server) handleStats(w http.ResponseWriter, request *http.Request) {
	stats, err := s.batches.Stats(request.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: stats, SyncState: s.syncer.State().String()})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrStateTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, request *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, request.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
