package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tiepoint/internal/fitting"
	"tiepoint/internal/pipeline"
	"tiepoint/internal/storage"
	"tiepoint/internal/tasks"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes synchronous fits, the job queue and a live result feed over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	fitter   tasks.Fitter
	log      *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a server. store and pipe may be nil; the routes that need
// them answer 503 in that case.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, fitter tasks.Fitter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		fitter:   fitter,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/fit", s.handleFit).Methods("POST")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Serve runs a server on addr until ctx is done.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, fitter tasks.Fitter, log *slog.Logger) error {
	return NewServer(addr, store, pipe, fitter, log).Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleFit fits the tie-point document in the body. The model and solver
// come from the query string: POST /fit?model=homography&solver=native-homography.
func (s *Server) handleFit(w http.ResponseWriter, r *http.Request) {
	if s.fitter == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no fitter configured"))
		return
	}
	model := fitting.ModelAffine
	if name := r.URL.Query().Get("model"); name != "" {
		m, err := fitting.ParseModel(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		model = m
	}

	set, err := tasks.DecodeTiePoints(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.fitter.Fit(r.Context(), fitting.Request{
		Model:  model,
		Solver: r.URL.Query().Get("solver"),
		Source: set.Source,
		Target: set.Target,
	})
	if err != nil {
		s.log.Warn("fit request failed", "model", model, "points", len(set.Source), "error", err)
		writeError(w, StatusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no job store configured"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type jobDetail struct {
	Job  storage.JobRecord   `json:"job"`
	Meta map[string]any      `json:"meta,omitempty"`
	Fits []storage.FitRecord `json:"fits"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no job store configured"))
		return
	}
	id := mux.Vars(r)["id"]
	job, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	detail := jobDetail{Job: job, Fits: []storage.FitRecord{}}
	if meta, err := s.store.JobMeta(id); err == nil {
		detail.Meta = meta
	}
	fits, err := s.store.FitsForJob(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if fits != nil {
		detail.Fits = fits
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no pipeline configured"))
		return
	}
	var job pipeline.Job
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode job: %w", err))
		return
	}
	switch job.Type {
	case pipeline.JobFit, pipeline.JobBatch, pipeline.JobWarp:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown job type %q", job.Type))
		return
	}
	if job.InputPath == "" {
		writeError(w, http.StatusBadRequest, errors.New("job input is required"))
		return
	}
	if job.ID == "" {
		job.ID = pipeline.NewJobID(string(job.Type))
	}

	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) || errors.Is(err, pipeline.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "queued"})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no pipeline configured"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(NewJobEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// handleWebSocket pushes every job result to the client as a JSON text frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no pipeline configured"))
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "pipeline stopped"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(NewJobEvent(res)); err != nil {
				s.log.Debug("WebSocket write failed", "error", err)
				return
			}
		}
	}
}

// JobEvent is the wire form of a pipeline result.
type JobEvent struct {
	ID     string           `json:"id"`
	Type   pipeline.JobType `json:"type"`
	Input  string           `json:"input"`
	Output string           `json:"output,omitempty"`
	Status string           `json:"status"`
	Error  string           `json:"error,omitempty"`
	Meta   map[string]any   `json:"meta,omitempty"`
}

// NewJobEvent converts a result for streaming.
func NewJobEvent(res pipeline.Result) JobEvent {
	ev := JobEvent{
		ID:     res.Job.ID,
		Type:   res.Job.Type,
		Input:  res.Job.InputPath,
		Output: res.Job.Output,
		Status: "completed",
		Meta:   res.Meta,
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

// StatusForError maps fitting errors onto HTTP status codes.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, fitting.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, fitting.ErrDegenerate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fitting.ErrExternalSolver), errors.Is(err, fitting.ErrMalformedOutput):
		return http.StatusBadGateway
	case errors.Is(err, fitting.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
