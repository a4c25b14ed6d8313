// Package status implements the thin, read-only HTTP status/metrics
// surface C12 exposes to operators: liveness at /healthz and recent
// run reports at /runs and /runs/{id}. The interactive web UI the
// teacher's dashboard package served is out of scope (spec.md §1); this
// keeps only the operational visibility a long-running reconciliation
// process always needs.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/senextrader/lifecycle-engine/internal/orchestrator"
)

// defaultHistory bounds how many runs Recorder keeps in memory.
const defaultHistory = 50

// RunSummary is the list-view shape returned by GET /runs.
type RunSummary struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	UserCount  int       `json:"user_count"`
}

// Recorder is an in-memory, bounded ring of recent orchestrator runs.
// It holds no broker or store reference: the status server it backs is
// read-only by construction, never capable of triggering a run itself.
type Recorder struct {
	mu      sync.RWMutex
	order   []string
	reports map[string]orchestrator.RunReport
	max     int
}

// NewRecorder builds a Recorder retaining at most max runs (defaultHistory if <= 0).
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = defaultHistory
	}
	return &Recorder{reports: make(map[string]orchestrator.RunReport), max: max}
}

// Record stores report under id, evicting the oldest run if over capacity.
func (r *Recorder) Record(id string, report orchestrator.RunReport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.reports[id]; !exists {
		r.order = append(r.order, id)
	}
	r.reports[id] = report

	for len(r.order) > r.max {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.reports, oldest)
	}
}

// Get returns the run report stored under id.
func (r *Recorder) Get(id string) (orchestrator.RunReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.reports[id]
	return rep, ok
}

// List returns summaries of every retained run, most recent first.
func (r *Recorder) List() []RunSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RunSummary, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		id := r.order[i]
		rep := r.reports[id]
		out = append(out, RunSummary{
			ID: id, StartedAt: rep.StartedAt, FinishedAt: rep.FinishedAt,
			Success: rep.Success, UserCount: len(rep.Users),
		})
	}
	return out
}

// Latest returns the most recently recorded run, if any.
func (r *Recorder) Latest() (RunSummary, bool) {
	summaries := r.List()
	if len(summaries) == 0 {
		return RunSummary{}, false
	}
	return summaries[0], true
}

// Server is the read-only chi-backed status/metrics HTTP surface.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	recorder  *Recorder
	log       *logrus.Entry
	port      int
	startedAt time.Time
}

// NewServer builds a status Server listening on port, reading from recorder.
func NewServer(port int, recorder *Recorder, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	s := &Server{
		router:    chi.NewRouter(),
		recorder:  recorder,
		log:       log,
		port:      port,
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/runs", s.handleListRuns)
	s.router.Get("/runs/{id}", s.handleGetRun)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	}
	if latest, ok := s.recorder.Latest(); ok {
		body["last_run"] = latest
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.recorder.List())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, ok := s.recorder.Get(id)
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Error("status: failed to encode response")
	}
}

// Start blocks serving on the configured port until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithField("port", s.port).Info("status: starting server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server; nil-safe if Start was never called.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
