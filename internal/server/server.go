// Package server exposes the engine over HTTP: events start runs
// asynchronously, and reports and ledger verification can be queried.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"blockci/internal/core"
	"blockci/internal/ctxlog"
	"blockci/internal/ledger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// PipelineSource loads the pipeline evaluated for each event.
type PipelineSource func() (*core.Pipeline, error)

// RunStatus is the lifecycle of a run submitted over HTTP.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunErrored  RunStatus = "error"
)

type run struct {
	ID      string       `json:"id"`
	Event   core.Event   `json:"event"`
	Status  RunStatus    `json:"status"`
	Success *bool        `json:"success,omitempty"`
	Error   string       `json:"error,omitempty"`
	Started time.Time    `json:"started"`
	Report  *core.Report `json:"report,omitempty"`
}

// Server accepts trigger events and tracks the runs they start.
type Server struct {
	runner   *core.Runner
	pipeline PipelineSource
	ledger   *ledger.Ledger
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	runs  map[string]*run
	order []string
}

// New creates a server. led may be nil when the ledger is disabled.
func New(runner *core.Runner, pipeline PipelineSource, led *ledger.Ledger, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctxlog.WithLogger(context.Background(), log))
	return &Server{
		runner:   runner,
		pipeline: pipeline,
		ledger:   led,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		runs:     make(map[string]*run),
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/events", s.handleEvent)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
	})
	r.Get("/ledger/verify", s.handleVerifyLedger)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// POST /events
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev core.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad event: %w", err))
		return
	}
	if !ev.Kind.Valid() || ev.Branch == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("event needs kind push or pull_request and a branch"))
		return
	}

	p, err := s.pipeline()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !p.Triggered(ev) {
		writeJSON(w, http.StatusOK, map[string]any{"triggered": false})
		return
	}
	if _, err := s.runner.Prepare(p); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	id := core.NewRunID()
	rn := &run{ID: id, Event: ev, Status: RunRunning, Started: time.Now()}
	s.mu.Lock()
	s.runs[id] = rn
	s.order = append(s.order, id)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(id, p, ev)

	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "triggered": true})
}

func (s *Server) execute(id string, p *core.Pipeline, ev core.Event) {
	defer s.wg.Done()
	report, err := s.runner.Execute(s.ctx, id, p, ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	rn := s.runs[id]
	if err != nil {
		rn.Status, rn.Error = RunErrored, err.Error()
		s.log.Error("run failed to start", zap.String("run", id), zap.Error(err))
		return
	}
	ok := report.Success()
	rn.Status, rn.Success, rn.Report = RunFinished, &ok, report
}

// GET /runs
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make([]run, 0, len(s.order))
	for _, id := range s.order {
		rn := *s.runs[id]
		rn.Report = nil
		out = append(out, rn)
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	rn, ok := s.runs[id]
	var cp run
	if ok {
		cp = *rn
	}
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// GET /ledger/verify
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, errors.New("ledger disabled"))
		return
	}
	if err := s.ledger.Verify(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "records": s.ledger.Len()})
}

// Wait blocks until every submitted run has finished.
func (s *Server) Wait() { s.wg.Wait() }

// Close cancels in-flight runs and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// ListenAndServe serves on addr until ctx is done, then shuts down and
// cancels in-flight runs.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	<-errc
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
