// Package api is the HTTP surface of the calibration service: the trigger
// request, status, run history and trajectory charts.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/deepdive/internal/db"
	"github.com/banshee-data/deepdive/internal/httputil"
	"github.com/banshee-data/deepdive/internal/recording"
	"github.com/banshee-data/deepdive/internal/refine"
	"github.com/banshee-data/deepdive/internal/results"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

// Controller is the recording state machine as seen by the API.
type Controller interface {
	Trigger() (bool, string)
	Status() recording.Status
	LastOutcome() (recording.Outcome, bool)
}

// RunStore is the run history as seen by the API.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]db.Run, error)
	GetRun(ctx context.Context, id string) (db.Run, error)
	LoadTransforms(ctx context.Context, runID string) (results.TransformSet, error)
	LoadTrajectory(ctx context.Context, runID string) ([]refine.TrajectoryPoint, error)
}

type Server struct {
	ctl   Controller
	store RunStore
}

// NewServer returns a server for ctl. store may be nil, in which case the
// run history endpoints report 404.
func NewServer(ctl Controller, store RunStore) *Server {
	return &Server{ctl: ctl, store: store}
}

// TriggerResponse mirrors the trigger request/response of the recorder.
type TriggerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.Attach(mux)
	return mux
}

// Attach registers the API routes on mux.
func (s *Server) Attach(mux *http.ServeMux) {
	mux.HandleFunc("/api/trigger", s.handleTrigger)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRun)
	mux.HandleFunc("/debug/trajectory", s.handleTrajectoryChart)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	ok, msg := s.ctl.Trigger()
	httputil.WriteJSONOK(w, TriggerResponse{Success: ok, Message: msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	httputil.WriteJSONOK(w, s.ctl.Status())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "run history disabled")
		return
	}
	limit, err := httputil.QueryLimit(r, "limit", defaultRunsLimit, maxRunsLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

// handleRun serves /api/runs/{id} and /api/runs/{id}/transforms.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "run history disabled")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		httputil.NotFound(w, "missing run id")
		return
	}

	var (
		body interface{}
		err  error
	)
	switch sub {
	case "":
		body, err = s.store.GetRun(r.Context(), id)
	case "transforms":
		body, err = s.store.LoadTransforms(r.Context(), id)
	default:
		httputil.NotFound(w, "unknown resource "+sub)
		return
	}
	if err != nil {
		httputil.WriteLookupError(w, err, db.ErrRunNotFound, "run not found")
		return
	}
	httputil.WriteJSONOK(w, body)
}

// handleTrajectoryChart renders the trajectory of ?run=<id>, or of the last
// successful solve of this process.
func (s *Server) handleTrajectoryChart(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	var (
		traj  []refine.TrajectoryPoint
		title string
	)
	if id := r.URL.Query().Get("run"); id != "" {
		if s.store == nil {
			httputil.NotFound(w, "run history disabled")
			return
		}
		var err error
		traj, err = s.store.LoadTrajectory(r.Context(), id)
		if err != nil {
			httputil.WriteLookupError(w, err, db.ErrRunNotFound, "run not found")
			return
		}
		if len(traj) == 0 {
			httputil.NotFound(w, "no trajectory for run "+id)
			return
		}
		title = "Run " + id
	} else {
		out, ok := s.ctl.LastOutcome()
		if !ok || !out.Success() {
			httputil.NotFound(w, "no solved trajectory yet")
			return
		}
		traj = out.Result.Trajectory
		title = "Last solve " + out.Finished.Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := results.TrajectoryChart(w, traj, title); err != nil {
		log.Printf("render trajectory chart: %v", err)
	}
}
