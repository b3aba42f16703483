// Package adminapi implements the ipd binary's admin HTTP surface: project
// registration and build submission, plus health/ready/metrics endpoints in
// the same shape as the rest of the stack (spec §6 "Admin HTTP").
package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/GaretJax/ipd/pkg/ipderrors"
	"github.com/GaretJax/ipd/pkg/log"
	"github.com/GaretJax/ipd/pkg/metrics"
	"github.com/GaretJax/ipd/pkg/projects"
	"github.com/GaretJax/ipd/pkg/scheduler"
)

// Server serves the projects/builds admin API.
type Server struct {
	registry *projects.Registry
	sched    *scheduler.Scheduler
	mux      *http.ServeMux
	logger   zerolog.Logger
}

// NewServer wires the admin HTTP handlers onto a fresh mux.
func NewServer(registry *projects.Registry, sched *scheduler.Scheduler) *Server {
	s := &Server{
		registry: registry,
		sched:    sched,
		mux:      http.NewServeMux(),
		logger:   log.WithComponent("adminapi"),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/projects/", s.handleProjects)
	s.mux.HandleFunc("/builds/", s.handleBuilds)

	return s
}

// Handler returns the http.Handler to mount, instrumented with the admin
// API's request-count and duration metrics.
func (s *Server) Handler() http.Handler {
	return s.withMetrics(s.mux)
}

// Start runs the admin HTTP server on addr until the process is stopped.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("admin API listening")
	return srv.ListenAndServe()
}

// statusRecorder captures the status code a handler wrote, defaulting to 200
// the way net/http itself does when WriteHeader is never called explicitly.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withMetrics records APIRequestsTotal/APIRequestDuration for every request
// the admin HTTP surface serves.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now()})
}

// handleProjects implements GET /projects/, GET /projects/<key>,
// PUT /projects/<key> (form repo=<url>) and DELETE /projects/<key>.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/projects/")

	switch {
	case key == "" && r.Method == http.MethodGet:
		keys, err := s.registry.List()
		if err != nil {
			s.writeError(w, key, err)
			return
		}
		s.writeJSON(w, http.StatusOK, keys)

	case key == "":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

	case r.Method == http.MethodGet:
		project, err := s.registry.Get(key)
		if err != nil {
			s.writeError(w, key, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"repo": project.RepoURL})

	case r.Method == http.MethodPut:
		if err := r.ParseForm(); err != nil {
			s.writeError(w, key, ipderrors.Wrap(ipderrors.KindStore, key, err))
			return
		}
		repoURL := r.FormValue("repo")
		if repoURL == "" {
			http.Error(w, "repo is required", http.StatusBadRequest)
			return
		}
		if err := s.registry.Register(key, repoURL); err != nil {
			s.writeError(w, key, err)
			return
		}
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodDelete:
		if err := s.registry.Unregister(key); err != nil {
			s.writeError(w, key, err)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBuilds implements GET /builds/ and POST /builds/ (form
// project_key, commit_id, raw_url).
func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		builds, err := s.sched.Builds()
		if err != nil {
			s.writeError(w, "", err)
			return
		}
		s.writeJSON(w, http.StatusOK, builds)

	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			s.writeError(w, "", ipderrors.Wrap(ipderrors.KindStore, "", err))
			return
		}
		projectKey := r.FormValue("project_key")
		commitID := r.FormValue("commit_id")
		if projectKey == "" || commitID == "" {
			http.Error(w, "project_key and commit_id are required", http.StatusBadRequest)
			return
		}
		ref, err := s.sched.ScheduleBuild(projectKey, commitID, r.FormValue("raw_url"))
		if err != nil {
			s.writeError(w, projectKey, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(ref))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorCode and httpStatus translate an ipderrors.Kind into the spec's §6
// documented error codes ("project-does-not-exist", "project-already-exists",
// "buildspec-not-found") and status codes (404/403), falling back to 500 and
// the raw error message for anything undocumented.
func errorCode(err error) (code string, status int, ok bool) {
	switch {
	case errors.Is(err, ipderrors.NotFound):
		return "project-does-not-exist", http.StatusNotFound, true
	case errors.Is(err, ipderrors.AlreadyExists):
		return "project-already-exists", http.StatusForbidden, true
	case errors.Is(err, ipderrors.BuildspecNotFound):
		return "buildspec-not-found", http.StatusForbidden, true
	default:
		return "", http.StatusInternalServerError, false
	}
}

func (s *Server) writeError(w http.ResponseWriter, key string, err error) {
	s.logger.Error().Err(err).Str("key", key).Msg("admin request failed")

	code, status, ok := errorCode(err)
	body := map[string]interface{}{}
	if ok {
		body["error"] = code
		if key != "" {
			body["key"] = key
		}
	} else {
		body["error"] = err.Error()
	}
	s.writeJSON(w, status, body)
}
