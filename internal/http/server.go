// Package http exposes the agent manager over a JSON control API.
package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cartridge/learner/internal/agent"
	"github.com/cartridge/learner/internal/checkpoint"
	"github.com/cartridge/learner/internal/config"
	"github.com/cartridge/learner/internal/env"
	"github.com/cartridge/learner/internal/manager"
	"github.com/cartridge/learner/internal/metrics"
	"github.com/cartridge/learner/internal/middleware"
	"github.com/cartridge/learner/internal/report"
	"github.com/cartridge/learner/internal/storage"
	"github.com/cartridge/learner/internal/tensor"
)

const (
	maxBody = 1 << 20
	// MaxStepsPerRequest bounds a synchronous step call, which holds the
	// agent for its whole duration. Longer runs go through /training/background.
	MaxStepsPerRequest = 10000
)

// Options tune the server.
type Options struct {
	// Defaults fill in training fields a create request leaves out.
	Defaults config.Training
	// PolicyDir, when set, confines policy paths to one directory.
	PolicyDir string
	Metrics   *metrics.Collector
}

// Server wires HTTP handlers to the agent manager.
type Server struct {
	mgr    *manager.Manager
	opts   Options
	logger *zerolog.Logger
}

// NewServer constructs a Server instance.
func NewServer(mgr *manager.Manager, opts Options, logger *zerolog.Logger) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(zerolog.Nop())
	}
	return &Server{mgr: mgr, opts: opts, logger: logger}
}

// Routes builds the HTTP router for the control API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(*s.logger))
	r.Use(middleware.Metrics(s.opts.Metrics))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/agents", s.handleCreateAgent)
		r.Get("/agents", s.handleListAgents)
		r.Route("/agents/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetAgent)
			r.Delete("/", s.handleDeleteAgent)
			r.Post("/training/step", s.handleStep)
			r.Post("/training/background", s.handleBackground)
			r.Get("/training/progress", s.handleProgress)
			r.Post("/training/{action}", s.handleTrainingControl)
			r.Post("/action", s.handleAction)
			r.Post("/policy/{op}", s.handlePolicy)
			r.Get("/report", s.handleReport)
		})
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/runs/{runID}/episodes", s.handleListEpisodes)
		r.Get("/runs/{runID}/transitions", s.handleListTransitions)
	})
	return r
}

type createAgentRequest struct {
	Name        string                  `json:"name"`
	Environment manager.EnvironmentSpec `json:"environment"`
	Training    json.RawMessage         `json:"training"`
	Start       bool                    `json:"start"`
}

type agentResponse struct {
	Status   agent.Status       `json:"status"`
	Progress agent.TaskProgress `json:"progress"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var payload createAgentRequest
	if !s.decode(w, r, &payload) {
		return
	}
	cfg, err := s.trainingConfig(payload.Training)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid training configuration")
		return
	}

	a, err := s.mgr.Create(r.Context(), payload.Name, payload.Environment, cfg)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if payload.Start {
		if err := a.StartTraining(); err != nil {
			s.respondError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, describe(a))
}

// trainingConfig layers the request's training block over the defaults.
// Dimensions the request leaves out come from the agent's environment.
func (s *Server) trainingConfig(raw json.RawMessage) (config.Training, error) {
	cfg := s.opts.Defaults
	cfg.ObservationDim = 0
	cfg.ActionDim = 0
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return config.Training{}, err
	}
	return cfg, nil
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.mgr.Agents()
	out := make([]agent.Status, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Status())
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"agents": out})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, describe(a))
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Remove(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrainingControl(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}

	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "start":
		err = a.StartTraining()
	case "pause":
		err = a.Pause()
	case "resume":
		err = a.Resume()
	case "stop":
		err = a.StopTraining()
	default:
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown training action %q", action))
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, describe(a))
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	var payload struct {
		Steps int `json:"steps"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	if payload.Steps <= 0 {
		s.writeError(w, http.StatusBadRequest, "steps must be positive")
		return
	}
	if payload.Steps > MaxStepsPerRequest {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("steps exceeds %d, use /training/background for longer runs", MaxStepsPerRequest))
		return
	}

	taken, err := a.StepTraining(payload.Steps)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"steps_taken": taken,
		"status":      a.Status(),
	})
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	var payload struct {
		MaxSteps int `json:"max_steps"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	if payload.MaxSteps < 0 {
		s.writeError(w, http.StatusBadRequest, "max_steps must not be negative")
		return
	}

	if err := a.StartBackground(payload.MaxSteps); err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, describe(a))
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, a.Progress())
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	var payload struct {
		Observation []float64 `json:"observation"`
	}
	if !s.decode(w, r, &payload) {
		return
	}

	action, err := a.GetAction(payload.Observation)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]float64{"action": action})
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	var payload struct {
		Path string `json:"path"`
	}
	if !s.decode(w, r, &payload) {
		return
	}
	path, err := s.policyPath(payload.Path)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch op := chi.URLParam(r, "op"); op {
	case "save":
		err = a.SavePolicy(path)
	case "load":
		err = a.LoadPolicy(path)
	default:
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown policy operation %q", op))
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	a, ok := s.agent(w, r)
	if !ok {
		return
	}
	window := report.DefaultWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "window must be a positive integer")
			return
		}
		window = n
	}

	var buf bytes.Buffer
	if err := report.WriteRewardCurve(&buf, a.Name(), a.RewardHistory(), window); err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.mgr.Store().GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if _, err := s.mgr.Store().GetRun(r.Context(), runID); err != nil {
		s.respondError(w, err)
		return
	}

	episodes, err := s.mgr.Store().ListEpisodes(r.Context(), runID, limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"episodes": episodes})
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.mgr.Store().GetRun(r.Context(), runID); err != nil {
		s.respondError(w, err)
		return
	}
	transitions, err := s.mgr.Store().ListTransitions(r.Context(), runID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"transitions": transitions})
}

func (s *Server) agent(w http.ResponseWriter, r *http.Request) (*agent.Agent, bool) {
	a, err := s.mgr.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.respondError(w, err)
		return nil, false
	}
	return a, true
}

func (s *Server) policyPath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	if s.opts.PolicyDir == "" {
		return path, nil
	}
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q must be relative to the policy directory", path)
	}
	return filepath.Join(s.opts.PolicyDir, clean), nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		s.writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return false
	}
	return true
}

func describe(a *agent.Agent) agentResponse {
	return agentResponse{Status: a.Status(), Progress: a.Progress()}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrAgentNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, checkpoint.ErrFileNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, manager.ErrAgentExists),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, agent.ErrBusy),
		errors.Is(err, agent.ErrNotTraining),
		errors.Is(err, agent.ErrNotInitialized),
		errors.Is(err, agent.ErrShutdown):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, config.ErrInvalidConfiguration),
		errors.Is(err, tensor.ErrDimensionMismatch),
		errors.Is(err, tensor.ErrNonFinite):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, manager.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, checkpoint.ErrArchitectureMismatch),
		errors.Is(err, env.ErrNoEnvironment):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
