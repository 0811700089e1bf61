// Package http exposes the planner over a JSON HTTP API routed with chi.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Planner is the set of operations the API serves. *arbor.Service implements it.
type Planner interface {
	CreatePlan(ctx context.Context, req arbor.PlanRequest) (*domain.Plan, error)
	GetPlan(ctx context.Context, planID string) (*domain.Plan, error)
	CancelPlan(ctx context.Context, planID string) (bool, error)
	ExpandCluster(ctx context.Context, planID, clusterID string, maxNew int) ([]domain.Path, error)
	Branch(ctx context.Context, req arbor.BranchRequest) (arbor.BranchResult, error)
	GetNode(ctx context.Context, nodeID string) (domain.Node, error)
	Children(ctx context.Context, nodeID string) ([]domain.Edge, error)
}

// Server holds the handlers of the API.
type Server struct {
	Planner Planner
	Streams *StreamManager
	logger  *slog.Logger
	metrics http.Handler
}

// HandlerOption configures NewHandler.
type HandlerOption func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(s *Server) { s.logger = l }
}

// WithStreams shares a StreamManager whose Hooks feed the plan event streams.
func WithStreams(sm *StreamManager) HandlerOption {
	return func(s *Server) { s.Streams = sm }
}

// WithMetrics mounts a metrics handler at /metrics.
func WithMetrics(h http.Handler) HandlerOption {
	return func(s *Server) { s.metrics = h }
}

// NewHandler creates the HTTP handler for a planner.
func NewHandler(p Planner, opts ...HandlerOption) http.Handler {
	s := &Server{Planner: p, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.Streams == nil {
		s.Streams = NewStreamManager()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		_, _ = w.Write(openapiYAML)
	})
	r.Get("/swagger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(swaggerHTML))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/plans", func(r chi.Router) {
		r.Post("/", s.CreatePlan)
		r.Route("/{planID}", func(r chi.Router) {
			r.Get("/", s.GetPlan)
			r.Get("/events", s.SubscribeEvents)
			r.Post("/cancel", s.CancelPlan)
			r.Post("/clusters/{clusterID}/expand", s.ExpandCluster)
			r.Post("/paths/{pathID}/branch", s.Branch)
		})
	})
	r.Route("/nodes/{nodeID}", func(r chi.Router) {
		r.Get("/", s.GetNode)
		r.Get("/children", s.Children)
	})
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const swaggerHTML = `
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>Arbor API Documentation</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui.css" />
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5.11.0/swagger-ui-bundle.js" crossorigin></script>
<script>
    window.onload = () => {
    window.ui = SwaggerUIBundle({
        url: '/openapi.yaml',
        dom_id: '#swagger-ui',
    });
    };
</script>
</body>
</html>
`

// CreatePlanRequest is the body of POST /plans. Omitted config fields keep
// their defaults.
type CreatePlanRequest struct {
	PersonaID   string          `json:"persona_id"`
	StartNodeID string          `json:"start_node_id,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// CreatePlan handles POST /plans.
func (s *Server) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var body CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, domain.Invalid("body", "invalid JSON", err.Error()))
		return
	}
	cfg := domain.DefaultPlanConfig()
	if len(body.Config) > 0 {
		if err := json.Unmarshal(body.Config, &cfg); err != nil {
			s.writeError(w, r, domain.Invalid("config", "invalid JSON", err.Error()))
			return
		}
	}
	plan, err := s.Planner.CreatePlan(r.Context(), arbor.PlanRequest{
		PersonaID:   body.PersonaID,
		StartNodeID: body.StartNodeID,
		Config:      cfg,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/plans/"+plan.ID)
	s.writeJSON(w, http.StatusAccepted, plan)
}

// GetPlan handles GET /plans/{planID}.
func (s *Server) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.Planner.GetPlan(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

// CancelResponse is the body returned by POST /plans/{planID}/cancel.
type CancelResponse struct {
	PlanID    string `json:"plan_id"`
	Cancelled bool   `json:"cancelled"`
}

// CancelPlan handles POST /plans/{planID}/cancel.
func (s *Server) CancelPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	ok, err := s.Planner.CancelPlan(r.Context(), planID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CancelResponse{PlanID: planID, Cancelled: ok})
}

// ExpandRequest is the body of POST /plans/{planID}/clusters/{clusterID}/expand.
type ExpandRequest struct {
	MaxNewPaths int `json:"max_new_paths"`
}

// ExpandResponse lists the paths an expansion appended.
type ExpandResponse struct {
	Paths []domain.Path `json:"paths"`
}

// ExpandCluster handles POST /plans/{planID}/clusters/{clusterID}/expand.
func (s *Server) ExpandCluster(w http.ResponseWriter, r *http.Request) {
	var body ExpandRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, domain.Invalid("body", "invalid JSON", err.Error()))
		return
	}
	paths, err := s.Planner.ExpandCluster(r.Context(), chi.URLParam(r, "planID"), chi.URLParam(r, "clusterID"), body.MaxNewPaths)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if paths == nil {
		paths = []domain.Path{}
	}
	s.writeJSON(w, http.StatusOK, ExpandResponse{Paths: paths})
}

// BranchRequest is the body of POST /plans/{planID}/paths/{pathID}/branch.
// An empty body branches under the plan's start node without auto-run.
type BranchRequest struct {
	ParentNodeID string `json:"parent_node_id,omitempty"`
	AutoRun      bool   `json:"auto_run,omitempty"`
}

// Branch handles POST /plans/{planID}/paths/{pathID}/branch.
func (s *Server) Branch(w http.ResponseWriter, r *http.Request) {
	var body BranchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, r, domain.Invalid("body", "invalid JSON", err.Error()))
			return
		}
	}
	res, err := s.Planner.Branch(r.Context(), arbor.BranchRequest{
		PlanID:       chi.URLParam(r, "planID"),
		PathID:       chi.URLParam(r, "pathID"),
		ParentNodeID: body.ParentNodeID,
		AutoRun:      body.AutoRun,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/nodes/"+res.Node.ID)
	s.writeJSON(w, http.StatusCreated, res)
}

// GetNode handles GET /nodes/{nodeID}.
func (s *Server) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.Planner.GetNode(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

// ChildrenResponse lists the edges leaving a node.
type ChildrenResponse struct {
	Edges []domain.Edge `json:"edges"`
}

// Children handles GET /nodes/{nodeID}/children.
func (s *Server) Children(w http.ResponseWriter, r *http.Request) {
	edges, err := s.Planner.Children(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if edges == nil {
		edges = []domain.Edge{}
	}
	s.writeJSON(w, http.StatusOK, ChildrenResponse{Edges: edges})
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	apiVersion := "unknown"
	if doc, err := Spec(r.Context()); err == nil && doc.Info != nil {
		apiVersion = doc.Info.Version
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":         "arbor-http",
		"version":     strings.TrimSpace(arbor.Version),
		"api_version": apiVersion,
	})
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind"`
	Details []string `json:"details,omitempty"`
}

// StatusFor maps an error kind to its HTTP status code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, arbor.ErrNotStarted), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "engine_fault"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := StatusFor(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}
	for _, e := range domain.ValidationErrors(err) {
		resp.Details = append(resp.Details, e.Error())
	}
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		s.logger.DebugContext(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", fmt.Errorf("encode %T: %w", v, err))
	}
}
