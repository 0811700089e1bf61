// Package mcp exposes the planner as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"
)

// Planner is the set of operations exposed as tools. *arbor.Service implements it.
type Planner interface {
	CreatePlan(ctx context.Context, req arbor.PlanRequest) (*domain.Plan, error)
	GetPlan(ctx context.Context, planID string) (*domain.Plan, error)
	CancelPlan(ctx context.Context, planID string) (bool, error)
	ExpandCluster(ctx context.Context, planID, clusterID string, maxNew int) ([]domain.Path, error)
	Branch(ctx context.Context, req arbor.BranchRequest) (arbor.BranchResult, error)
	GetNode(ctx context.Context, nodeID string) (domain.Node, error)
	Plans(ctx context.Context) ([]string, error)
}

// Server wraps a planner and exposes it as an MCP server.
type Server struct {
	planner   Planner
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a new MCP server instance.
func NewServer(planner Planner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		planner:   planner,
		logger:    logger,
		mcpServer: server.NewMCPServer("arbor-mcp", strings.TrimSpace(arbor.Version)),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves the MCP SSE transport on port until ctx is cancelled.
func (s *Server) ServeSSE(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(fmt.Sprintf("http://localhost:%d", port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))
	httpServer := &http.Server{Addr: addr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("MCP server listening (SSE)", "address", addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PlanArgs are the arguments of create_plan. Zero config fields keep defaults.
type PlanArgs struct {
	PersonaID        string  `json:"persona_id"`
	StartNodeID      string  `json:"start_node_id,omitempty"`
	MaxPaths         int     `json:"max_paths,omitempty"`
	MaxDepth         int     `json:"max_depth,omitempty"`
	PruningThreshold float64 `json:"pruning_threshold,omitempty"`
	MaxClusters      int     `json:"max_clusters,omitempty"`
	DisableClusters  bool    `json:"disable_clustering,omitempty"`
	Seed             uint64  `json:"seed,omitempty"`
}

// Config overlays the arguments on the default plan config.
func (a PlanArgs) Config() domain.PlanConfig {
	cfg := domain.DefaultPlanConfig()
	if a.MaxPaths != 0 {
		cfg.MaxPaths = a.MaxPaths
	}
	if a.MaxDepth != 0 {
		cfg.MaxDepth = a.MaxDepth
	}
	if a.PruningThreshold != 0 {
		cfg.PruningThreshold = a.PruningThreshold
	}
	if a.MaxClusters != 0 {
		cfg.MaxClusters = a.MaxClusters
	}
	cfg.EnableClustering = !a.DisableClusters
	cfg.Seed = a.Seed
	return cfg
}

// PlanArg addresses one plan.
type PlanArg struct {
	PlanID string `json:"plan_id"`
}

// ExpandArgs are the arguments of expand_cluster.
type ExpandArgs struct {
	PlanID      string `json:"plan_id"`
	ClusterID   string `json:"cluster_id"`
	MaxNewPaths int    `json:"max_new_paths"`
}

// BranchArgs are the arguments of branch.
type BranchArgs struct {
	PlanID       string `json:"plan_id"`
	PathID       string `json:"path_id"`
	ParentNodeID string `json:"parent_node_id,omitempty"`
	AutoRun      bool   `json:"auto_run,omitempty"`
}

// NodeArg addresses one universe map node.
type NodeArg struct {
	NodeID string `json:"node_id"`
}

// CancelResult is returned by cancel_plan.
type CancelResult struct {
	PlanID    string `json:"plan_id"`
	Cancelled bool   `json:"cancelled"`
}

// ExpandResult is returned by expand_cluster.
type ExpandResult struct {
	Paths []domain.Path `json:"paths"`
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("create_plan",
		mcp.WithDescription("Queue a path search for a persona. Poll get_plan for results."),
		mcp.WithString("persona_id", mcp.Required(), mcp.Description("Persona to plan for")),
		mcp.WithString("start_node_id", mcp.Description("Universe map node to start from (optional)")),
		mcp.WithNumber("max_paths", mcp.Description("Paths to produce, 10-500")),
		mcp.WithNumber("max_depth", mcp.Description("Actions per path, 3-30")),
		mcp.WithNumber("pruning_threshold", mcp.Description("Minimum cumulative probability, 0.001-0.1")),
		mcp.WithNumber("max_clusters", mcp.Description("Clusters to group paths into, 2-10")),
		mcp.WithBoolean("disable_clustering", mcp.Description("Skip clustering")),
		mcp.WithNumber("seed", mcp.Description("Random seed for exploration")),
		mcp.WithOutputSchema[domain.Plan](),
	), mcp.NewStructuredToolHandler(s.handleCreatePlan))

	s.mcpServer.AddTool(mcp.NewTool("get_plan",
		mcp.WithDescription("Get a plan with its status, clusters and paths."),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("Plan ID")),
		mcp.WithOutputSchema[domain.Plan](),
	), mcp.NewStructuredToolHandler(s.handleGetPlan))

	s.mcpServer.AddTool(mcp.NewTool("expand_cluster",
		mcp.WithDescription("Search more paths similar to a cluster of a finished plan."),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("Plan ID")),
		mcp.WithString("cluster_id", mcp.Required(), mcp.Description("Cluster ID, e.g. cluster-01")),
		mcp.WithNumber("max_new_paths", mcp.Required(), mcp.Description("Upper bound of paths to add")),
		mcp.WithOutputSchema[ExpandResult](),
	), mcp.NewStructuredToolHandler(s.handleExpand))

	s.mcpServer.AddTool(mcp.NewTool("branch",
		mcp.WithDescription("Commit a path into the universe map as a new node."),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("Plan ID")),
		mcp.WithString("path_id", mcp.Required(), mcp.Description("Path ID, e.g. path-00001")),
		mcp.WithString("parent_node_id", mcp.Description("Parent node; defaults to the plan's start node")),
		mcp.WithBoolean("auto_run", mcp.Description("Submit the new node to the execution pipeline")),
		mcp.WithOutputSchema[arbor.BranchResult](),
	), mcp.NewStructuredToolHandler(s.handleBranch))

	s.mcpServer.AddTool(mcp.NewTool("cancel_plan",
		mcp.WithDescription("Cancel a queued or running plan. Produced paths are kept."),
		mcp.WithString("plan_id", mcp.Required(), mcp.Description("Plan ID")),
		mcp.WithOutputSchema[CancelResult](),
	), mcp.NewStructuredToolHandler(s.handleCancel))

	s.mcpServer.AddTool(mcp.NewTool("get_node",
		mcp.WithDescription("Get a universe map node."),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node ID")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		node, err := s.planner.GetNode(ctx, request.GetString("node_id", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		jsonBytes, _ := json.Marshal(node)
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})
}

const plansURI = "arbor://plans"

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(plansURI, "Known plan IDs",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		text, err := s.plansJSON(ctx)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      plansURI,
				MIMEType: "application/json",
				Text:     text,
			},
		}, nil
	})
}

func (s *Server) plansJSON(ctx context.Context) (string, error) {
	ids, err := s.planner.Plans(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list plans: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	jsonBytes, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(jsonBytes), nil
}

func (s *Server) handleCreatePlan(ctx context.Context, _ mcp.CallToolRequest, args PlanArgs) (*domain.Plan, error) {
	plan, err := s.planner.CreatePlan(ctx, arbor.PlanRequest{
		PersonaID:   args.PersonaID,
		StartNodeID: args.StartNodeID,
		Config:      args.Config(),
	})
	if err != nil {
		s.logger.Debug("MCP create_plan rejected", "persona", args.PersonaID, "err", err)
		return nil, err
	}
	return plan, nil
}

func (s *Server) handleGetPlan(ctx context.Context, _ mcp.CallToolRequest, args PlanArg) (*domain.Plan, error) {
	return s.planner.GetPlan(ctx, args.PlanID)
}

func (s *Server) handleExpand(ctx context.Context, _ mcp.CallToolRequest, args ExpandArgs) (ExpandResult, error) {
	paths, err := s.planner.ExpandCluster(ctx, args.PlanID, args.ClusterID, args.MaxNewPaths)
	if err != nil {
		return ExpandResult{}, err
	}
	if paths == nil {
		paths = []domain.Path{}
	}
	return ExpandResult{Paths: paths}, nil
}

func (s *Server) handleBranch(ctx context.Context, _ mcp.CallToolRequest, args BranchArgs) (arbor.BranchResult, error) {
	return s.planner.Branch(ctx, arbor.BranchRequest{
		PlanID:       args.PlanID,
		PathID:       args.PathID,
		ParentNodeID: args.ParentNodeID,
		AutoRun:      args.AutoRun,
	})
}

func (s *Server) handleCancel(ctx context.Context, _ mcp.CallToolRequest, args PlanArg) (CancelResult, error) {
	ok, err := s.planner.CancelPlan(ctx, args.PlanID)
	if err != nil {
		return CancelResult{}, err
	}
	return CancelResult{PlanID: args.PlanID, Cancelled: ok}, nil
}
