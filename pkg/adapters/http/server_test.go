package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPlanner answers every call with err, or with canned values when err is nil.
type stubPlanner struct {
	err      error
	lastPlan arbor.PlanRequest
	lastMax  int
}

func (s *stubPlanner) CreatePlan(ctx context.Context, req arbor.PlanRequest) (*domain.Plan, error) {
	s.lastPlan = req
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Plan{ID: "p1", Status: domain.PlanQueued, Config: req.Config}, nil
}

func (s *stubPlanner) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Plan{ID: planID, Status: domain.PlanSucceeded}, nil
}

func (s *stubPlanner) CancelPlan(ctx context.Context, planID string) (bool, error) {
	return s.err == nil, s.err
}

func (s *stubPlanner) ExpandCluster(ctx context.Context, planID, clusterID string, maxNew int) ([]domain.Path, error) {
	s.lastMax = maxNew
	return nil, s.err
}

func (s *stubPlanner) Branch(ctx context.Context, req arbor.BranchRequest) (arbor.BranchResult, error) {
	if s.err != nil {
		return arbor.BranchResult{}, s.err
	}
	return arbor.BranchResult{Node: domain.Node{ID: "n1"}, Edge: domain.Edge{ID: "e1", ToNodeID: "n1"}}, nil
}

func (s *stubPlanner) GetNode(ctx context.Context, nodeID string) (domain.Node, error) {
	return domain.Node{ID: nodeID}, s.err
}

func (s *stubPlanner) Children(ctx context.Context, nodeID string) ([]domain.Edge, error) {
	return nil, s.err
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{domain.Invalid("config.max_paths", "out of range", 9000), http.StatusBadRequest, "validation"},
		{domain.NotFoundf("plan x"), http.StatusNotFound, "not_found"},
		{domain.Conflictf("already branched"), http.StatusConflict, "conflict"},
		{domain.Faultf("broken"), http.StatusInternalServerError, "engine_fault"},
		{arbor.ErrNotStarted, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			h := NewHandler(&stubPlanner{err: tt.err})
			w := do(t, h, http.MethodGet, "/plans/x", "")
			assert.Equal(t, tt.status, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.kind, resp.Kind)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestValidationDetails(t *testing.T) {
	err := domain.Join([]error{
		domain.Invalid("config.max_paths", "out of range", 1),
		domain.Invalid("config.max_depth", "out of range", 1),
	})
	h := NewHandler(&stubPlanner{err: err})
	w := do(t, h, http.MethodPost, "/plans", `{"persona_id":"p"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Len(t, resp.Details, 2)
}

func TestCreatePlan_ConfigDefaults(t *testing.T) {
	stub := &stubPlanner{}
	h := NewHandler(stub)

	w := do(t, h, http.MethodPost, "/plans", `{"persona_id":"investor","config":{"max_depth":4}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/plans/p1", w.Header().Get("Location"))

	want := domain.DefaultPlanConfig()
	want.MaxDepth = 4
	assert.Equal(t, want, stub.lastPlan.Config)
	assert.Equal(t, "investor", stub.lastPlan.PersonaID)

	w = do(t, h, http.MethodPost, "/plans", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutes(t *testing.T) {
	stub := &stubPlanner{}
	h := NewHandler(stub, WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	})))

	w := do(t, h, http.MethodPost, "/plans/p1/cancel", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"plan_id":"p1","cancelled":true}`, w.Body.String())

	w = do(t, h, http.MethodPost, "/plans/p1/clusters/cluster-01/expand", `{"max_new_paths":4}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"paths":[]}`, w.Body.String())
	assert.Equal(t, 4, stub.lastMax)

	w = do(t, h, http.MethodPost, "/plans/p1/paths/path-00001/branch", "")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "/nodes/n1", w.Header().Get("Location"))

	w = do(t, h, http.MethodGet, "/nodes/n1/children", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"edges":[]}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/health", "")
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, "metrics", w.Body.String())

	w = do(t, h, http.MethodOptions, "/plans", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOpenAPIDocument(t *testing.T) {
	doc, err := Spec(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, doc.Paths.Find("/plans/{planID}/paths/{pathID}/branch"))

	h := NewHandler(&stubPlanner{})
	w := do(t, h, http.MethodGet, "/openapi.yaml", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "openapi: 3.0.3")

	w = do(t, h, http.MethodGet, "/info", "")
	var info map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, doc.Info.Version, info["api_version"])
}

// syncRecorder guards the recorder body so the test can read it while the
// stream handler is still writing.
type syncRecorder struct {
	*httptest.ResponseRecorder
	mu sync.Mutex
}

func (r *syncRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(b)
}

func (r *syncRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Body.String()
}

func TestSubscribeEvents(t *testing.T) {
	streams := NewStreamManager()
	planner := &runningPlanner{}
	h := NewHandler(planner, WithStreams(streams))
	hooks := streams.Hooks()

	req := httptest.NewRequest(http.MethodGet, "/plans/p1/events?types=plan_status", nil)
	w := &syncRecorder{ResponseRecorder: httptest.NewRecorder()}
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(w, req)
	}()

	require.Eventually(t, func() bool { return streams.Subscribers("p1") == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	base := domain.EventBase{PlanID: "p1"}
	base.Type = domain.EventPathAccepted
	hooks.OnPathAccepted(ctx, &domain.PathEvent{EventBase: base, PathID: "path-00001"})
	base.Type = domain.EventPlanStatus
	hooks.OnPlanStatus(ctx, &domain.PlanEvent{EventBase: base, From: domain.PlanRunning, To: domain.PlanSucceeded, Paths: 1})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after the terminal status")
	}
	body := w.body()
	assert.Contains(t, body, "event: ping")
	assert.Contains(t, body, "event: plan_status")
	assert.NotContains(t, body, "path_accepted", "filtered out")
	assert.Equal(t, 0, streams.Subscribers("p1"))
}

type runningPlanner struct{ stubPlanner }

func (r *runningPlanner) GetPlan(ctx context.Context, planID string) (*domain.Plan, error) {
	return &domain.Plan{ID: planID, Status: domain.PlanRunning}, nil
}

func TestWebhook(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = body["node_id"]
		if got == "bad" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, time.Second)
	require.NoError(t, hook.Submit(context.Background(), "node-1"))
	assert.Equal(t, "node-1", got)
	assert.Error(t, hook.Submit(context.Background(), "bad"))
}

func TestEndToEnd(t *testing.T) {
	registry := memory.NewRegistry()
	require.NoError(t, registry.PutCatalog(&domain.Catalog{Domain: "finance", Version: "v1", Actions: []domain.Action{
		{ID: "invest", Outcomes: []domain.Outcome{
			{Label: "gain", Probability: 0.8, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 1.1}}},
			{Label: "loss", Probability: 0.2, Effects: []domain.Effect{{Op: domain.EffectScale, Variable: "cash", Value: 0.9}}},
		}},
	}}))
	_, err := registry.PutPersona(&domain.Persona{
		ID:             "investor",
		Domain:         "finance",
		UtilityWeights: map[domain.Dimension]float64{domain.DimWealth: 1},
		LossAversion:   1.5,
		DiscountFactor: 0.95,
		InitialState:   domain.WorldState{"cash": 100},
	})
	require.NoError(t, err)

	svc, err := arbor.New("", arbor.WithCatalog(registry), arbor.WithPersonas(registry))
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close()
	h := NewHandler(svc)

	w := do(t, h, http.MethodPost, "/plans", `{"persona_id":"investor","config":{"max_paths":10,"max_depth":3}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var plan domain.Plan
	require.NoError(t, json.NewDecoder(w.Body).Decode(&plan))

	require.Eventually(t, func() bool {
		w := do(t, h, http.MethodGet, "/plans/"+plan.ID, "")
		if err := json.NewDecoder(w.Body).Decode(&plan); err != nil {
			return false
		}
		return plan.Status == domain.PlanSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, plan.Paths)

	w = do(t, h, http.MethodPost, "/plans/"+plan.ID+"/paths/"+plan.Paths[0].ID+"/branch", `{}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res arbor.BranchResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))

	w = do(t, h, http.MethodGet, "/nodes/"+res.Node.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/plans/"+plan.ID+"/paths/"+plan.Paths[0].ID+"/branch", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodGet, "/nodes/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
