package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/internal/config"
	"github.com/aretw0/arbor/internal/logging"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const studyCatalog = `
domain: career
actions:
  - id: study
    outcomes:
      - {label: passed, probability: 0.7, effects: [{add: {skill: 2}}]}
      - {label: failed, probability: 0.3, effects: [{add: {skill: 0.5}}]}
  - id: rest
    outcomes:
      - {probability: 1, effects: [{add: {happiness: 1}}]}
`

const student = `
id: student
domain: career
utility_weights: {knowledge: 0.8, pleasure: 0.2}
loss_aversion: 1.5
discount_factor: 0.9
initial_state: {skill: 1, happiness: 1}
`

func writeCatalog(t *testing.T, docs map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestValidateSource(t *testing.T) {
	ctx := context.Background()

	src, err := openSource("file", writeCatalog(t, map[string]string{"career.yaml": studyCatalog, "student.yaml": student}))
	require.NoError(t, err)
	problems, err := validateSource(ctx, src)
	require.NoError(t, err)
	assert.Empty(t, problems)

	unreachable := studyCatalog + `
  - id: promote
    preconditions: ["tenure >= 5"]
    outcomes:
      - {probability: 1, effects: [{add: {skill: 1}}]}
`
	src, err = openSource("file", writeCatalog(t, map[string]string{"career.yaml": unreachable, "student.yaml": student}))
	require.NoError(t, err)
	problems, err = validateSource(ctx, src)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].Error(), "promote")

	src, err = openSource("file", writeCatalog(t, map[string]string{"career.yaml": studyCatalog}))
	require.NoError(t, err)
	_, err = validateSource(ctx, src)
	assert.ErrorContains(t, err, "no personas")

	_, err = openSource("memory", "")
	assert.Error(t, err)
}

func TestBuildService_DurableBackends(t *testing.T) {
	ctx := context.Background()
	data := t.TempDir()
	cfg := config.Default()
	cfg.Catalog.Dir = writeCatalog(t, map[string]string{"career.yaml": studyCatalog, "student.yaml": student})
	cfg.Store.Backend = "file"
	cfg.Store.File.Dir = filepath.Join(data, "plans")
	cfg.Store.Universe = "sqlite"
	cfg.Store.SQLite.Path = filepath.Join(data, "db", "universe.db")
	require.NoError(t, cfg.Validate())

	planCfg := domain.DefaultPlanConfig()
	planCfg.MaxPaths = 10
	planCfg.MaxDepth = 3
	planCfg.MaxClusters = 2

	svc, err := buildService(cfg, logging.NewNop(), domain.LifecycleHooks{})
	require.NoError(t, err)
	require.NoError(t, svc.Start(ctx))
	plan, err := svc.RunPlan(ctx, arbor.PlanRequest{PersonaID: "student", Config: planCfg})
	require.NoError(t, err)
	require.Equal(t, domain.PlanSucceeded, plan.Status)
	res, err := svc.Branch(ctx, arbor.BranchRequest{PlanID: plan.ID, PathID: plan.Paths[0].ID})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	reopened, err := buildService(cfg, logging.NewNop(), domain.LifecycleHooks{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	loaded, err := reopened.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Len(t, loaded.Paths, len(plan.Paths))
	node, err := reopened.GetNode(ctx, res.Node.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, node.Provenance.PlanID)
}

func TestBuildService_BadCatalogDir(t *testing.T) {
	cfg := config.Default()
	cfg.Catalog.Dir = filepath.Join(t.TempDir(), "missing")
	_, err := buildService(cfg, logging.NewNop(), domain.LifecycleHooks{})
	assert.Error(t, err)
}

func TestPlanConfigFromFlags(t *testing.T) {
	require.NoError(t, planCmd.Flags().Set("max-depth", "7"))
	require.NoError(t, planCmd.Flags().Set("no-clustering", "true"))

	cfg, err := planConfigFromFlags(planCmd)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxDepth)
	assert.False(t, cfg.EnableClustering)
	assert.Equal(t, domain.DefaultPlanConfig().MaxPaths, cfg.MaxPaths)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetOut(nil); rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "arbor version "+arbor.Version)
}
