package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/internal/presentation/tui"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var planCmd = &cobra.Command{
	Use:   "plan <persona-id>",
	Short: "Run one plan in-process and print the result",
	Long: `Runs a path search for a persona against the configured catalog and stores,
waits for it to finish and prints a report. Use --json for machine output.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		planCfg, err := planConfigFromFlags(cmd)
		if err != nil {
			return err
		}
		startNode, _ := cmd.Flags().GetString("start-node")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		asJSON, _ := cmd.Flags().GetBool("json")

		svc, err := buildService(cfg, logger, domain.LifecycleHooks{})
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx := cmd.Context()
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start planner: %w", err)
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		plan, err := svc.RunPlan(ctx, arbor.PlanRequest{PersonaID: args[0], StartNodeID: startNode, Config: planCfg})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(plan)
		}
		render := tui.NewRenderer(term.IsTerminal(int(os.Stdout.Fd())))
		report, err := render(tui.PlanMarkdown(plan))
		if err != nil {
			return err
		}
		fmt.Fprint(out, report)
		return nil
	},
}

// planConfigFromFlags overlays explicitly set flags on the default plan config.
func planConfigFromFlags(cmd *cobra.Command) (domain.PlanConfig, error) {
	cfg := domain.DefaultPlanConfig()
	flags := cmd.Flags()
	var err error
	if flags.Changed("max-paths") {
		cfg.MaxPaths, err = flags.GetInt("max-paths")
	}
	if err == nil && flags.Changed("max-depth") {
		cfg.MaxDepth, err = flags.GetInt("max-depth")
	}
	if err == nil && flags.Changed("pruning") {
		cfg.PruningThreshold, err = flags.GetFloat64("pruning")
	}
	if err == nil && flags.Changed("clusters") {
		cfg.MaxClusters, err = flags.GetInt("clusters")
	}
	if err == nil && flags.Changed("no-clustering") {
		var off bool
		off, err = flags.GetBool("no-clustering")
		cfg.EnableClustering = !off
	}
	if err == nil && flags.Changed("seed") {
		cfg.Seed, err = flags.GetUint64("seed")
	}
	return cfg, err
}

func init() {
	rootCmd.AddCommand(planCmd)
	f := planCmd.Flags()
	f.String("catalog", "", "Catalog directory (overrides catalog.dir)")
	f.String("source", "", "Catalog source: memory, file or loam (overrides catalog.source)")
	f.String("start-node", "", "Universe map node to plan from")
	f.Int("max-paths", 100, "Paths to produce")
	f.Int("max-depth", 5, "Actions per path")
	f.Float64("pruning", 0.01, "Minimum cumulative probability of a partial path")
	f.Int("clusters", 5, "Maximum number of clusters")
	f.Bool("no-clustering", false, "Skip clustering")
	f.Uint64("seed", 0, "Exploration seed")
	f.Duration("timeout", 0, "Give up after this long (0 waits for the watchdog)")
	f.Bool("json", false, "Print the plan as JSON")
}
