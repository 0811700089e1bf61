package main

import (
	"fmt"

	"github.com/aretw0/arbor/internal/presentation/graph"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/spf13/cobra"
)

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Export the universe map as a Mermaid diagram",
	Long:  `Walks the configured universe store and prints a Mermaid flowchart (graph TD).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		// Walking the map never reads personas or catalogs.
		cfg.Catalog.Source = "memory"
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		svc, err := buildService(cfg, logger, domain.LifecycleHooks{})
		if err != nil {
			return err
		}
		defer svc.Close()

		var nodes []domain.Node
		var edges []domain.Edge
		err = svc.Walk(cmd.Context(), func(n domain.Node, children []domain.Edge) {
			nodes = append(nodes, n)
			edges = append(edges, children...)
		})
		if err != nil {
			return err
		}

		var overlay *graph.GraphOverlay
		if focus, _ := cmd.Flags().GetString("highlight"); focus != "" {
			overlay = &graph.GraphOverlay{Highlighted: graph.Ancestry(nodes, focus), CurrentNode: focus}
		}
		fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(nodes, edges, overlay))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mapCmd)
	mapCmd.Flags().String("highlight", "", "Node whose ancestry is highlighted")
}
