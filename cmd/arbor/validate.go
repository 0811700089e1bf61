package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/aretw0/arbor/internal/validator"
	"github.com/aretw0/arbor/pkg/adapters/file"
	loamAdapter "github.com/aretw0/arbor/pkg/adapters/loam"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
	"github.com/aretw0/loam"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Check personas and catalogs for consistency",
	Long: `Loads every persona and checks it against its domain catalog: ranges,
constraint variables, and that every action is reachable from the initial state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if len(args) > 0 {
			cfg.Catalog.Dir = args[0]
		}
		src, err := openSource(cfg.Catalog.Source, cfg.Catalog.Dir)
		if err != nil {
			return err
		}
		problems, err := validateSource(cmd.Context(), src)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, p := range problems {
			fmt.Fprintf(out, "✗ %v\n", p)
		}
		if len(problems) > 0 {
			return fmt.Errorf("%d persona(s) failed validation", len(problems))
		}
		fmt.Fprintln(out, "Catalog is valid! ✅")
		return nil
	},
}

// source is a persona and catalog provider that can enumerate its personas.
type source interface {
	ports.ActionCatalog
	ports.PersonaSource
	PersonaIDs(ctx context.Context) ([]string, error)
}

type fileSource struct{ *file.Provider }

func (f fileSource) PersonaIDs(context.Context) ([]string, error) { return f.Personas(), nil }

type loamSource struct{ *loamAdapter.Provider }

func (l loamSource) PersonaIDs(ctx context.Context) ([]string, error) { return l.Personas(ctx) }

func openSource(kind, dir string) (source, error) {
	switch kind {
	case "file":
		p, err := file.NewProvider(dir)
		if err != nil {
			return nil, err
		}
		return fileSource{p}, nil
	case "loam":
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("invalid path: %w", err)
		}
		repo, err := loam.Init(abs, loam.WithStrict(true), loam.WithReadOnly(true))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize loam: %w", err)
		}
		return loamSource{loamAdapter.New(loam.NewTypedRepository[loamAdapter.Document](repo))}, nil
	default:
		return nil, fmt.Errorf("catalog source %q cannot be validated", kind)
	}
}

// validateSource returns one error per persona that fails; the error return is
// reserved for failures to read the source.
func validateSource(ctx context.Context, src source) ([]error, error) {
	ids, err := src.PersonaIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.New("no personas found")
	}
	var problems []error
	for _, id := range ids {
		persona, err := src.GetPersona(ctx, id)
		if err != nil {
			problems = append(problems, fmt.Errorf("persona %s: %w", id, err))
			continue
		}
		catalog, err := src.ListActions(ctx, persona.Domain)
		if err != nil {
			problems = append(problems, fmt.Errorf("persona %s: catalog %s: %w", id, persona.Domain, err))
			continue
		}
		err = errors.Join(
			validator.ValidatePlanRequest(validator.PlanRequest{
				Persona: persona,
				Catalog: catalog,
				Start:   persona.InitialState,
				Config:  domain.DefaultPlanConfig(),
			}),
			validator.CheckReachability(persona.InitialState, catalog),
		)
		if err != nil {
			problems = append(problems, fmt.Errorf("persona %s: %w", id, err))
		}
	}
	return problems, nil
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("source", "", "Catalog source: memory, file or loam (overrides catalog.source)")
}
