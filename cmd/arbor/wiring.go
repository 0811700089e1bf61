package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aretw0/arbor"
	"github.com/aretw0/arbor/internal/config"
	"github.com/aretw0/arbor/pkg/adapters/file"
	httpAdapter "github.com/aretw0/arbor/pkg/adapters/http"
	"github.com/aretw0/arbor/pkg/adapters/memory"
	"github.com/aretw0/arbor/pkg/adapters/process"
	"github.com/aretw0/arbor/pkg/adapters/redis"
	"github.com/aretw0/arbor/pkg/adapters/sqlite"
	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/ports"
)

// stack is a configured service plus the resources it must release.
type stack struct {
	*arbor.Service
	closers []func() error
}

// Close stops the service and releases its backends.
func (s *stack) Close() error {
	errs := []error{s.Service.Close()}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// buildService wires the backends selected in cfg into an arbor.Service.
// The service is not started.
func buildService(cfg *config.Config, logger *slog.Logger, hooks domain.LifecycleHooks) (*stack, error) {
	st := &stack{}
	fail := func(err error) (*stack, error) {
		for i := len(st.closers) - 1; i >= 0; i-- {
			_ = st.closers[i]()
		}
		return nil, err
	}

	opts := []arbor.Option{
		arbor.WithLogger(logger),
		arbor.WithLifecycleHooks(hooks),
		arbor.WithAggregation(cfg.Engine.Aggregation),
		arbor.WithMaxExpansions(cfg.Engine.MaxExpansions),
		arbor.WithInterimEvery(cfg.Engine.InterimEvery),
		arbor.WithSeed(cfg.Engine.Seed),
		arbor.WithWatchdog(cfg.Engine.WatchdogBudget),
	}

	redisOpts := []redis.Option{redis.WithPrefix(cfg.Store.Redis.Prefix), redis.WithTTL(cfg.Store.Redis.TTL)}
	if cfg.Store.Backend == "redis" || cfg.Store.Universe == "redis" {
		client := redis.NewClient(cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
		st.closers = append(st.closers, client.Close)

		if cfg.Store.Backend == "redis" {
			opts = append(opts,
				arbor.WithPlanStore(redis.NewPlanStore(client, redisOpts...)),
				arbor.WithLocker(redis.NewLocker(client, cfg.Store.Redis.Prefix+"lock:"), cfg.Engine.WatchdogBudget),
			)
		}
		if cfg.Store.Universe == "redis" {
			opts = append(opts, arbor.WithUniverseStore(redis.NewUniverse(client, redisOpts...)))
		}
	}

	if cfg.Store.Backend == "file" {
		opts = append(opts, arbor.WithPlanStore(file.NewPlanStore(cfg.Store.File.Dir)))
	}

	var universe ports.UniverseStore
	switch cfg.Store.Universe {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLite.Path), 0o755); err != nil {
			return fail(fmt.Errorf("create sqlite dir: %w", err))
		}
		u, err := sqlite.Open(cfg.Store.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("open universe: %w", err))
		}
		st.closers = append(st.closers, u.Close)
		universe = u
	case "memory":
		universe = memory.NewUniverse()
	}
	if universe != nil {
		opts = append(opts, arbor.WithUniverseStore(universe))
	}

	switch {
	case cfg.Pipeline.URL != "":
		opts = append(opts, arbor.WithPipeline(httpAdapter.NewWebhook(cfg.Pipeline.URL, cfg.Pipeline.Timeout)))
	case cfg.Pipeline.Command != "":
		popts := []process.Option{process.WithArgs(cfg.Pipeline.Args...), process.WithTimeout(cfg.Pipeline.Timeout)}
		if universe != nil {
			popts = append(popts, process.WithNodes(universe))
		}
		opts = append(opts, arbor.WithPipeline(process.New(cfg.Pipeline.Command, popts...)))
	}

	repoPath := ""
	switch cfg.Catalog.Source {
	case "memory":
		registry := memory.NewRegistry()
		opts = append(opts, arbor.WithCatalog(registry), arbor.WithPersonas(registry))
	case "file":
		provider, err := file.NewProvider(cfg.Catalog.Dir)
		if err != nil {
			return fail(fmt.Errorf("load catalog: %w", err))
		}
		opts = append(opts, arbor.WithCatalog(provider), arbor.WithPersonas(provider))
	case "loam":
		repoPath = cfg.Catalog.Dir
	}

	svc, err := arbor.New(repoPath, opts...)
	if err != nil {
		return fail(err)
	}
	st.Service = svc
	return st, nil
}
