package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/arbor/internal/presentation/tui"
	httpAdapter "github.com/aretw0/arbor/pkg/adapters/http"
	"github.com/aretw0/arbor/pkg/observability"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts the planner with the configured stores and exposes plans, cluster
expansion, branching and the universe map over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); cmd.Flags().Changed("addr") {
			cfg.Server.Addr = addr
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		if term.IsTerminal(int(os.Stderr.Fd())) {
			tui.PrintBanner(os.Stderr)
		}

		metrics := observability.NewMetrics()
		streams := httpAdapter.NewStreamManager()
		svc, err := buildService(cfg, logger, metrics.Hooks().Merge(streams.Hooks()))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := svc.Start(ctx); err != nil {
			_ = svc.Close()
			return fmt.Errorf("start planner: %w", err)
		}
		defer func() {
			if err := svc.Close(); err != nil {
				logger.Error("closing planner", "err", err)
			}
		}()

		handlerOpts := []httpAdapter.HandlerOption{
			httpAdapter.WithLogger(logger),
			httpAdapter.WithStreams(streams),
		}
		servers := []*http.Server{}
		if cfg.Server.MetricsAddr == "" {
			handlerOpts = append(handlerOpts, httpAdapter.WithMetrics(metrics.Handler()))
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			servers = append(servers, &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux})
		}
		servers = append(servers, &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           httpAdapter.NewHandler(svc, handlerOpts...),
			ReadHeaderTimeout: 10 * time.Second,
		})

		return serveAll(ctx, logger, servers...)
	},
}

// serveAll runs every server until ctx is done or one of them fails, then
// shuts all of them down.
func serveAll(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("graceful shutdown of %s: %w", srv.Addr, err))
				_ = srv.Close()
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().String("catalog", "", "Catalog directory (overrides catalog.dir)")
	serveCmd.Flags().String("source", "", "Catalog source: memory, file or loam (overrides catalog.source)")
}
