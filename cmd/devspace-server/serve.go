package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/AjaxZhan/devspace/internal/config"
	"github.com/AjaxZhan/devspace/internal/download"
	"github.com/AjaxZhan/devspace/internal/idle"
	"github.com/AjaxZhan/devspace/internal/logging"
	"github.com/AjaxZhan/devspace/internal/metrics"
	"github.com/AjaxZhan/devspace/internal/runtime"
	"github.com/AjaxZhan/devspace/internal/runtime/bwrap"
	"github.com/AjaxZhan/devspace/internal/runtime/docker"
	"github.com/AjaxZhan/devspace/internal/runtime/mock"
	"github.com/AjaxZhan/devspace/internal/server"
	"github.com/AjaxZhan/devspace/internal/session"
)

const shutdownTimeout = 45 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server (default)",
	RunE:  runServe,
}

// loadConfig reads the configuration file and environment, then applies
// command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if flags.grpcAddr != "" {
		cfg.Server.GRPCAddr = flags.grpcAddr
	}
	if flags.httpAddr != "" {
		cfg.Server.HTTPAddr = flags.httpAddr
	}
	if flags.runtimeType != "" {
		cfg.Runtime.Type = flags.runtimeType
	}
	if err := normalizeStoragePaths(cfg); err != nil {
		return nil, fmt.Errorf("failed to normalize storage paths: %w", err)
	}

	if err := logging.Init(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Info("Starting devspace server...",
		logging.String("grpc_addr", cfg.Server.GRPCAddr),
		logging.String("http_addr", cfg.Server.HTTPAddr),
		logging.String("runtime", cfg.Runtime.Type),
	)

	rt, err := createRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	logging.Info("Runtime initialized", logging.String("runtime", rt.Name()))

	if reaper, ok := rt.(runtime.Reaper); ok {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		n, err := reaper.ReapOrphans(ctx)
		cancel()
		if err != nil {
			logging.Warn("Orphan sweep failed", logging.Err(err))
		} else if n > 0 {
			logging.Info("Removed orphaned sandboxes", logging.Int("count", n))
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctrl := session.NewController(cfg, rt, session.Options{Metrics: m})

	downloads := download.NewStore(download.DefaultTTL, nil, m)
	if err := downloads.Start(); err != nil {
		return err
	}
	defer downloads.Stop()

	monitor := idle.New(idle.Config{
		Max:         cfg.Session.GetIdleMax(),
		Ping:        cfg.Session.GetIdlePing(),
		PingTimeout: cfg.Session.GetIdlePingTimeout(),
		Sweep:       cfg.Session.GetIdleSweep(),
	}, ctrl.IdleTargets, nil)
	if err := monitor.Start(); err != nil {
		return err
	}
	defer monitor.Stop()

	srv, err := server.New(cfg, ctrl, downloads, m)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.StartWithGateway() }()

	select {
	case err := <-errCh:
		shutdown(srv)
		return err
	case <-ctx.Done():
		logging.Info("Shutting down server...")
		shutdown(srv)
		return nil
	}
}

func shutdown(srv *server.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Stop(ctx)
}

// normalizeStoragePaths makes the workspaces root absolute. Docker bind
// mounts and bwrap binds both require absolute paths.
func normalizeStoragePaths(cfg *config.Config) error {
	root := cfg.Sandbox.WorkspacesRoot
	if root == "" || filepath.IsAbs(root) {
		return nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	cfg.Sandbox.WorkspacesRoot = abs
	return nil
}

// createRuntime creates a runtime instance based on configuration.
func createRuntime(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime.Type {
	case "bwrap":
		// bwrap sandboxes have no filesystem of their own; the workspace is
		// always a host directory.
		if !cfg.Sandbox.HostWorkspace {
			logging.Info("bwrap runtime requires host workspaces, enabling them")
			cfg.Sandbox.HostWorkspace = true
		}
		if err := os.MkdirAll(cfg.Sandbox.WorkspacesRoot, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create workspaces root: %w", err)
		}
		return bwrap.New(&bwrap.Config{
			BwrapPath:        cfg.Runtime.BwrapPath,
			DefaultTimeout:   cfg.Runtime.GetExecTimeout(),
			WorkspacePath:    cfg.Sandbox.WorkspacePath,
			EnableNetworking: cfg.Sandbox.NetworkMode != "none",
		}), nil
	case "docker":
		rt, err := docker.New(&docker.Config{
			DockerHost:  cfg.Runtime.DockerHost,
			Sandbox:     cfg.Sandbox,
			ExecTimeout: cfg.Runtime.GetExecTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Docker runtime: %w", err)
		}
		return rt, nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown runtime type %q", cfg.Runtime.Type)
	}
}
