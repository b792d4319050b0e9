package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/veloframe/velo/internal/build"
	"github.com/veloframe/velo/internal/server"
	"github.com/veloframe/velo/internal/watcher"
)

var devCmd = &cobra.Command{
	Use:     "dev",
	Aliases: []string{"d"},
	Short:   "Start the development server with hot module replacement",
	Long: `Compile the project in development mode, watch the source tree for
changes, and serve pages, compiled modules and API routes with hot module
replacement over WebSocket.

Examples:
  velo dev                      # Serve the project in the working directory
  velo dev --port 3000          # Serve on a different port
  velo dev --root ./examples/hello`,
	RunE: runDev,
}

func init() {
	rootCmd.AddCommand(devCmd)

	devCmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	devCmd.Flags().String("host", "localhost", "Host to bind to")
}

func runDev(cmd *cobra.Command, args []string) error {
	log := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}

	p, err := newPipeline(cfg, log, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := build.NewOrchestrator(build.OrchestratorOptions{
		Config:   cfg,
		Compiler: p.compiler,
		Graph:    p.graph,
		Renderer: p.renderer,
		Logger:   log,
		Dev:      true,
	})
	if err := orch.Build(ctx); err != nil {
		return fmt.Errorf("initial build failed: %w", err)
	}

	engine := watcher.NewEngine(watcher.EngineOptions{
		Config:      cfg,
		Graph:       p.graph,
		Resolver:    p.resolver,
		Compiler:    p.compiler,
		Plugins:     p.plugins,
		RenderCache: p.renderCache,
		Store:       p.store,
		Collector:   p.collector,
		Logger:      log,
		OnEntryStale: func(ctx context.Context) {
			if err := orch.BuildEntry(ctx); err != nil {
				log.Error(ctx, err, "entry regeneration failed")
			}
		},
	})
	defer engine.Debouncer().Stop()

	fw, err := watcher.NewFileWatcher(log)
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	defer func() { _ = fw.Stop() }()
	fw.AddFilter(watcher.NoHiddenFilter)
	fw.AddFilter(watcher.IgnoreDirsFilter(cfg.OutputDir, cfg.Build.CacheDir, "node_modules"))
	fw.AddHandler(engine.HandleChange)
	if err := fw.AddRecursive(filepath.Join(cfg.RootDir, cfg.SrcDir)); err != nil {
		return fmt.Errorf("watching source tree: %w", err)
	}
	fw.Start(ctx)

	srv := server.NewDevServer(server.Options{
		Config:    cfg,
		Graph:     p.graph,
		Store:     p.store,
		Renderer:  p.renderer,
		Artifacts: p.artifacts,
		Collector: p.collector,
		Logger:    log,
	})

	fmt.Printf("velo dev server running at http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	return srv.Start(ctx)
}
