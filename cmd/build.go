package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veloframe/velo/internal/bridge"
	"github.com/veloframe/velo/internal/build"
)

var buildCmd = &cobra.Command{
	Use:     "build",
	Aliases: []string{"b"},
	Short:   "Produce the production build",
	Long: `Compile the full module graph, pre-render routes into static HTML,
emit the remote and shared bundles, and copy compiled artifacts and public
assets into the output directory.

Examples:
  velo build                    # Build the project in the working directory
  velo build --root ./my-app`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	log := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	p, err := newPipeline(cfg, log, false)
	if err != nil {
		return err
	}

	var minifier build.Minifier
	if cfg.Tools.Minify != "" {
		minifier = bridge.NewMinifier(cfg.Tools.Minify, cfg.RootDir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := build.NewOrchestrator(build.OrchestratorOptions{
		Config:   cfg,
		Compiler: p.compiler,
		Graph:    p.graph,
		Renderer: p.renderer,
		Minifier: minifier,
		Logger:   log,
	})

	started := time.Now()
	if err := orch.Build(ctx); err != nil {
		return err
	}

	fmt.Printf("built %d modules, %d routes in %s -> %s\n",
		p.graph.Count(),
		len(p.graph.PageRoutes().All())+len(p.graph.APIRoutes().All()),
		time.Since(started).Round(time.Millisecond),
		cfg.OutDir())
	return nil
}
