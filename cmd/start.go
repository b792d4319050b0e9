package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veloframe/velo/internal/version"
)

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"s"},
	Short:   "Serve the production build",
	Long: `Serve the static output directory produced by "velo build". Routes
map to their pre-rendered index.html; unknown paths fall back to the custom
404 page when one was generated.

Examples:
  velo start                    # Serve ./dist on the configured port
  velo start --port 3000`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().IntP("port", "p", 8080, "Port to serve on")
	startCmd.Flags().String("host", "localhost", "Host to bind to")
}

func runStart(cmd *cobra.Command, args []string) error {
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

	outDir := cfg.OutDir()
	if _, err := os.Stat(outDir); err != nil {
		return fmt.Errorf("no production build found, run \"velo build\" first: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           staticHandler(outDir, cfg.BasePath),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("velo serving %s at http://%s\n", outDir, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// staticHandler serves the generated output tree: exact files first, then the
// route's index.html, then the generated 404 page.
func staticHandler(outDir, basePath string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Powered-By", "velo/"+version.Get().Version)

		p := r.URL.Path
		if basePath != "/" {
			trimmed := strings.TrimPrefix(p, strings.TrimSuffix(basePath, "/"))
			if trimmed == p && p != basePath {
				http.NotFound(w, r)
				return
			}
			p = trimmed
		}
		clean := path.Clean("/" + p)
		if strings.Contains(clean, "..") {
			http.NotFound(w, r)
			return
		}

		fsPath := filepath.Join(outDir, filepath.FromSlash(clean))
		if info, err := os.Stat(fsPath); err == nil && !info.IsDir() {
			if strings.HasPrefix(clean, "/_velo/") {
				w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
			}
			http.ServeFile(w, r, fsPath)
			return
		}

		indexPath := filepath.Join(fsPath, "index.html")
		if _, err := os.Stat(indexPath); err == nil {
			http.ServeFile(w, r, indexPath)
			return
		}

		notFound := filepath.Join(outDir, "404", "index.html")
		if data, err := os.ReadFile(notFound); err == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write(data)
			return
		}
		http.NotFound(w, r)
	})
}
