// Package cmd provides the velo command-line interface.
//
// Configuration is read from .velo.yml in the project root, with VELO_
// prefixed environment variables overriding file values and command-line
// flags overriding both.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/veloframe/velo/internal/config"
	"github.com/veloframe/velo/internal/logging"
	"github.com/veloframe/velo/internal/version"
)

var (
	rootDir     string
	logLevel    string
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "velo",
	Short: "Module-graph compiler and build pipeline for web applications",
	Long: `Velo compiles a pages-based web project into a content-hashed module
graph, serves it in development with hot module replacement, and generates a
static production build.

Quick Start:
  velo init my-app               Scaffold a new project
  velo dev                       Start the development server
  velo build                     Produce the production build
  velo start                     Serve the production build

Command Aliases:
  init (i), dev (d), build (b), start (s)`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println("velo", version.Get().String())
			return nil
		}
		return cmd.Help()
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "project root (default is the working directory)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "print version and exit")

	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// projectRoot resolves the project root from the --root flag, defaulting to
// the working directory.
func projectRoot() (string, error) {
	if rootDir != "" {
		return rootDir, nil
	}
	return os.Getwd()
}

// loadConfig loads and validates the project configuration.
func loadConfig() (*config.Config, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}
	return config.Load(root)
}

// newLogger builds the CLI logger from the --log-level flag.
func newLogger() logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:  logging.ParseLevel(logLevel),
		Format: "text",
		Output: os.Stderr,
	})
}
