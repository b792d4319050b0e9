package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veloframe/velo/internal/fetch"
	"github.com/veloframe/velo/internal/version"
)

const releaseManifestURL = "https://api.github.com/repos/veloframe/velo/releases/latest"

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Check for a newer velo release",
	Long: `Query the release manifest and report whether a newer velo version
is available.

Examples:
  velo upgrade                  # Check for updates`,
	RunE: runUpgrade,
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	data, err := fetch.New(nil, newLogger()).Fetch(ctx, releaseManifestURL)
	if err != nil {
		return fmt.Errorf("checking for updates: %w", err)
	}

	var release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(data, &release); err != nil {
		return fmt.Errorf("malformed release manifest: %w", err)
	}

	current := version.Get().Version
	if release.TagName == "" || release.TagName == current {
		fmt.Printf("velo %s is up to date\n", current)
		return nil
	}
	fmt.Printf("velo %s is available (current: %s)\n  %s\n", release.TagName, current, release.HTMLURL)
	return nil
}
