// Package cmd defines and implements the CLI commands for the enrichd
// executable.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/enrichd/enrichd/internal/config"
	"github.com/enrichd/enrichd/internal/rootfind"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrichd",
		Short: "Background enrichment scheduler for a personal file index.",
		Long: `enrichd continuously augments indexed file records with derived
semantic attributes (content type, checksums, embedded metadata) as throttled
background work, without degrading the responsiveness of the host machine.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <project root>/enrichd.json)")
	cmd.AddCommand(newStartCmd())
	return cmd
}

// loadConfig resolves the config path (flag or project root) and loads it.
// A missing file is populated with defaults.
func loadConfig() (config.Config, string, error) {
	path := cfgFile
	root := rootfind.FindOrCwd("")
	if path == "" {
		path = filepath.Join(root, "enrichd.json")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, "", fmt.Errorf("load config %s: %w", path, err)
	}

	// Relative state paths anchor at the project root, not the cwd.
	if !filepath.IsAbs(cfg.CheckpointPath) {
		cfg.CheckpointPath = filepath.Join(root, cfg.CheckpointPath)
	}
	if cfg.Store.Provider == "sqlite" && !filepath.IsAbs(cfg.Store.SQLite.Path) {
		cfg.Store.SQLite.Path = filepath.Join(root, cfg.Store.SQLite.Path)
	}
	return cfg, root, nil
}

// Execute is the main entry point. Initialization failures exit non-zero;
// a clean stop exits zero.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "enrichd: %v\n", err)
		os.Exit(1)
	}
}
