// Command beadsboard serves a kanban board over a beads workspace.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/beadsboard/internal/adapter/sqlite"
	"github.com/steveyegge/beadsboard/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "beadsboard",
	Short: "Kanban board for beads issue trackers",
	Long: `beadsboard shows the issues of a beads workspace as a four column board
(ready, in progress, blocked, closed) and lets connected panels edit them.

The board reads either the workspace's SQLite database directly or drives the
bd command line tool when a bd daemon owns the database.

Settings come from, highest first: flags, BEADSBOARD_* environment variables,
.beads/board.yaml, the user config directory, defaults.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "board", Title: "Board:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", "", "Workspace directory (default: nearest parent with .beads/)")
	pf.String("backend", config.BackendAuto, "Backend: auto, sqlite or bd")
	pf.String("db", "", "Database file (default: probe .beads/*.db)")
	pf.Bool("read-only", false, "Reject every mutation")
	pf.String("log-file", "", "Write logs to a rotating file instead of stderr")
	pf.BoolP("verbose", "v", false, "With --log-file, also log to stderr")
	_ = pf.SetAnnotation("log-file", config.KeyAnnotation, []string{"log.file"})
	_ = pf.SetAnnotation("verbose", config.KeyAnnotation, []string{"log.verbose"})
}

// loadConfig resolves the effective configuration for cmd's flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load("", cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// databasePath is the store file init and import write to.
func databasePath(cfg *config.Config) string {
	if cfg.DB != "" {
		return cfg.DB
	}
	return filepath.Join(cfg.BeadsDir(), sqlite.DefaultFile)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
