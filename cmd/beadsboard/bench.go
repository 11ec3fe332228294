package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/beadsboard/internal/adapter"
	"github.com/steveyegge/beadsboard/internal/config"
	"github.com/steveyegge/beadsboard/internal/loadtest"
	"github.com/steveyegge/beadsboard/internal/logging"
	"github.com/steveyegge/beadsboard/internal/metrics"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "board",
	Short:   "Measure board latency under concurrent panels",
	Long: `Run simulated panels against a board and report request latency.

By default a scratch database is generated with --items items, of which about
--blocked are blocked, and served by the sqlite backend. With --existing the
workspace's own backend is measured instead.

Each panel loads the board, pages every column to the end and opens one
item per iteration. --writes also adds and removes a label.

Examples:
  beadsboard bench
  beadsboard bench --panels 50 --items 2000 --writes
  beadsboard bench --existing --json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		panels, _ := cmd.Flags().GetInt("panels")
		items, _ := cmd.Flags().GetInt("items")
		iterations, _ := cmd.Flags().GetInt("iterations")
		blocked, _ := cmd.Flags().GetFloat64("blocked")
		writes, _ := cmd.Flags().GetBool("writes")
		existing, _ := cmd.Flags().GetBool("existing")
		asJSON, _ := cmd.Flags().GetBool("json")

		if panels <= 0 || items <= 0 || iterations <= 0 {
			return errors.New("--panels, --items and --iterations must be positive")
		}
		if blocked < 0 || blocked > 1 {
			return errors.New("--blocked must be between 0.0 and 1.0")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if existing && writes && cfg.ReadOnly {
			return errors.New("--writes conflicts with a read-only board")
		}

		if !existing {
			dir, err := os.MkdirTemp("", "beadsboard-bench-")
			if err != nil {
				return fmt.Errorf("failed to create scratch directory: %w", err)
			}
			defer os.RemoveAll(dir)

			db := filepath.Join(dir, ".beads", "beads.db")
			if !asJSON {
				fmt.Fprintf(cmd.OutOrStdout(), "Generating %d items (%.0f%% blocked)...\n", items, blocked*100)
			}
			if _, err := loadtest.CreateDataset(cmd.Context(), db, items, blocked); err != nil {
				return err
			}
			cfg.Workspace = dir
			cfg.Backend = config.BackendSQLite
			cfg.DB = db
			cfg.MaxItems = items
		}

		m := metrics.New()
		a, err := adapter.Open(cmd.Context(), cfg, adapter.Options{Logs: io.Discard, Metrics: m})
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := loadtest.Run(cmd.Context(), loadtest.Config{
			Adapter:          a,
			Panels:           panels,
			Iterations:       iterations,
			InitialLoadLimit: cfg.InitialLoadLimit,
			PageSize:         cfg.PageSize,
			Writes:           writes,
			Timeout:          cfg.Client.RequestTimeout,
			Logger:           logging.Discard(),
		})
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Backend: %s\n", adapter.Backend(a))
		report.Print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("panels", 20, "Number of concurrent panels")
	benchCmd.Flags().Int("items", 1000, "Items in the generated database")
	benchCmd.Flags().Int("iterations", 5, "Iterations per panel")
	benchCmd.Flags().Float64("blocked", 0.3, "Share of generated items that are blocked (0.0-1.0)")
	benchCmd.Flags().Bool("writes", false, "Add and remove a label every iteration")
	benchCmd.Flags().Bool("existing", false, "Measure the workspace's board instead of a generated one")
	benchCmd.Flags().Bool("json", false, "Output JSON")
	rootCmd.AddCommand(benchCmd)
}
