package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/beadsboard/internal/adapter/sqlite"
	"github.com/steveyegge/beadsboard/internal/migrate"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Create an empty beads database in .beads/",
	Long: `Create an empty beads database the board can open with the sqlite backend.

The database uses the bd schema, so bd can work on it as well. The prefix is
recorded as the store's issue id prefix.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		prefix, _ := cmd.Flags().GetString("prefix")

		path := databasePath(cfg)
		if err := sqlite.Create(cmd.Context(), path, prefix); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", path)
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <issues.jsonl>",
	GroupID: "setup",
	Short:   "Build the database from a bd JSONL export",
	Long: `Import a bd JSONL export (one issue per line) into the workspace database.

Issue ids are kept. Tombstones are skipped, and so are dependencies whose other
end is missing from the export; those are listed after the import.

The database is written to a temporary file and moved into place only when the
whole export has been imported, so a failed import leaves the old database
untouched.

Example usage:
  beadsboard import .beads/issues.jsonl
  beadsboard import export.jsonl --force --backup
  beadsboard import export.jsonl --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		backup, _ := cmd.Flags().GetBool("backup")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		prefix, _ := cmd.Flags().GetString("prefix")

		dest := databasePath(cfg)
		if !force && !dryRun && interactive() {
			if _, err := os.Stat(dest); err == nil {
				ok, err := confirmReplace(dest)
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("import cancelled")
				}
				force = true
			}
		}

		opts := migrate.Options{
			FromJSONL: args[0],
			To:        dest,
			Prefix:    prefix,
			DryRun:    dryRun,
			Force:     force,
			Backup:    backup,
		}
		res, err := migrate.Import(cmd.Context(), opts)
		if errors.Is(err, migrate.ErrNothingToImport) {
			fmt.Fprintf(cmd.OutOrStdout(), "Nothing to import from %s\n", args[0])
			return nil
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %d items into %s\n", verb, res.ItemsImported, opts.To)
		fmt.Fprintf(out, "  dependencies: %d\n", res.DepsCreated)
		fmt.Fprintf(out, "  labels:       %d\n", res.LabelsCreated)
		fmt.Fprintf(out, "  comments:     %d\n", res.CommentsCreated)
		if res.TombstonesSkipped > 0 {
			fmt.Fprintf(out, "  tombstones skipped: %d\n", res.TombstonesSkipped)
		}
		if res.BackupCreated != "" {
			fmt.Fprintf(out, "  backup: %s\n", res.BackupCreated)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(out, "  warning: %s\n", e)
		}
		return nil
	},
}

// interactive reports whether the command can prompt on the terminal.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func confirmReplace(path string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("%s already exists. Replace it?", path)).
		Description("The current database is overwritten by the import.").
		Affirmative("Replace").
		Negative("Cancel").
		Value(&ok).
		Run()
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return ok, nil
}

func init() {
	initCmd.Flags().String("prefix", sqlite.DefaultPrefix, "Issue id prefix")
	rootCmd.AddCommand(initCmd)

	importCmd.Flags().Bool("force", false, "Replace an existing database")
	importCmd.Flags().Bool("backup", false, "Copy an existing database aside before replacing it")
	importCmd.Flags().Bool("dry-run", false, "Parse and count without writing")
	importCmd.Flags().String("prefix", sqlite.DefaultPrefix, "Issue id prefix for a new database")
	rootCmd.AddCommand(importCmd)
}
