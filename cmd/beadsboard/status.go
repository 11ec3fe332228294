package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/beadsboard/internal/adapter"
	"github.com/steveyegge/beadsboard/internal/types"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2CD7C7"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7A89"))
	cellStyle  = lipgloss.NewStyle().Width(14).Align(lipgloss.Right)

	columnStyles = map[types.Column]lipgloss.Style{
		types.ColumnReady:      lipgloss.NewStyle().Foreground(lipgloss.Color("#2CD7C7")),
		types.ColumnInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("#F4D03F")),
		types.ColumnBlocked:    lipgloss.NewStyle().Foreground(lipgloss.Color("#E74C3C")),
		types.ColumnClosed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7A89")),
	}
)

// statusReport is the --json form of the status command.
type statusReport struct {
	Workspace string               `json:"workspace"`
	Backend   string               `json:"backend"`
	Detected  string               `json:"detected"`
	HasDaemon bool                 `json:"hasDaemon"`
	HasBD     bool                 `json:"hasBd"`
	Databases []string             `json:"databases"`
	Config    string               `json:"config,omitempty"`
	Total     int                  `json:"total"`
	Counts    map[types.Column]int `json:"counts"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "board",
	Short:   "Show the detected backend and item counts per column",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		d := adapter.Detect(cfg)
		a, err := adapter.Open(cmd.Context(), cfg, adapter.Options{Logs: io.Discard})
		if err != nil {
			return err
		}
		defer a.Close()

		board, err := a.GetBoard(cmd.Context())
		if err != nil {
			return err
		}

		r := statusReport{
			Workspace: cfg.Workspace,
			Backend:   adapter.Backend(a),
			Detected:  d.Backend,
			HasDaemon: d.HasDaemon,
			HasBD:     d.HasBD,
			Databases: d.Databases,
			Config:    cfg.File,
			Total:     len(board.Items),
			Counts:    board.Counts,
		}
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(r)
		}
		renderStatus(cmd.OutOrStdout(), r, colorEnabled(cmd.OutOrStdout()))
		return nil
	},
}

// colorEnabled reports whether w is a terminal that should get styled output.
// NO_COLOR and a dumb TERM turn styling off.
func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return false
	}
	out := termenv.NewOutput(f)
	return !out.EnvNoColor() && out.EnvColorProfile() != termenv.Ascii
}

func renderStatus(w io.Writer, r statusReport, color bool) {
	style := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w, style(titleStyle, "Board: "+r.Workspace))
	fmt.Fprintf(w, "  backend   %s %s\n", r.Backend, style(mutedStyle, "(detected "+r.Detected+")"))
	if r.Config != "" {
		fmt.Fprintf(w, "  config    %s\n", r.Config)
	}
	if len(r.Databases) > 0 {
		fmt.Fprintf(w, "  databases %s\n", strings.Join(r.Databases, ", "))
	}
	fmt.Fprintf(w, "  bd        daemon=%t installed=%t\n\n", r.HasDaemon, r.HasBD)

	var head, counts []string
	for _, col := range types.Columns {
		name := string(col)
		n := fmt.Sprint(r.Counts[col])
		if color {
			head = append(head, cellStyle.Inherit(columnStyles[col]).Render(name))
			counts = append(counts, cellStyle.Render(n))
		} else {
			head = append(head, fmt.Sprintf("%14s", name))
			counts = append(counts, fmt.Sprintf("%14s", n))
		}
	}
	fmt.Fprintln(w, strings.Join(head, ""))
	fmt.Fprintln(w, strings.Join(counts, ""))
	fmt.Fprintf(w, "\n%d items\n", r.Total)
}

func init() {
	statusCmd.Flags().Bool("json", false, "Output JSON")
	rootCmd.AddCommand(statusCmd)
}
