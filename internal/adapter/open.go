package adapter

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/steveyegge/beadsboard/internal/adapter/bdcli"
	"github.com/steveyegge/beadsboard/internal/adapter/sqlite"
	"github.com/steveyegge/beadsboard/internal/breaker"
	"github.com/steveyegge/beadsboard/internal/config"
	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/logging"
	"github.com/steveyegge/beadsboard/internal/metrics"
)

// DaemonSocket is the socket bd's daemon listens on inside .beads/.
const DaemonSocket = "bd.sock"

// Detection describes what was found in a workspace.
type Detection struct {
	// Backend is the backend Open will use.
	Backend string

	// BeadsDir is the workspace's .beads directory.
	BeadsDir string

	// HasDaemon indicates the bd daemon socket exists.
	HasDaemon bool

	// HasBD indicates the bd executable is on PATH (or at bd.path).
	HasBD bool

	// Databases lists the *.db files in BeadsDir.
	Databases []string
}

// Detect decides which backend serves cfg.
//
// Detection precedence for backend "auto":
//  1. A running daemon with bd available: bd owns the database, so edits go
//     through it
//  2. Any *.db file (or an explicit db path): the embedded store
//  3. Otherwise bd, which reports a useful error if nothing is initialized
func Detect(cfg *config.Config) *Detection {
	d := &Detection{BeadsDir: cfg.BeadsDir()}

	if _, err := os.Stat(filepath.Join(d.BeadsDir, DaemonSocket)); err == nil {
		d.HasDaemon = true
	}
	path := cfg.BD.Path
	if path == "" {
		path = "bd"
	}
	if _, err := exec.LookPath(path); err == nil {
		d.HasBD = true
	}
	d.Databases, _ = filepath.Glob(filepath.Join(d.BeadsDir, "*.db"))

	switch {
	case cfg.Backend != config.BackendAuto:
		d.Backend = cfg.Backend
	case d.HasDaemon && d.HasBD:
		d.Backend = config.BackendBD
	case cfg.DB != "" || len(d.Databases) > 0:
		d.Backend = config.BackendSQLite
	default:
		d.Backend = config.BackendBD
	}
	return d
}

// Options are the collaborators Open wires into the backend.
type Options struct {
	// Logs receives every component's log output (default: stderr).
	Logs io.Writer

	// Metrics observes saves, reloads, bd commands and the breaker. May be
	// nil.
	Metrics *metrics.Metrics
}

// Open connects the backend Detect picks for cfg.
//
// In auto mode a workspace whose database files all fail to qualify falls
// back to bd when bd is installed.
func Open(ctx context.Context, cfg *config.Config, opts Options) (Adapter, error) {
	d := Detect(cfg)
	switch d.Backend {
	case config.BackendSQLite:
		s, err := openSQLite(ctx, cfg, opts)
		if err == nil {
			return s, nil
		}
		if cfg.Backend == config.BackendAuto && d.HasBD && !errs.Is(err, errs.KindCatastrophic) {
			logging.For(opts.Logs, "adapter").Printf("Embedded store unavailable (%s), using bd", errs.Message(err))
			break
		}
		return nil, err
	case config.BackendBD:
	default:
		return nil, errs.Validation("connect", "unknown backend %q", d.Backend)
	}

	a, err := openBD(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func openSQLite(ctx context.Context, cfg *config.Config, opts Options) (*sqlite.Store, error) {
	sc := sqlite.DefaultConfig(cfg.BeadsDir())
	sc.Path = cfg.DB
	sc.SaveDebounce = cfg.Save.Debounce
	sc.SelfSaveWindow = cfg.Save.SelfWindow
	sc.MaxSaveAttempts = cfg.Save.MaxAttempts
	sc.SaveBackoff = cfg.Save.Backoff
	sc.CacheTTL = cfg.Board.CacheTTL
	sc.MaxItems = cfg.MaxItems
	sc.Logger = logging.For(opts.Logs, "sqlite")
	if m := opts.Metrics; m != nil {
		sc.OnSave = m.ObserveSave
		sc.OnReload = m.ObserveReload
	}
	return sqlite.Open(ctx, sc)
}

func openBD(ctx context.Context, cfg *config.Config, opts Options) (*bdcli.Adapter, error) {
	bc := bdcli.Config{
		Workspace:        cfg.Workspace,
		Path:             cfg.BD.Path,
		Timeout:          cfg.BD.Timeout,
		MaxOutput:        cfg.BD.MaxOutput,
		BatchSize:        cfg.BD.BatchSize,
		SelfChangeWindow: cfg.BD.SelfWindow,
		CacheTTL:         cfg.Board.CacheTTL,
		MaxItems:         cfg.MaxItems,
		MinVersion:       cfg.BD.MinVersion,
		Breaker: breaker.Config{
			Threshold: cfg.Breaker.Threshold,
			Cooldown:  cfg.Breaker.Cooldown,
		},
		Logger: logging.For(opts.Logs, "bd"),
	}
	if m := opts.Metrics; m != nil {
		bc.Breaker.OnStateChange = m.BreakerStateChanged
		bc.OnCommand = m.ObserveCommand
		bc.OnDropped = m.DroppedIDs
		bc.OnRejected = m.BreakerRejected
	}
	a, err := bdcli.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("failed to start bd adapter: %w", err)
	}
	return a, nil
}

// Backend returns the backend name of a.
func Backend(a Adapter) string {
	switch a.(type) {
	case *sqlite.Store:
		return config.BackendSQLite
	case *bdcli.Adapter:
		return config.BackendBD
	default:
		return "unknown"
	}
}
