// Package bdcli implements the board adapter on top of the bd command line
// tool and its daemon.
//
// Every operation is one bd invocation built from an argv slice and run in
// the workspace. Queries use --json output. Detail fetches are batched and
// guarded by a circuit breaker so a wedged daemon costs at most a few
// spawns per cool-down.
//
// Lifecycle:
//
//	a, err := bdcli.New(ctx, bdcli.Config{Workspace: root})
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
package bdcli

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/mod/semver"
	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/beadsboard/internal/breaker"
	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/logging"
	"github.com/steveyegge/beadsboard/internal/types"
)

// Config holds configuration for the process adapter.
type Config struct {
	// Workspace is the directory containing .beads/. Commands run here.
	Workspace string

	// Runner executes bd. Default: an ExecRunner built from the fields
	// below.
	Runner Runner

	// Path, Timeout and MaxOutput configure the default ExecRunner.
	Path      string
	Timeout   time.Duration
	MaxOutput int64

	// BatchSize is the number of ids per bd show call (default: 50).
	BatchSize int

	// SelfChangeWindow is how long after a mutation file changes are
	// treated as our own (default: 2s).
	SelfChangeWindow time.Duration

	// CacheTTL is how long a board snapshot is reused (default: 1s).
	CacheTTL time.Duration

	// MaxItems caps bd list (0 = unlimited).
	MaxItems int

	// MinVersion is the oldest bd accepted, e.g. "v0.30.0". Empty skips
	// the check.
	MinVersion string

	// Breaker configures the circuit around batched detail fetches.
	Breaker breaker.Config

	// Logger for adapter messages (default: stderr with [bd] prefix).
	Logger *log.Logger

	// OnCommand observes every bd invocation.
	OnCommand func(command string, d time.Duration, err error)

	// OnDropped observes ids dropped after failed detail fetches.
	OnDropped func(n int)

	// OnRejected observes calls short-circuited by the breaker.
	OnRejected func()

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

func (c *Config) fill() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.SelfChangeWindow <= 0 {
		c.SelfChangeWindow = 2 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Second
	}
	if c.Logger == nil {
		c.Logger = logging.Default("bd")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Runner == nil {
		c.Runner = &ExecRunner{
			Path:      c.Path,
			Dir:       c.Workspace,
			Timeout:   c.Timeout,
			MaxOutput: c.MaxOutput,
		}
	}
}

// Adapter is the process adapter. It is safe for concurrent use.
type Adapter struct {
	cfg     Config
	logger  *log.Logger
	runner  Runner
	breaker *breaker.Breaker
	closed  atomic.Bool

	mutMu        sync.Mutex
	lastMutation time.Time

	cacheMu    sync.Mutex
	cache      *types.Board
	cacheAt    time.Time
	cacheGen   uint64
	boardGroup singleflight.Group
}

// New creates the adapter and checks the installed bd version.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	cfg.fill()
	a := &Adapter{
		cfg:     cfg,
		logger:  cfg.Logger,
		runner:  cfg.Runner,
		breaker: breaker.New(cfg.Breaker),
	}
	if cfg.MinVersion != "" {
		if err := a.CheckVersion(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// CheckVersion fails if bd is older than MinVersion. An unreadable version
// string is logged and accepted.
func (a *Adapter) CheckVersion(ctx context.Context) error {
	out, err := a.run(ctx, "version", "--json")
	if err != nil {
		return err
	}
	v, err := parseVersion(out)
	if err != nil {
		a.logger.Printf("Warning: %v", err)
		return nil
	}
	minimum := a.cfg.MinVersion
	if !semver.IsValid(minimum) {
		minimum = "v" + minimum
	}
	if semver.IsValid(minimum) && semver.Compare(v, minimum) < 0 {
		return errs.Connectivity("connect", "bd %s is older than the required %s (upgrade beads)", v, minimum)
	}
	a.logger.Printf("Using bd %s", v)
	return nil
}

// Breaker exposes the detail-fetch circuit for status reporting.
func (a *Adapter) Breaker() *breaker.Breaker {
	return a.breaker
}

// run executes one bd command, timing it for OnCommand.
func (a *Adapter) run(ctx context.Context, args ...string) ([]byte, error) {
	if a.closed.Load() {
		return nil, errs.E(errs.KindConnectivity, "bd", errs.ErrDisposed)
	}
	start := time.Now()
	out, err := a.runner.Run(ctx, args...)
	if a.cfg.OnCommand != nil {
		a.cfg.OnCommand(commandName(args), time.Since(start), err)
	}
	return out, err
}

// mutate runs a state-changing command, stamps the self-change clock and
// drops the cached snapshot.
func (a *Adapter) mutate(ctx context.Context, args ...string) ([]byte, error) {
	a.mutMu.Lock()
	a.lastMutation = a.cfg.Now()
	a.mutMu.Unlock()

	out, err := a.run(ctx, args...)

	// Stamp again on completion: the daemon's writes land during the call.
	a.mutMu.Lock()
	a.lastMutation = a.cfg.Now()
	a.mutMu.Unlock()
	a.invalidate()

	if err != nil {
		return nil, err
	}
	if msg := mutationMessage(out); msg != "" {
		a.logger.Printf("bd %s: %s", commandName(args), msg)
	}
	return out, nil
}

// IsRecentSelfChange reports whether a mutation ran within the self-change
// window.
func (a *Adapter) IsRecentSelfChange() bool {
	a.mutMu.Lock()
	defer a.mutMu.Unlock()
	return !a.lastMutation.IsZero() && a.cfg.Now().Sub(a.lastMutation) < a.cfg.SelfChangeWindow
}

// WatchPattern returns the glob the host should watch: the daemon's
// database files.
func (a *Adapter) WatchPattern() string {
	return filepath.Join(a.cfg.Workspace, ".beads", "*.db")
}

// Reload drops the cached snapshot; the next read asks bd again.
func (a *Adapter) Reload(ctx context.Context) error {
	if a.closed.Load() {
		return errs.E(errs.KindConnectivity, "reload", errs.ErrDisposed)
	}
	a.invalidate()
	return nil
}

// Close disposes the adapter. bd keeps no state on our behalf.
func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.breaker.Reset()
	a.invalidate()
	return nil
}

func (a *Adapter) invalidate() {
	a.cacheMu.Lock()
	a.cache = nil
	a.cacheGen++
	a.cacheMu.Unlock()
}

// GetBoard returns every item with readiness, blocker counts and
// relationships. Snapshots are reused for CacheTTL and concurrent callers
// share one load.
func (a *Adapter) GetBoard(ctx context.Context) (*types.Board, error) {
	a.cacheMu.Lock()
	if a.cache != nil && a.cfg.Now().Sub(a.cacheAt) < a.cfg.CacheTTL {
		b := a.cache
		a.cacheMu.Unlock()
		return b, nil
	}
	gen := a.cacheGen
	a.cacheMu.Unlock()

	v, err, _ := a.boardGroup.Do("board:"+strconv.FormatUint(gen, 10), func() (any, error) {
		board, err := a.loadBoard(ctx)
		if err != nil {
			return nil, err
		}
		a.cacheMu.Lock()
		if a.cacheGen == gen {
			a.cache, a.cacheAt = board, a.cfg.Now()
		}
		a.cacheMu.Unlock()
		return board, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Board), nil
}

func (a *Adapter) loadBoard(ctx context.Context) (*types.Board, error) {
	listed, err := a.list(ctx)
	if err != nil {
		return nil, err
	}
	ready, err := a.readySet(ctx)
	if err != nil {
		return nil, err
	}
	blocked, err := a.blockedCounts(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(listed))
	for _, is := range listed {
		ids = append(ids, is.ID)
	}
	details, err := a.fetchDetails(ctx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]*types.Item, 0, len(details))
	var edges []types.Dependency
	for _, summary := range listed {
		full, ok := details[summary.ID]
		if !ok {
			continue
		}
		it := full.toItem()
		if len(it.Labels) == 0 {
			it.Labels = types.NormalizeLabels(summary.Labels)
		}
		it.IsReady = ready[it.ID]
		it.BlockedByCount = blocked[it.ID]
		edges = append(edges, full.edges()...)
		items = append(items, it)
	}

	rel := types.BuildRelations(edges)
	for _, it := range items {
		it.ApplyRelations(rel)
		// Comments are only counted here; the detail view carries them.
		it.Comments = nil
	}
	types.SortItems(items)
	return types.NewBoard(items, a.cfg.Now()), nil
}

func (a *Adapter) list(ctx context.Context) ([]issue, error) {
	out, err := a.run(ctx, "list", "--json", "--all", intFlag("limit", a.cfg.MaxItems))
	if err != nil {
		return nil, err
	}
	issues, err := parseIssues(out)
	if err != nil {
		return nil, errs.E(errs.KindTransient, "bd list", err)
	}
	// Tombstones are deleted items kept for sync.
	live := issues[:0]
	for _, is := range issues {
		if is.ID != "" && is.Status != "tombstone" {
			live = append(live, is)
		}
	}
	return live, nil
}

func (a *Adapter) readySet(ctx context.Context) (map[string]bool, error) {
	out, err := a.run(ctx, "ready", "--json", intFlag("limit", 0))
	if err != nil {
		return nil, err
	}
	issues, err := parseIssues(out)
	if err != nil {
		return nil, errs.E(errs.KindTransient, "bd ready", err)
	}
	set := make(map[string]bool, len(issues))
	for _, is := range issues {
		set[is.ID] = true
	}
	return set, nil
}

func (a *Adapter) blockedCounts(ctx context.Context) (map[string]int, error) {
	out, err := a.run(ctx, "blocked", "--json")
	if err != nil {
		return nil, err
	}
	issues, err := parseIssues(out)
	if err != nil {
		return nil, errs.E(errs.KindTransient, "bd blocked", err)
	}
	counts := make(map[string]int, len(issues))
	for _, is := range issues {
		n := is.BlockedByCount
		if n == 0 {
			n = len(is.BlockedBy)
		}
		counts[is.ID] = n
	}
	return counts, nil
}

// GetColumnCount returns the number of items in one column.
func (a *Adapter) GetColumnCount(ctx context.Context, col types.Column) (int, error) {
	if _, err := types.ParseColumn(string(col)); err != nil {
		return 0, err
	}
	board, err := a.GetBoard(ctx)
	if err != nil {
		return 0, err
	}
	return board.Counts[col], nil
}

// GetColumnData pages over the classified snapshot.
func (a *Adapter) GetColumnData(ctx context.Context, col types.Column, offset, limit int) (*types.ColumnPage, error) {
	if _, err := types.ParseColumn(string(col)); err != nil {
		return nil, err
	}
	if offset < 0 || limit <= 0 {
		return nil, errs.Validation("column.load", "invalid range offset=%d limit=%d", offset, limit)
	}
	board, err := a.GetBoard(ctx)
	if err != nil {
		return nil, err
	}
	return types.Page(col, board.ColumnItems(col), offset, limit), nil
}

// GetItem returns one item at full detail. Derived state comes from the
// board snapshot, since bd show reports only dependents.
func (a *Adapter) GetItem(ctx context.Context, id string) (*types.Item, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	out, err := a.run(ctx, "show", id, "--json")
	if err != nil {
		return nil, err
	}
	issues, err := parseIssues(out)
	if err != nil {
		return nil, errs.E(errs.KindTransient, "bd show", err)
	}
	if len(issues) == 0 || issues[0].ID == "" {
		return nil, errs.E(errs.KindValidation, "item.detail", fmt.Errorf("%w: %s", errs.ErrNotFound, id))
	}
	it := issues[0].toItem()

	board, err := a.GetBoard(ctx)
	if err != nil {
		return nil, err
	}
	if snap := board.Find(id); snap != nil {
		it.IsReady = snap.IsReady
		it.BlockedByCount = snap.BlockedByCount
		it.Parent, it.Children = snap.Parent, snap.Children
		it.Blocks, it.BlockedBy = snap.Blocks, snap.BlockedBy
		it.ChildCount, it.BlocksCount = snap.ChildCount, snap.BlocksCount
	} else {
		it.ApplyRelations(types.BuildRelations(issues[0].edges()))
	}
	it.Classify()
	return it, nil
}
