// Package loadtest measures the board host under many concurrent panels.
//
// A dataset is a generated beads store with a chosen share of blocked
// items. Run opens one in-process panel per simulated user, each with its own
// bridge and client session over a shared adapter, and times every request
// the panels make.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/beadsboard/internal/adapter"
	"github.com/steveyegge/beadsboard/internal/bridge"
	"github.com/steveyegge/beadsboard/internal/client"
	"github.com/steveyegge/beadsboard/internal/logging"
	"github.com/steveyegge/beadsboard/internal/migrate"
	"github.com/steveyegge/beadsboard/internal/protocol"
	"github.com/steveyegge/beadsboard/internal/types"
)

// Dataset is a generated store ready for Run.
type Dataset struct {
	Path       string
	IDs        []string
	BlockedPct float64
	Import     *migrate.Result
}

// CreateDataset writes a store with numItems items to path. About blockedPct
// of them (0 to 1) are blocked by an earlier item.
func CreateDataset(ctx context.Context, path string, numItems int, blockedPct float64) (*Dataset, error) {
	if numItems <= 0 {
		return nil, fmt.Errorf("numItems must be positive, got %d", numItems)
	}
	records := Generate(numItems, blockedPct)
	res, err := migrate.ImportRecords(ctx, records, migrate.Options{To: path, Prefix: "load", Force: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create dataset: %w", err)
	}
	ds := &Dataset{Path: path, BlockedPct: blockedPct, Import: res}
	for _, rec := range records {
		ds.IDs = append(ds.IDs, rec.ID)
	}
	return ds, nil
}

// Generate builds numItems records with a realistic mix of types,
// priorities and statuses. Output is deterministic.
func Generate(numItems int, blockedPct float64) []*migrate.Record {
	issueTypes := []string{"bug", "feature", "task"}
	// P0: 10%, P1: 10%, P2: 50%, P3: 20%, P4: 10%
	priorities := []int{0, 1, 2, 2, 2, 2, 2, 3, 3, 4}
	// Mostly open, some in progress and closed.
	statuses := []types.Status{
		types.StatusOpen, types.StatusOpen, types.StatusOpen, types.StatusOpen,
		types.StatusInProgress, types.StatusInProgress, types.StatusClosed,
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := make([]*migrate.Record, numItems)
	for i := range records {
		typ := issueTypes[i%len(issueTypes)]
		created := base.Add(time.Duration(i) * time.Minute)
		rec := &migrate.Record{
			ID:          fmt.Sprintf("load-%05d", i),
			Title:       fmt.Sprintf("Item %d: %s", i, typ),
			Description: fmt.Sprintf("Generated %s at P%d", typ, priorities[i%len(priorities)]),
			Status:      string(statuses[i%len(statuses)]),
			Priority:    priorities[i%len(priorities)],
			IssueType:   typ,
			Labels:      []string{"loadtest", fmt.Sprintf("batch-%d", i/100)},
			CreatedAt:   created,
			UpdatedAt:   created,
		}
		if rec.Status == string(types.StatusClosed) {
			closed := created.Add(time.Hour)
			rec.ClosedAt = &closed
		}
		records[i] = rec
	}
	addBlockers(records, blockedPct)
	return records
}

// addBlockers makes later items depend on earlier ones until about
// blockedPct of the records carry a blocking edge.
func addBlockers(records []*migrate.Record, blockedPct float64) {
	if blockedPct <= 0 || len(records) < 2 {
		return
	}
	if blockedPct > 1 {
		blockedPct = 1
	}
	rng := rand.New(rand.NewSource(42))
	half := len(records) / 2
	want := int(float64(len(records)) * blockedPct)
	for i := 0; i < want; i++ {
		blocker := records[rng.Intn(half)]
		blocked := records[half+rng.Intn(len(records)-half)]
		if blocker.Status == string(types.StatusClosed) {
			continue
		}
		blocked.Dependencies = append(blocked.Dependencies, &migrate.DepRecord{
			IssueID:     blocked.ID,
			DependsOnID: blocker.ID,
			Type:        string(types.DepBlocks),
			CreatedAt:   blocked.CreatedAt,
		})
	}
}

// Config holds configuration for Run.
type Config struct {
	// Adapter is shared by every panel.
	Adapter adapter.Adapter

	// Panels is the number of concurrent panels (default: 10).
	Panels int

	// Iterations each panel performs (default: 5).
	Iterations int

	// InitialLoadLimit caps the cards per column a snapshot fills
	// (default: 100).
	InitialLoadLimit int

	// PageSize for column pages (default: 50).
	PageSize int

	// Writes adds and removes a label on a random item every iteration.
	Writes bool

	// Timeout bounds each request (default: 30s).
	Timeout time.Duration

	// Logger for bridge and session warnings (default: discard).
	Logger *log.Logger
}

// Report is the outcome of a Run.
type Report struct {
	Panels     int
	Iterations int
	Elapsed    time.Duration

	// Ops holds latency per request type.
	Ops map[protocol.Type]*LatencyStats
}

// LatencyStats summarizes the latencies of one request type.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
}

// recorder collects one panel's samples.
type recorder struct {
	durations map[protocol.Type][]time.Duration
	errors    map[protocol.Type]int
}

func newRecorder() *recorder {
	return &recorder{
		durations: make(map[protocol.Type][]time.Duration),
		errors:    make(map[protocol.Type]int),
	}
}

func (r *recorder) time(op protocol.Type, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		r.errors[op]++
		return err
	}
	r.add(op, time.Since(start))
	return nil
}

func (r *recorder) add(op protocol.Type, d time.Duration) {
	r.durations[op] = append(r.durations[op], d)
}

// Run opens cfg.Panels panels over cfg.Adapter and drives them
// concurrently. Each iteration loads the board, pages every column to the
// end and opens one item's detail. Request failures are counted, not
// returned; Run fails only when a panel cannot be set up.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("loadtest needs an adapter")
	}
	if cfg.Panels <= 0 {
		cfg.Panels = 10
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 5
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	board, err := cfg.Adapter.GetBoard(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read board: %w", err)
	}
	ids := make([]string, 0, len(board.Items))
	for _, it := range board.Items {
		ids = append(ids, it.ID)
	}
	if len(ids) == 0 {
		return nil, errors.New("board is empty")
	}

	var (
		mu      sync.Mutex
		samples []*recorder
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Panels; i++ {
		seed := int64(i)
		g.Go(func() error {
			rec, err := runPanel(gctx, cfg, ids, seed)
			if err != nil {
				return err
			}
			mu.Lock()
			samples = append(samples, rec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Panels:     cfg.Panels,
		Iterations: cfg.Iterations,
		Elapsed:    time.Since(start),
		Ops:        make(map[protocol.Type]*LatencyStats),
	}
	merged := newRecorder()
	for _, rec := range samples {
		for op, d := range rec.durations {
			merged.durations[op] = append(merged.durations[op], d...)
		}
		for op, n := range rec.errors {
			merged.errors[op] += n
		}
	}
	for op, d := range merged.durations {
		report.Ops[op] = computeLatencyStats(d)
	}
	for op, n := range merged.errors {
		if report.Ops[op] == nil {
			report.Ops[op] = &LatencyStats{}
		}
		report.Ops[op].Errors = n
	}
	return report, nil
}

func runPanel(ctx context.Context, cfg Config, ids []string, seed int64) (*recorder, error) {
	p := &pipePanel{}
	s, err := client.NewSession(client.SessionConfig{
		Send:     p.send,
		Pending:          client.PendingConfig{Timeout: cfg.Timeout, SweepInterval: -1},
		InitialLoadLimit: cfg.InitialLoadLimit,
		PageSize:         cfg.PageSize,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	p.session = s

	b, err := bridge.New(bridge.Config{
		Adapter:  cfg.Adapter,
		Panel:    p,
		PageSize: cfg.PageSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	defer b.Dispose()

	rng := rand.New(rand.NewSource(seed))
	rec := newRecorder()
	label := fmt.Sprintf("loadtest-panel-%d", seed)
	for i := 0; i < cfg.Iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		_ = rec.time(protocol.BoardLoad, func() error { return s.LoadBoard(ctx) })
		for _, col := range types.Columns {
			for {
				start := time.Now()
				page, err := s.LoadMore(ctx, col)
				if err != nil {
					rec.errors[protocol.ColumnLoad]++
					break
				}
				// nil means the column was already complete and nothing was sent.
				if page == nil {
					break
				}
				rec.add(protocol.ColumnLoad, time.Since(start))
				if !page.HasMore {
					break
				}
			}
		}
		id := ids[rng.Intn(len(ids))]
		// Drop the cached copy so every iteration reaches the host.
		s.Cache().Remove(id)
		_ = rec.time(protocol.ItemDetail, func() error {
			_, err := s.Detail(ctx, id)
			return err
		})
		if cfg.Writes {
			_ = rec.time(protocol.LabelAdd, func() error { return s.AddLabel(ctx, id, label) })
			_ = rec.time(protocol.LabelRemove, func() error { return s.RemoveLabel(ctx, id, label) })
		}
	}
	return rec, nil
}

// pipePanel connects a bridge to a client session in memory.
type pipePanel struct {
	session *client.Session

	mu      sync.Mutex
	handler func(msg []byte)
}

func (p *pipePanel) PostMessage(msg []byte) error {
	p.session.Receive(msg)
	return nil
}

func (p *pipePanel) OnMessage(fn func(msg []byte)) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

func (p *pipePanel) send(_ context.Context, msg []byte) error {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return errors.New("panel is not connected")
	}
	h(msg)
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
	}
}

// Print writes the report as a table, one row per request type.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "%d panels x %d iterations in %v\n\n", r.Panels, r.Iterations, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "%-16s %8s %6s %10s %10s %10s %10s %10s\n", "request", "count", "errors", "min", "p50", "mean", "p95", "max")

	ops := make([]string, 0, len(r.Ops))
	for op := range r.Ops {
		ops = append(ops, string(op))
	}
	sort.Strings(ops)
	for _, op := range ops {
		s := r.Ops[protocol.Type(op)]
		fmt.Fprintf(w, "%-16s %8d %6d %10v %10v %10v %10v %10v\n", op, s.TotalQueries, s.Errors,
			s.Min.Round(time.Microsecond), s.P50.Round(time.Microsecond), s.Mean.Round(time.Microsecond),
			s.P95.Round(time.Microsecond), s.Max.Round(time.Microsecond))
	}
}
