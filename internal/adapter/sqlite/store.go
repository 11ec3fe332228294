// Package sqlite implements the board adapter directly against a beads
// SQLite database file.
//
// The store never edits the user's file in place. On connect the qualifying
// file is snapshotted into a private working copy and every read and
// mutation runs there. Persistence is debounced: a burst of mutations
// produces one write of the final state, serialized to a sibling temp file
// and atomically renamed over the target.
//
// Architecture:
//   - Target: .beads/*.db (first file with an issues table wins)
//   - Working copy: private temp file, removed on Close
//   - Save: VACUUM INTO <target dir>/.<name>.tmp-*, then rename
//   - External edits: detected by modification time before each read
//
// Lifecycle:
//
//	store, err := sqlite.Open(ctx, sqlite.Config{BeadsDir: ".beads"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/natefinch/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/beadsboard/internal/debounce"
	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/logging"
	"github.com/steveyegge/beadsboard/internal/types"
)

// DefaultPrefix is the id prefix used when a store has none configured.
const DefaultPrefix = "bd"

// DefaultFile is the database file name bd creates inside .beads/.
const DefaultFile = "beads.db"

// Config holds configuration for the embedded store.
type Config struct {
	// Path is an explicit database file. When empty, BeadsDir is probed.
	Path string

	// BeadsDir is the .beads directory probed for *.db files.
	BeadsDir string

	// SaveDebounce is the quiet window before a save (default: 300ms).
	SaveDebounce time.Duration

	// SelfSaveWindow is how long after our own save a file change is
	// treated as an echo (default: 1s).
	SelfSaveWindow time.Duration

	// MaxSaveAttempts bounds rename retries on lock contention (default: 5).
	MaxSaveAttempts int

	// SaveBackoff is the first retry delay, doubled per attempt (default: 50ms).
	SaveBackoff time.Duration

	// CacheTTL is how long a board snapshot is reused (default: 1s).
	CacheTTL time.Duration

	// MaxItems caps the board snapshot (0 = unlimited).
	MaxItems int

	// Actor is recorded as created_by on new edges (default: "beadsboard").
	Actor string

	// Logger for store messages (default: stderr with [sqlite] prefix).
	Logger *log.Logger

	// OnSave observes every physical save attempt.
	OnSave func(d time.Duration, err error)

	// OnReload observes every reload from disk.
	OnReload func(reason string)

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

// DefaultConfig returns the default configuration for the given .beads dir.
func DefaultConfig(beadsDir string) Config {
	return Config{
		BeadsDir:        beadsDir,
		SaveDebounce:    300 * time.Millisecond,
		SelfSaveWindow:  time.Second,
		MaxSaveAttempts: 5,
		SaveBackoff:     50 * time.Millisecond,
		CacheTTL:        time.Second,
		Actor:           "beadsboard",
	}
}

func (c *Config) fill() {
	def := DefaultConfig(c.BeadsDir)
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = def.SaveDebounce
	}
	if c.SelfSaveWindow <= 0 {
		c.SelfSaveWindow = def.SelfSaveWindow
	}
	if c.MaxSaveAttempts <= 0 {
		c.MaxSaveAttempts = def.MaxSaveAttempts
	}
	if c.SaveBackoff <= 0 {
		c.SaveBackoff = def.SaveBackoff
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.Actor == "" {
		c.Actor = def.Actor
	}
	if c.Logger == nil {
		c.Logger = logging.Default("sqlite")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Store is the embedded adapter. It is safe for concurrent use.
type Store struct {
	cfg    Config
	logger *log.Logger
	target string

	// swapMu orders mutations against working-copy swaps. A mutation holds
	// the read lock until it is marked dirty; Reload, external reloads and
	// Close hold the write lock from their last flush through the swap.
	swapMu sync.RWMutex

	// mu guards the working-copy handle; load swaps it under the write lock.
	mu      sync.RWMutex
	conn    *sql.DB
	workDir string
	layout  *layout
	prefix  string
	closed  bool

	// stateMu guards persistence and change-detection state.
	stateMu      sync.Mutex
	dirty        bool
	saving       bool
	saveDone     chan struct{}
	lastSaveErr  error
	lastSelfSave time.Time
	knownMtime   time.Time

	saver *debounce.Debouncer

	cacheMu    sync.Mutex
	cache      *types.Board
	cacheAt    time.Time
	cacheGen   uint64
	boardGroup singleflight.Group

	replaceFile func(src, dst string) error
}

// Open locates the store file, loads it into a working copy and returns a
// connected Store. The caller MUST call Close.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.fill()

	target, err := locate(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:         cfg,
		logger:      cfg.Logger,
		target:      target,
		replaceFile: atomic.ReplaceFile,
	}
	s.saver = debounce.New(cfg.SaveDebounce, s.debouncedSave)

	if err := s.load(ctx); err != nil {
		return nil, err
	}
	s.logger.Printf("Connected to %s (%d optional columns)", filepath.Base(target), len(s.layout.columns))
	return s, nil
}

// Path returns the target database file.
func (s *Store) Path() string {
	return s.target
}

// WatchPattern returns the glob the host should watch for external edits.
func (s *Store) WatchPattern() string {
	return s.target
}

// locate returns the first candidate file that has an issues table. When
// none qualifies the error lists every probe failure.
func locate(ctx context.Context, cfg Config) (string, error) {
	var candidates []string
	if cfg.Path != "" {
		candidates = []string{cfg.Path}
	} else {
		matches, err := filepath.Glob(filepath.Join(cfg.BeadsDir, "*.db"))
		if err != nil {
			return "", errs.E(errs.KindConnectivity, "connect", err)
		}
		candidates = matches
		// bd's default name first, then lexical order.
		slices.SortStableFunc(candidates, func(a, b string) int {
			aDefault := filepath.Base(a) == "beads.db"
			bDefault := filepath.Base(b) == "beads.db"
			switch {
			case aDefault && !bDefault:
				return -1
			case bDefault && !aDefault:
				return 1
			}
			return strings.Compare(a, b)
		})
	}

	if len(candidates) == 0 {
		return "", errs.E(errs.KindConnectivity, "connect",
			fmt.Errorf("%w: no *.db files in %s (run 'beadsboard init' or 'bd init')", errs.ErrNoStore, cfg.BeadsDir))
	}

	var failures []string
	corrupt := 0
	for _, path := range candidates {
		err := probe(ctx, path)
		if err == nil {
			return path, nil
		}
		if isCorrupt(err) {
			corrupt++
		}
		failures = append(failures, fmt.Sprintf("%s: %v", filepath.Base(path), err))
	}

	kind := errs.KindConnectivity
	if corrupt == len(candidates) {
		kind = errs.KindCatastrophic
	}
	return "", errs.E(kind, "connect",
		fmt.Errorf("%w (probed %d files: %s)", errs.ErrNoStore, len(candidates), strings.Join(failures, "; ")))
}

// probe checks that path is a SQLite database with an issues table.
func probe(ctx context.Context, path string) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("is a directory")
	}
	conn, err := openConn(path, true)
	if err != nil {
		return err
	}
	defer conn.Close()

	var n int
	err = conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='issues'`).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no issues table")
	}
	return nil
}

// openConn opens a connection pool on path. Read-only connections are used
// for probing and snapshotting the target.
func openConn(path string, readOnly bool) (*sql.DB, error) {
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	if readOnly {
		connStr += "&mode=ro"
	}
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// load snapshots the target into a fresh working copy and swaps it in.
func (s *Store) load(ctx context.Context) error {
	st, err := os.Stat(s.target)
	if err != nil {
		return errs.E(errs.KindConnectivity, "load", fmt.Errorf("failed to stat database: %w", err))
	}

	workDir, err := os.MkdirTemp("", "beadsboard-*")
	if err != nil {
		return errs.E(errs.KindResource, "load", fmt.Errorf("failed to create working directory: %w", err))
	}
	working := filepath.Join(workDir, "working.db")

	if err := snapshot(ctx, s.target, working); err != nil {
		_ = os.RemoveAll(workDir)
		kind := errs.KindConnectivity
		switch {
		case isCorrupt(err):
			kind = errs.KindCatastrophic
		case isLockContention(err):
			kind = errs.KindTransient
		}
		return errs.E(kind, "load", fmt.Errorf("failed to copy database: %w", err))
	}

	conn, err := openConn(working, false)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return errs.E(errs.KindCatastrophic, "load", err)
	}
	// One connection keeps the private copy free of lock contention.
	conn.SetMaxOpenConns(1)
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = conn.Close()
		_ = os.RemoveAll(workDir)
		return errs.E(errs.KindCatastrophic, "load", fmt.Errorf("failed to enable foreign keys: %w", err))
	}

	l, err := inspect(ctx, conn)
	if err != nil {
		_ = conn.Close()
		_ = os.RemoveAll(workDir)
		return errs.E(errs.KindCatastrophic, "load", fmt.Errorf("unsupported schema: %w", err))
	}
	prefix := DefaultPrefix
	if l.hasConfig {
		var p string
		if err := conn.QueryRowContext(ctx, `SELECT value FROM config WHERE key = 'issue_prefix'`).Scan(&p); err == nil && p != "" {
			prefix = p
		}
	}

	s.mu.Lock()
	oldConn, oldDir := s.conn, s.workDir
	s.conn, s.workDir, s.layout, s.prefix = conn, workDir, l, prefix
	s.mu.Unlock()

	s.stateMu.Lock()
	s.knownMtime = st.ModTime()
	s.stateMu.Unlock()
	s.invalidate()

	if oldConn != nil {
		_ = oldConn.Close()
	}
	if oldDir != "" {
		_ = os.RemoveAll(oldDir)
	}
	return nil
}

// snapshot copies src into the new file dst with VACUUM INTO.
func snapshot(ctx context.Context, src, dst string) error {
	conn, err := openConn(src, true)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return err
	}
	return nil
}

// db returns the working-copy handle, holding the read lock until release
// is called.
func (s *Store) db() (conn *sql.DB, l *layout, release func(), err error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, nil, nil, errs.E(errs.KindConnectivity, "sqlite", errs.ErrDisposed)
	}
	return s.conn, s.layout, s.mu.RUnlock, nil
}

// Close flushes pending edits, closes the working copy and removes it.
func (s *Store) Close() error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	flushErr := s.Flush(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return flushErr
	}
	s.closed = true
	s.saver.Cancel()

	var closeErr error
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close database: %w", err)
		}
		s.conn = nil
	}
	if s.workDir != "" {
		_ = os.RemoveAll(s.workDir)
		s.workDir = ""
	}
	return errors.Join(flushErr, closeErr)
}

func isCorrupt(err error) bool {
	return errors.Is(err, sqlite3.NOTADB) || errors.Is(err, sqlite3.CORRUPT)
}
