// Package watch reports changes to store files on disk.
//
// A Watcher wraps one fsnotify watcher and fans events out to
// subscriptions. Each subscription names a file or glob; events are matched
// against it, coalesced over a short quiet window and delivered as one
// callback per burst. SQLite side files (-wal, -journal, -shm) count as
// changes to their database.
//
// Example:
//
//	w, err := watch.New(watch.Config{})
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//	stop, err := w.WatchFile(".beads/*.db", func(path string) { ... })
package watch

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/beadsboard/internal/debounce"
	"github.com/steveyegge/beadsboard/internal/logging"
)

// Config holds configuration for a Watcher.
type Config struct {
	// Debounce is the quiet window per subscription (default: 100ms).
	Debounce time.Duration

	// Logger for watcher errors (default: stderr with [watch] prefix).
	Logger *log.Logger
}

// Watcher is safe for concurrent use.
type Watcher struct {
	fs       *fsnotify.Watcher
	logger   *log.Logger
	debounce time.Duration

	mu     sync.Mutex
	subs   map[uint64]*subscription
	dirs   map[string]int
	nextID uint64
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

type subscription struct {
	pattern string
	dir     string
	saver   *debounce.Debouncer

	mu   sync.Mutex
	last string
}

// New starts a watcher with no subscriptions.
func New(cfg Config) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("watch")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fs:       fsw,
		logger:   cfg.Logger,
		debounce: cfg.Debounce,
		subs:     make(map[uint64]*subscription),
		dirs:     make(map[string]int),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// WatchFile calls onChange with the changed path whenever a file matching
// pattern is created, written, removed or renamed. pattern is a path or a
// filepath.Match glob whose directory part is literal. The returned stop
// function cancels the subscription and any pending callback.
func (w *Watcher) WatchFile(pattern string, onChange func(path string)) (stop func(), err error) {
	pattern, err = filepath.Abs(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", pattern, err)
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid watch pattern %q: %w", pattern, err)
	}
	dir := filepath.Dir(pattern)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("watcher closed")
	}
	if w.dirs[dir] == 0 {
		if err := w.fs.Add(dir); err != nil {
			return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
	}
	w.dirs[dir]++

	sub := &subscription{pattern: pattern, dir: dir}
	sub.saver = debounce.New(w.debounce, func() {
		sub.mu.Lock()
		path := sub.last
		sub.mu.Unlock()
		onChange(path)
	})
	w.nextID++
	id := w.nextID
	w.subs[id] = sub

	var once sync.Once
	return func() { once.Do(func() { w.unsubscribe(id) }) }, nil
}

func (w *Watcher) unsubscribe(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sub, ok := w.subs[id]
	if !ok {
		return
	}
	delete(w.subs, id)
	sub.saver.Cancel()
	w.dirs[sub.dir]--
	if w.dirs[sub.dir] == 0 {
		delete(w.dirs, sub.dir)
		if !w.closed {
			_ = w.fs.Remove(sub.dir)
		}
	}
}

// Close stops the watcher and cancels every pending callback. It blocks
// until the event loop has exited.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for id, sub := range w.subs {
		sub.saver.Cancel()
		delete(w.subs, id)
	}
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.dispatch(event.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watch error: %v", err)
		}
	}
}

func (w *Watcher) dispatch(path string) {
	name := databaseName(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subs {
		if ok, _ := filepath.Match(sub.pattern, name); !ok {
			continue
		}
		sub.mu.Lock()
		sub.last = name
		sub.mu.Unlock()
		sub.saver.Trigger()
	}
}

// databaseName maps SQLite side files to the database they belong to.
func databaseName(path string) string {
	for _, suffix := range []string{"-wal", "-journal", "-shm"} {
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix)
		}
	}
	return path
}
