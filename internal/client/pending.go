package client

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/protocol"
)

var (
	// ErrCancelled rejects every pending request when the panel is hidden
	// or closed.
	ErrCancelled = errors.New("request cancelled")

	// ErrExpired rejects a request removed by the sweep.
	ErrExpired = errors.New("request expired without a response")
)

// ResolveFunc receives the outcome of one request. Exactly one of env and
// err is set.
type ResolveFunc func(env *protocol.Envelope, err error)

// PendingConfig configures a PendingTable.
type PendingConfig struct {
	// Timeout rejects a request that got no response (default: 30s).
	Timeout time.Duration

	// SweepInterval is how often stale entries are looked for
	// (default: 10s). Negative disables the sweeper.
	SweepInterval time.Duration

	// MaxAge is the age past which the sweep removes an entry even if its
	// timer never fired (default: 2m).
	MaxAge time.Duration
}

// PendingTable correlates requests with responses. Every entry leaves the
// table exactly once: by response, timeout, sweep or CancelAll. Its
// continuation runs outside the lock, at most once.
type PendingTable struct {
	cfg PendingConfig

	mu      sync.Mutex
	entries map[string]*pending
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type pending struct {
	op        protocol.Type
	resolve   ResolveFunc
	timer     *time.Timer
	createdAt time.Time
}

// NewPendingTable creates a table and starts its sweeper.
func NewPendingTable(cfg PendingConfig) *PendingTable {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 2 * time.Minute
	}
	t := &PendingTable{
		cfg:     cfg,
		entries: make(map[string]*pending),
		stop:    make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		t.wg.Add(1)
		go t.sweepLoop()
	}
	return t
}

// Add registers a request of type op and returns its generated id. The
// timeout starts now. After Close, resolve is called with ErrCancelled
// and the id is still returned.
func (t *PendingTable) Add(op protocol.Type, resolve ResolveFunc) string {
	id := uuid.NewString()
	p := &pending{op: op, resolve: resolve, createdAt: time.Now()}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		resolve(nil, errs.E(errs.KindConnectivity, string(op), ErrCancelled))
		return id
	}
	t.entries[id] = p
	p.timer = time.AfterFunc(t.cfg.Timeout, func() {
		if p := t.take(id); p != nil {
			p.resolve(nil, errs.E(errs.KindResource, string(op), errs.ErrTimeout))
		}
	})
	t.mu.Unlock()
	return id
}

// take removes id and stops its timer. It returns nil if the entry was
// already resolved.
func (t *PendingTable) take(id string) *pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	p.timer.Stop()
	return p
}

// Resolve completes id with a response envelope. Error responses reject
// with the remote error. It returns false for unknown or already resolved
// ids.
func (t *PendingTable) Resolve(env *protocol.Envelope) bool {
	p := t.take(env.RequestID)
	if p == nil {
		return false
	}
	if env.Type == protocol.MutationError || env.Type == protocol.RequestError {
		p.resolve(nil, remoteError(p.op, env))
		return true
	}
	p.resolve(env, nil)
	return true
}

// Reject completes id with err.
func (t *PendingTable) Reject(id string, err error) bool {
	p := t.take(id)
	if p == nil {
		return false
	}
	p.resolve(nil, err)
	return true
}

// Sweep rejects every entry older than MaxAge and returns how many it
// removed.
func (t *PendingTable) Sweep() int {
	cutoff := time.Now().Add(-t.cfg.MaxAge)
	t.mu.Lock()
	var stale []*pending
	for id, p := range t.entries {
		if p.createdAt.Before(cutoff) {
			delete(t.entries, id)
			p.timer.Stop()
			stale = append(stale, p)
		}
	}
	t.mu.Unlock()

	for _, p := range stale {
		p.resolve(nil, errs.E(errs.KindResource, string(p.op), ErrExpired))
	}
	return len(stale)
}

// CancelAll rejects every pending request at once and returns how many
// there were.
func (t *PendingTable) CancelAll() int {
	t.mu.Lock()
	all := t.entries
	t.entries = make(map[string]*pending)
	for _, p := range all {
		p.timer.Stop()
	}
	t.mu.Unlock()

	for _, p := range all {
		p.resolve(nil, errs.E(errs.KindConnectivity, string(p.op), ErrCancelled))
	}
	return len(all)
}

// Len returns the number of pending requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels everything and stops the sweeper. Later Adds are rejected
// immediately.
func (t *PendingTable) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.stop)
	t.wg.Wait()
	t.CancelAll()
}

func (t *PendingTable) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// remoteError rebuilds a host error from an error response.
func remoteError(op protocol.Type, env *protocol.Envelope) error {
	var p protocol.ErrorPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		return errs.E(errs.KindInternal, string(op), err)
	}
	return errs.E(errs.ParseKind(p.Kind), string(op), errors.New(p.Message))
}
