// Package bridge connects one board panel to the active adapter.
//
// The panel is an isolated UI that can only exchange messages with the
// host. A Bridge decodes and validates every inbound message, runs it
// against the adapter and posts the result back. Mutations are acknowledged
// and followed by a fresh snapshot. External changes to the store, reported
// by a FileWatcher, reload the adapter and push a snapshot unless the
// change was the adapter's own write.
//
// The only per-panel state is the table of column ranges already loaded,
// which drives column.loadMore.
//
// Lifecycle:
//
//	b, err := bridge.New(bridge.Config{Adapter: a, Panel: p, Watcher: w})
//	if err != nil {
//	    return err
//	}
//	defer b.Dispose()
package bridge

import (
	"context"
	"errors"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/steveyegge/beadsboard/internal/adapter"
	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/logging"
	"github.com/steveyegge/beadsboard/internal/metrics"
	"github.com/steveyegge/beadsboard/internal/protocol"
	"github.com/steveyegge/beadsboard/internal/types"
)

// Panel is the UI side of one open board.
type Panel interface {
	// PostMessage delivers one encoded envelope to the UI.
	PostMessage(msg []byte) error

	// OnMessage registers the handler for every inbound envelope.
	OnMessage(fn func(msg []byte))
}

// FileWatcher reports changes to files matching a pattern. The returned
// stop function cancels the subscription.
type FileWatcher interface {
	WatchFile(pattern string, onChange func(path string)) (stop func(), err error)
}

// Config holds configuration for a Bridge.
type Config struct {
	Adapter adapter.Adapter
	Panel   Panel

	// Watcher reports external store changes. Optional.
	Watcher FileWatcher

	// ReadOnly rejects every mutation.
	ReadOnly bool

	// PageSize is the column.loadMore page size when the request names
	// none (default: 50).
	PageSize int

	// HandlerTimeout bounds each request (default: 60s).
	HandlerTimeout time.Duration

	// Logger for bridge messages (default: stderr with [bridge] prefix).
	Logger *log.Logger

	// Metrics observes requests and panels. May be nil.
	Metrics *metrics.Metrics
}

// Range is one loaded slice of a column.
type Range struct {
	Offset int
	Limit  int
}

// Bridge serves one panel. It is safe for concurrent use.
type Bridge struct {
	cfg    Config
	logger *log.Logger

	mu        sync.Mutex
	ranges    map[types.Column][]Range
	disposed  bool
	stopWatch func()

	wg sync.WaitGroup
}

// New wires the panel to the adapter and starts watching the store.
func New(cfg Config) (*Bridge, error) {
	if cfg.Adapter == nil || cfg.Panel == nil {
		return nil, errors.New("bridge needs an adapter and a panel")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("bridge")
	}

	b := &Bridge{
		cfg:    cfg,
		logger: cfg.Logger,
		ranges: make(map[types.Column][]Range),
	}
	if cfg.Watcher != nil {
		stop, err := cfg.Watcher.WatchFile(cfg.Adapter.WatchPattern(), b.onFileChange)
		if err != nil {
			b.logger.Printf("Warning: cannot watch %s: %v", cfg.Adapter.WatchPattern(), err)
		} else {
			b.stopWatch = stop
		}
	}
	cfg.Panel.OnMessage(b.receive)
	cfg.Metrics.PanelOpened()
	return b, nil
}

// receive schedules one inbound message. Messages arriving after Dispose
// are dropped.
func (b *Bridge) receive(msg []byte) {
	if !b.begin() {
		return
	}
	go func() {
		defer b.wg.Done()
		b.handle(msg)
	}()
}

// begin registers in-flight work unless the bridge is disposed.
func (b *Bridge) begin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return false
	}
	b.wg.Add(1)
	return true
}

// Handle processes one inbound message synchronously.
func (b *Bridge) Handle(msg []byte) {
	if !b.begin() {
		return
	}
	defer b.wg.Done()
	b.handle(msg)
}

func (b *Bridge) handle(msg []byte) {
	start := time.Now()
	req, err := protocol.Decode(msg)
	if err != nil {
		typ, id := protocol.RequestError, ""
		if req != nil {
			typ, id = protocol.ErrorType(req.Type), req.RequestID
		}
		b.logger.Printf("Rejected message: %s", errs.Message(err))
		b.postError(typ, id, err)
		b.cfg.Metrics.ObserveRequest("invalid", time.Since(start), err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	typ, payload, err := b.dispatch(ctx, req)
	b.cfg.Metrics.ObserveRequest(string(req.Type), time.Since(start), err)
	if err != nil {
		if !errs.Is(err, errs.KindValidation) {
			b.logger.Printf("%s failed: %v", req.Type, err)
		}
		b.postError(protocol.ErrorType(req.Type), req.RequestID, err)
		return
	}
	b.post(typ, req.RequestID, payload)

	if protocol.IsMutation(req.Type) {
		b.pushSnapshot(ctx)
	}
}

// dispatch runs one validated request and returns the response to post.
func (b *Bridge) dispatch(ctx context.Context, req *protocol.Request) (protocol.Type, any, error) {
	a := b.cfg.Adapter

	if protocol.IsMutation(req.Type) {
		if b.cfg.ReadOnly {
			return "", nil, errs.E(errs.KindValidation, string(req.Type), errs.ErrReadOnly)
		}
		id, err := b.mutate(ctx, req)
		if err != nil {
			return "", nil, err
		}
		return protocol.MutationAck, protocol.AckPayload{Op: req.Type, ID: id}, nil
	}

	switch req.Type {
	case protocol.BoardLoad, protocol.BoardRefresh:
		if req.Type == protocol.BoardRefresh {
			if err := a.Reload(ctx); err != nil {
				return "", nil, err
			}
		}
		b.resetRanges()
		board, err := a.GetBoard(ctx)
		if err != nil {
			return "", nil, err
		}
		return protocol.BoardSnapshot, protocol.SnapshotPayload{Board: board, ReadOnly: b.cfg.ReadOnly}, nil

	case protocol.ColumnLoad:
		p := req.Payload.(*protocol.ColumnLoadPayload)
		page, err := a.GetColumnData(ctx, p.Column, p.Offset, p.Limit)
		if err != nil {
			return "", nil, err
		}
		b.recordRange(p.Column, Range{Offset: p.Offset, Limit: p.Limit})
		return protocol.ColumnPage, page, nil

	case protocol.ColumnLoadMore:
		p := req.Payload.(*protocol.ColumnLoadMorePayload)
		limit := p.Limit
		if limit == 0 {
			limit = b.cfg.PageSize
		}
		r := b.reserveRange(p.Column, limit)
		page, err := a.GetColumnData(ctx, p.Column, r.Offset, r.Limit)
		if err != nil {
			b.releaseRange(p.Column, r)
			return "", nil, err
		}
		return protocol.ColumnPage, page, nil

	case protocol.ItemDetail:
		p := req.Payload.(*protocol.ItemRefPayload)
		item, err := a.GetItem(ctx, p.ID)
		if err != nil {
			return "", nil, err
		}
		return protocol.ItemDetail, protocol.DetailPayload{Item: item}, nil
	}
	return "", nil, errs.Validation("dispatch", "unhandled message type %q", req.Type)
}

// mutate forwards a mutation. It returns the new id for item.create.
func (b *Bridge) mutate(ctx context.Context, req *protocol.Request) (string, error) {
	a := b.cfg.Adapter
	switch p := req.Payload.(type) {
	case *types.CreateInput:
		return a.CreateItem(ctx, *p)
	case *protocol.ItemUpdatePayload:
		return "", a.UpdateItem(ctx, p.ID, p.Patch)
	case *protocol.ItemStatusPayload:
		return "", a.SetStatus(ctx, p.ID, p.Status)
	case *protocol.ItemRefPayload:
		return "", a.DeleteItem(ctx, p.ID)
	case *protocol.CommentPayload:
		return "", a.AddComment(ctx, p.ID, p.Author, p.Text)
	case *protocol.LabelPayload:
		if req.Type == protocol.LabelRemove {
			return "", a.RemoveLabel(ctx, p.ID, p.Label)
		}
		return "", a.AddLabel(ctx, p.ID, p.Label)
	case *types.Dependency:
		if req.Type == protocol.DependencyRemove {
			return "", a.RemoveDependency(ctx, *p)
		}
		return "", a.AddDependency(ctx, *p)
	}
	return "", errs.Validation(string(req.Type), "unexpected payload %T", req.Payload)
}

// NextOffset returns where the next page of col starts: the furthest end
// of every range loaded so far.
func (b *Bridge) NextOffset(col types.Column) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := 0
	for _, r := range b.ranges[col] {
		next = max(next, r.Offset+r.Limit)
	}
	return next
}

// reserveRange records the page after every range loaded so far and
// returns it, so concurrent loadMore requests get consecutive pages.
func (b *Bridge) reserveRange(col types.Column, limit int) Range {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := Range{Limit: limit}
	for _, prev := range b.ranges[col] {
		r.Offset = max(r.Offset, prev.Offset+prev.Limit)
	}
	if b.ranges != nil {
		b.ranges[col] = append(b.ranges[col], r)
	}
	return r
}

// releaseRange drops a reservation whose page could not be fetched.
func (b *Bridge) releaseRange(col types.Column, r Range) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := slices.Index(b.ranges[col], r); i >= 0 {
		b.ranges[col] = slices.Delete(b.ranges[col], i, i+1)
	}
}

func (b *Bridge) recordRange(col types.Column, r Range) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ranges != nil {
		b.ranges[col] = append(b.ranges[col], r)
	}
}

func (b *Bridge) resetRanges() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ranges != nil {
		clear(b.ranges)
	}
}

// pushSnapshot posts an unsolicited board.snapshot.
func (b *Bridge) pushSnapshot(ctx context.Context) {
	board, err := b.cfg.Adapter.GetBoard(ctx)
	if err != nil {
		b.logger.Printf("Snapshot after change failed: %s", errs.Message(err))
		b.postError(protocol.RequestError, "", err)
		return
	}
	b.post(protocol.BoardSnapshot, "", protocol.SnapshotPayload{Board: board, ReadOnly: b.cfg.ReadOnly})
}

// onFileChange handles a change notification for the store file.
func (b *Bridge) onFileChange(path string) {
	if !b.begin() {
		return
	}
	defer b.wg.Done()

	if b.cfg.Adapter.IsRecentSelfChange() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	if err := b.cfg.Adapter.Reload(ctx); err != nil {
		b.logger.Printf("Reload after external change failed: %s", errs.Message(err))
		b.postError(protocol.RequestError, "", err)
		return
	}
	b.resetRanges()
	b.post(protocol.FilesChanged, "", protocol.FilesChangedPayload{Path: errs.Sanitize(path)})
	b.pushSnapshot(ctx)
}

func (b *Bridge) postError(typ protocol.Type, requestID string, err error) {
	b.post(typ, requestID, protocol.NewError(err))
}

// post sends one message unless the panel is gone. Results of work that
// outlived the panel are discarded here.
func (b *Bridge) post(typ protocol.Type, requestID string, payload any) {
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return
	}
	b.send(typ, requestID, payload)
}

func (b *Bridge) send(typ protocol.Type, requestID string, payload any) {
	msg, err := protocol.Encode(typ, requestID, payload)
	if err != nil {
		b.logger.Printf("Failed to encode %s: %v", typ, err)
		return
	}
	if err := b.cfg.Panel.PostMessage(msg); err != nil {
		b.logger.Printf("Failed to post %s: %v", typ, err)
	}
}

// Dispose tells the panel it is gone, drops the range table, stops
// watching and waits for in-flight handlers. The adapter stays open.
func (b *Bridge) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	b.ranges = nil
	stop := b.stopWatch
	b.stopWatch = nil
	b.mu.Unlock()

	b.send(protocol.PanelDisposed, "", nil)
	if stop != nil {
		stop()
	}
	b.wg.Wait()
	b.cfg.Metrics.PanelClosed()
}
