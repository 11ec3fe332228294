package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/coder/websocket"

	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/logging"
	"github.com/steveyegge/beadsboard/internal/protocol"
	"github.com/steveyegge/beadsboard/internal/types"
)

// SendFunc delivers one encoded envelope to the host.
type SendFunc func(ctx context.Context, msg []byte) error

// SessionConfig holds configuration for a Session.
type SessionConfig struct {
	// Send is required by NewSession. Dial sets it.
	Send SendFunc

	// Pending configures request timeouts and the sweep.
	Pending PendingConfig

	// InitialLoadLimit caps the cards per column taken from a snapshot
	// (default: 100).
	InitialLoadLimit int

	// PageSize is the LoadMore page size (default: 50).
	PageSize int

	// OnEvent is called after a message that changed the session's view:
	// board.snapshot, column.page, files.changed or panel.disposed.
	// Optional.
	OnEvent func(t protocol.Type)

	// Logger (default: stderr with [client] prefix).
	Logger *log.Logger
}

// Session is the state of one open panel.
type Session struct {
	cfg    SessionConfig
	logger *log.Logger

	cache   *Cache
	columns *Columns
	pending *PendingTable

	mu       sync.Mutex
	pipeline Pipeline
	readOnly bool
	closed   bool

	closeConn func()
}

// NewSession creates a session that writes through cfg.Send. Inbound
// messages are fed to Receive.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Send == nil {
		return nil, fmt.Errorf("session needs a send function")
	}
	if cfg.InitialLoadLimit <= 0 {
		cfg.InitialLoadLimit = 100
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("client")
	}
	return &Session{
		cfg:     cfg,
		logger:  cfg.Logger,
		cache:   NewCache(),
		columns: NewColumns(),
		pending: NewPendingTable(cfg.Pending),
	}, nil
}

// Dial connects a new session to a board server's /ws endpoint.
func Dial(ctx context.Context, url string, cfg SessionConfig) (*Session, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, errs.E(errs.KindConnectivity, "dial", fmt.Errorf("failed to connect to %s: %w", url, err))
	}
	conn.SetReadLimit(64 << 20)

	cfg.Send = func(ctx context.Context, msg []byte) error {
		return conn.Write(ctx, websocket.MessageText, msg)
	}
	s, err := NewSession(cfg)
	if err != nil {
		_ = conn.CloseNow()
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.Read(readCtx)
			if err != nil {
				// The host is gone: nothing pending can be answered.
				s.pending.CancelAll()
				return
			}
			s.Receive(data)
		}
	}()
	s.closeConn = func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		<-done
	}
	return s, nil
}

// Cache returns the session's item cache.
func (s *Session) Cache() *Cache { return s.cache }

// Columns returns the session's column state.
func (s *Session) Columns() *Columns { return s.columns }

// Pending returns the session's request table.
func (s *Session) Pending() *PendingTable { return s.pending }

// ReadOnly reports whether the host rejects mutations.
func (s *Session) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

// Receive handles one inbound message. Responses resolve their pending
// request; everything else is a push from the host.
func (s *Session) Receive(msg []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.logger.Printf("Dropping malformed message: %v", err)
		return
	}
	if env.RequestID != "" {
		if !s.pending.Resolve(&env) {
			s.logger.Printf("Dropping %s for unknown request %s", env.Type, env.RequestID)
		}
		return
	}

	switch env.Type {
	case protocol.BoardSnapshot:
		if err := s.applySnapshot(&env); err != nil {
			s.logger.Printf("Bad snapshot: %v", err)
			return
		}
	case protocol.FilesChanged:
	case protocol.PanelDisposed:
		s.pending.CancelAll()
	case protocol.RequestError, protocol.MutationError:
		s.logger.Printf("Host error: %v", remoteError(env.Type, &env))
		return
	default:
		s.logger.Printf("Ignoring unsolicited %s", env.Type)
		return
	}
	s.notify(env.Type)
}

func (s *Session) notify(t protocol.Type) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(t)
	}
}

// request sends one message and waits for its outcome. The wait ends only
// through the pending table: response, timeout, sweep or cancellation.
// ctx bounds the send.
func (s *Session) request(ctx context.Context, typ protocol.Type, payload any) (*protocol.Envelope, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errs.E(errs.KindConnectivity, string(typ), ErrCancelled)
	}

	type result struct {
		env *protocol.Envelope
		err error
	}
	ch := make(chan result, 1)
	id := s.pending.Add(typ, func(env *protocol.Envelope, err error) {
		ch <- result{env, err}
	})

	msg, err := protocol.Encode(typ, id, payload)
	if err != nil {
		s.pending.Reject(id, errs.E(errs.KindInternal, string(typ), err))
	} else if err := s.cfg.Send(ctx, msg); err != nil {
		s.pending.Reject(id, errs.E(errs.KindConnectivity, string(typ), err))
	}

	r := <-ch
	return r.env, r.err
}

func (s *Session) applySnapshot(env *protocol.Envelope) error {
	var snap protocol.SnapshotPayload
	if err := protocol.DecodePayload(env, &snap); err != nil {
		return err
	}
	if snap.Board == nil {
		return fmt.Errorf("snapshot has no board")
	}
	ids := make([]string, 0, len(snap.Board.Items))
	for _, it := range snap.Board.Items {
		s.cache.Put(it, TierEnriched)
		ids = append(ids, it.ID)
	}
	s.cache.Retain(ids)
	s.columns.ApplySnapshot(snap.Board, s.cfg.InitialLoadLimit)

	s.mu.Lock()
	s.readOnly = snap.ReadOnly
	s.mu.Unlock()
	return nil
}

// LoadBoard fetches a snapshot and resets the columns to it.
func (s *Session) LoadBoard(ctx context.Context) error {
	return s.loadBoard(ctx, protocol.BoardLoad)
}

// Refresh asks the host to reload its store, then loads the board.
func (s *Session) Refresh(ctx context.Context) error {
	return s.loadBoard(ctx, protocol.BoardRefresh)
}

func (s *Session) loadBoard(ctx context.Context, typ protocol.Type) error {
	env, err := s.request(ctx, typ, nil)
	if err != nil {
		return err
	}
	if err := s.applySnapshot(env); err != nil {
		return errs.E(errs.KindInternal, string(typ), err)
	}
	s.notify(protocol.BoardSnapshot)
	return nil
}

// LoadColumn fetches one page of a column.
func (s *Session) LoadColumn(ctx context.Context, col types.Column, offset, limit int) (*types.ColumnPage, error) {
	return s.loadPage(ctx, col, protocol.ColumnLoad,
		protocol.ColumnLoadPayload{Column: col, Offset: offset, Limit: limit})
}

// LoadMore fetches the page after everything loaded so far, including the
// cards taken from the snapshot. It returns nil without a request when the
// column has nothing more or is already loading.
func (s *Session) LoadMore(ctx context.Context, col types.Column) (*types.ColumnPage, error) {
	offset := s.columns.Get(col).Offset
	return s.loadPage(ctx, col, protocol.ColumnLoad,
		protocol.ColumnLoadPayload{Column: col, Offset: offset, Limit: s.cfg.PageSize})
}

func (s *Session) loadPage(ctx context.Context, col types.Column, typ protocol.Type, payload any) (*types.ColumnPage, error) {
	if !s.columns.Begin(col) {
		return nil, nil
	}
	env, err := s.request(ctx, typ, payload)
	if err != nil {
		s.columns.End(col)
		return nil, err
	}
	var page types.ColumnPage
	if err := protocol.DecodePayload(env, &page); err != nil {
		s.columns.End(col)
		return nil, errs.E(errs.KindInternal, string(typ), err)
	}
	for _, it := range page.Items {
		s.cache.Put(it, TierSummary)
	}
	s.columns.Apply(&page)
	s.notify(protocol.ColumnPage)
	return &page, nil
}

// Detail returns id at full fidelity. A cached full entry is returned
// without a request.
func (s *Session) Detail(ctx context.Context, id string) (*types.Item, error) {
	if it, tier, ok := s.cache.Get(id); ok && tier >= TierFull {
		return it, nil
	}
	return s.fetchDetail(ctx, id)
}

func (s *Session) fetchDetail(ctx context.Context, id string) (*types.Item, error) {
	env, err := s.request(ctx, protocol.ItemDetail, protocol.ItemRefPayload{ID: id})
	if err != nil {
		return nil, err
	}
	var d protocol.DetailPayload
	if err := protocol.DecodePayload(env, &d); err != nil {
		return nil, errs.E(errs.KindInternal, string(protocol.ItemDetail), err)
	}
	if d.Item == nil {
		return nil, errs.E(errs.KindValidation, string(protocol.ItemDetail), errs.ErrNotFound)
	}
	s.cache.Put(d.Item, TierFull)
	it, _, _ := s.cache.Get(id)
	return it, nil
}

// mutate sends a mutation and returns its acknowledgement. The fresh
// snapshot the host pushes afterwards updates the cache.
func (s *Session) mutate(ctx context.Context, typ protocol.Type, payload any) (protocol.AckPayload, error) {
	env, err := s.request(ctx, typ, payload)
	if err != nil {
		return protocol.AckPayload{}, err
	}
	var ack protocol.AckPayload
	if err := protocol.DecodePayload(env, &ack); err != nil {
		return ack, errs.E(errs.KindInternal, string(typ), err)
	}
	return ack, nil
}

// CreateItem creates an item and returns its id.
func (s *Session) CreateItem(ctx context.Context, in types.CreateInput) (string, error) {
	ack, err := s.mutate(ctx, protocol.ItemCreate, in)
	return ack.ID, err
}

// UpdateItem patches an item. A full cached copy is refetched so long-text
// fields do not go stale.
func (s *Session) UpdateItem(ctx context.Context, id string, patch types.Patch) error {
	if _, err := s.mutate(ctx, protocol.ItemUpdate, protocol.ItemUpdatePayload{ID: id, Patch: patch}); err != nil {
		return err
	}
	return s.refreshFull(ctx, id)
}

// refreshFull refetches every id the cache holds at full fidelity.
func (s *Session) refreshFull(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if !s.cache.Has(id, TierFull) {
			continue
		}
		if _, err := s.fetchDetail(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// relatedTo returns the cached items whose relationships mention id.
func (s *Session) relatedTo(id string) []string {
	var ids []string
	for _, it := range s.cache.Items() {
		if it.Parent == id || slices.Contains(it.Children, id) ||
			slices.Contains(it.Blocks, id) || slices.Contains(it.BlockedBy, id) {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// SetStatus moves an item.
func (s *Session) SetStatus(ctx context.Context, id string, status types.Status) error {
	_, err := s.mutate(ctx, protocol.ItemStatus, protocol.ItemStatusPayload{ID: id, Status: status})
	return err
}

// DeleteItem deletes an item. Full cached copies of its neighbours are
// refetched so their relationships drop the deleted id.
func (s *Session) DeleteItem(ctx context.Context, id string) error {
	if _, err := s.mutate(ctx, protocol.ItemDelete, protocol.ItemRefPayload{ID: id}); err != nil {
		return err
	}
	s.cache.Remove(id)
	return s.refreshFull(ctx, s.relatedTo(id)...)
}

// AddComment comments on an item.
func (s *Session) AddComment(ctx context.Context, id, author, text string) error {
	if _, err := s.mutate(ctx, protocol.CommentAdd, protocol.CommentPayload{ID: id, Author: author, Text: text}); err != nil {
		return err
	}
	return s.refreshFull(ctx, id)
}

// AddLabel adds a label.
func (s *Session) AddLabel(ctx context.Context, id, label string) error {
	_, err := s.mutate(ctx, protocol.LabelAdd, protocol.LabelPayload{ID: id, Label: label})
	return err
}

// RemoveLabel removes a label.
func (s *Session) RemoveLabel(ctx context.Context, id, label string) error {
	_, err := s.mutate(ctx, protocol.LabelRemove, protocol.LabelPayload{ID: id, Label: label})
	return err
}

// AddDependency adds an edge and refetches full cached copies of both ends.
func (s *Session) AddDependency(ctx context.Context, dep types.Dependency) error {
	if _, err := s.mutate(ctx, protocol.DependencyAdd, dep); err != nil {
		return err
	}
	return s.refreshFull(ctx, dep.From, dep.To)
}

// RemoveDependency removes an edge and refetches full cached copies of both
// ends.
func (s *Session) RemoveDependency(ctx context.Context, dep types.Dependency) error {
	if _, err := s.mutate(ctx, protocol.DependencyRemove, dep); err != nil {
		return err
	}
	return s.refreshFull(ctx, dep.From, dep.To)
}

// SetFilter replaces the filter.
func (s *Session) SetFilter(f Filter) {
	s.mu.Lock()
	s.pipeline.Filter = f
	s.mu.Unlock()
}

// ToggleSort applies a click on a column header.
func (s *Session) ToggleSort(field Field) {
	s.mu.Lock()
	s.pipeline.Sort.Toggle(field)
	s.mu.Unlock()
}

// SetMultiSort switches between single and multi-column sorting.
func (s *Session) SetMultiSort(multi bool) {
	s.mu.Lock()
	s.pipeline.Sort.Multi = multi
	s.mu.Unlock()
}

// SetGroupBy sets the grouping field. Empty disables grouping.
func (s *Session) SetGroupBy(f Field) {
	s.mu.Lock()
	s.pipeline.GroupBy = f
	s.mu.Unlock()
}

// View runs the pipeline over the cache.
func (s *Session) View() []Group {
	s.mu.Lock()
	p := s.pipeline
	p.Filter.Statuses = append([]types.Status(nil), p.Filter.Statuses...)
	p.Sort.Keys = append([]SortKey(nil), p.Sort.Keys...)
	s.mu.Unlock()
	p.Filter.description = s.cache.searchText
	return p.Run(s.cache.Items())
}

// Hide rejects every pending request. The session stays usable.
func (s *Session) Hide() int {
	return s.pending.CancelAll()
}

// Close rejects every pending request, stops the sweeper, drops the cache
// and the column state, and closes the connection opened by Dial.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.pending.Close()
	if s.closeConn != nil {
		s.closeConn()
	}
	s.cache.Clear()
	s.columns.Reset()
}
