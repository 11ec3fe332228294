package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/steveyegge/beadsboard/internal/errs"
	"github.com/steveyegge/beadsboard/internal/logging"
	"github.com/steveyegge/beadsboard/internal/protocol"
	"github.com/steveyegge/beadsboard/internal/types"
)

// fakeAdapter serves a fixed set of ready items and records calls.
type fakeAdapter struct {
	mu       sync.Mutex
	items    []*types.Item
	calls    []string
	selfEdit bool
	failWith error
}

func newFakeAdapter(n int) *fakeAdapter {
	f := &fakeAdapter{}
	for i := 0; i < n; i++ {
		f.items = append(f.items, &types.Item{
			ID: fmt.Sprintf("bd-%d", i), Title: "Item", Status: types.StatusOpen, IsReady: true,
		})
	}
	return f
}

func (f *fakeAdapter) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failWith
}

func (f *fakeAdapter) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) GetBoard(context.Context) (*types.Board, error) {
	if err := f.record("GetBoard"); err != nil {
		return nil, err
	}
	return types.NewBoard(f.items, f.items[0].UpdatedAt), nil
}

func (f *fakeAdapter) GetColumnCount(_ context.Context, col types.Column) (int, error) {
	b, err := f.GetBoard(context.Background())
	if err != nil {
		return 0, err
	}
	return b.Counts[col], nil
}

func (f *fakeAdapter) GetColumnData(_ context.Context, col types.Column, offset, limit int) (*types.ColumnPage, error) {
	if err := f.record(fmt.Sprintf("GetColumnData %s %d %d", col, offset, limit)); err != nil {
		return nil, err
	}
	b := types.NewBoard(f.items, f.items[0].UpdatedAt)
	return types.Page(col, b.ColumnItems(col), offset, limit), nil
}

func (f *fakeAdapter) GetItem(_ context.Context, id string) (*types.Item, error) {
	if err := f.record("GetItem " + id); err != nil {
		return nil, err
	}
	for _, it := range f.items {
		if it.ID == id {
			return it, nil
		}
	}
	return nil, errs.E(errs.KindValidation, "item.detail", errs.ErrNotFound)
}

func (f *fakeAdapter) CreateItem(_ context.Context, in types.CreateInput) (string, error) {
	return "bd-new", f.record("CreateItem " + in.Title)
}

func (f *fakeAdapter) UpdateItem(_ context.Context, id string, _ types.Patch) error {
	return f.record("UpdateItem " + id)
}

func (f *fakeAdapter) SetStatus(_ context.Context, id string, s types.Status) error {
	return f.record("SetStatus " + id + " " + string(s))
}

func (f *fakeAdapter) DeleteItem(_ context.Context, id string) error {
	return f.record("DeleteItem " + id)
}

func (f *fakeAdapter) AddComment(_ context.Context, id, _, text string) error {
	return f.record("AddComment " + id + " " + text)
}

func (f *fakeAdapter) AddLabel(_ context.Context, id, label string) error {
	return f.record("AddLabel " + id + " " + label)
}

func (f *fakeAdapter) RemoveLabel(_ context.Context, id, label string) error {
	return f.record("RemoveLabel " + id + " " + label)
}

func (f *fakeAdapter) AddDependency(_ context.Context, d types.Dependency) error {
	return f.record("AddDependency " + d.From + " " + d.To)
}

func (f *fakeAdapter) RemoveDependency(_ context.Context, d types.Dependency) error {
	return f.record("RemoveDependency " + d.From + " " + d.To)
}

func (f *fakeAdapter) Reload(context.Context) error { return f.record("Reload") }

func (f *fakeAdapter) IsRecentSelfChange() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selfEdit
}

func (f *fakeAdapter) WatchPattern() string { return "/ws/.beads/*.db" }

func (f *fakeAdapter) Close() error { return nil }

// fakePanel collects posted envelopes.
type fakePanel struct {
	mu      sync.Mutex
	posted  []protocol.Envelope
	handler func([]byte)
}

func (p *fakePanel) PostMessage(msg []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	p.mu.Lock()
	p.posted = append(p.posted, env)
	p.mu.Unlock()
	return nil
}

func (p *fakePanel) OnMessage(fn func([]byte)) { p.handler = fn }

func (p *fakePanel) sent() []protocol.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Type, 0, len(p.posted))
	for _, env := range p.posted {
		out = append(out, env.Type)
	}
	return out
}

func (p *fakePanel) last() protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.posted[len(p.posted)-1]
}

func (p *fakePanel) at(i int) protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.posted[i]
}

func (p *fakePanel) reset() {
	p.mu.Lock()
	p.posted = nil
	p.mu.Unlock()
}

// fakeWatcher hands the registered callback to the test.
type fakeWatcher struct {
	pattern  string
	onChange func(string)
	stopped  bool
}

func (w *fakeWatcher) WatchFile(pattern string, onChange func(string)) (func(), error) {
	w.pattern, w.onChange = pattern, onChange
	return func() { w.stopped = true }, nil
}

func newTestBridge(t *testing.T, a *fakeAdapter, opts func(*Config)) (*Bridge, *fakePanel, *fakeWatcher) {
	t.Helper()
	p := &fakePanel{}
	w := &fakeWatcher{}
	cfg := Config{Adapter: a, Panel: p, Watcher: w, PageSize: 10, Logger: logging.Discard()}
	if opts != nil {
		opts(&cfg)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(b.Dispose)
	return b, p, w
}

func decodeError(t *testing.T, env protocol.Envelope) protocol.ErrorPayload {
	t.Helper()
	var e protocol.ErrorPayload
	if err := protocol.DecodePayload(&env, &e); err != nil {
		t.Fatalf("DecodePayload() failed: %v", err)
	}
	return e
}

// TestBoardLoad tests the snapshot response
func TestBoardLoad(t *testing.T) {
	b, p, _ := newTestBridge(t, newFakeAdapter(3), nil)
	b.Handle([]byte(`{"type":"board.load","requestId":"r1"}`))

	env := p.last()
	if env.Type != protocol.BoardSnapshot || env.RequestID != "r1" {
		t.Fatalf("response = %s/%s, want board.snapshot/r1", env.Type, env.RequestID)
	}
	var snap protocol.SnapshotPayload
	if err := protocol.DecodePayload(&env, &snap); err != nil {
		t.Fatalf("DecodePayload() failed: %v", err)
	}
	if len(snap.Board.Items) != 3 || snap.Board.Counts[types.ColumnReady] != 3 {
		t.Errorf("snapshot = %d items, %v", len(snap.Board.Items), snap.Board.Counts)
	}
}

// TestColumnLoadMore tests that the next offset is the furthest loaded end
func TestColumnLoadMore(t *testing.T) {
	a := newFakeAdapter(100)
	b, p, _ := newTestBridge(t, a, nil)

	b.Handle([]byte(`{"type":"column.load","requestId":"r1","payload":{"column":"ready","offset":0,"limit":20}}`))
	b.Handle([]byte(`{"type":"column.load","requestId":"r2","payload":{"column":"ready","offset":40,"limit":10}}`))
	b.Handle([]byte(`{"type":"column.load","requestId":"r3","payload":{"column":"ready","offset":20,"limit":5}}`))
	if got := b.NextOffset(types.ColumnReady); got != 50 {
		t.Fatalf("NextOffset() = %d, want 50", got)
	}

	b.Handle([]byte(`{"type":"column.loadMore","requestId":"r4","payload":{"column":"ready"}}`))
	env := p.last()
	var page types.ColumnPage
	if err := protocol.DecodePayload(&env, &page); err != nil {
		t.Fatalf("DecodePayload() failed: %v", err)
	}
	if page.Offset != 50 || page.Limit != 10 || len(page.Items) != 10 || !page.HasMore {
		t.Errorf("page = offset %d limit %d items %d hasMore %v", page.Offset, page.Limit, len(page.Items), page.HasMore)
	}
	if got := b.NextOffset(types.ColumnReady); got != 60 {
		t.Errorf("NextOffset() after loadMore = %d, want 60", got)
	}
	if got := b.NextOffset(types.ColumnClosed); got != 0 {
		t.Errorf("NextOffset(closed) = %d, want 0", got)
	}

	b.Handle([]byte(`{"type":"board.load","requestId":"r5"}`))
	if got := b.NextOffset(types.ColumnReady); got != 0 {
		t.Errorf("NextOffset() after board.load = %d, want 0", got)
	}
}

// TestColumnLoadMore_Concurrent tests that overlapping loadMore requests
// fetch consecutive pages and that a failed page is not skipped
func TestColumnLoadMore_Concurrent(t *testing.T) {
	a := newFakeAdapter(100)
	b, _, _ := newTestBridge(t, a, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b.Handle([]byte(fmt.Sprintf(`{"type":"column.loadMore","requestId":"m%d","payload":{"column":"ready","limit":10}}`, i)))
		}(i)
	}
	wg.Wait()

	var offsets []int
	for _, call := range a.recorded() {
		var off, limit int
		if _, err := fmt.Sscanf(call, "GetColumnData ready %d %d", &off, &limit); err == nil {
			offsets = append(offsets, off)
		}
	}
	slices.Sort(offsets)
	if diff := cmp.Diff([]int{0, 10, 20, 30, 40}, offsets); diff != "" {
		t.Errorf("fetched offsets mismatch (-want +got):\n%s", diff)
	}
	if got := b.NextOffset(types.ColumnReady); got != 50 {
		t.Errorf("NextOffset() = %d, want 50", got)
	}

	a.mu.Lock()
	a.failWith = errors.New("store unavailable")
	a.mu.Unlock()
	b.Handle([]byte(`{"type":"column.loadMore","requestId":"m5","payload":{"column":"ready","limit":10}}`))
	if got := b.NextOffset(types.ColumnReady); got != 50 {
		t.Errorf("NextOffset() after a failed page = %d, want 50", got)
	}
}

// TestMutation_AckThenSnapshot tests the response sequence of a mutation
func TestMutation_AckThenSnapshot(t *testing.T) {
	a := newFakeAdapter(1)
	b, p, _ := newTestBridge(t, a, nil)

	b.Handle([]byte(`{"type":"item.create","requestId":"r1","payload":{"title":"New"}}`))

	want := []protocol.Type{protocol.MutationAck, protocol.BoardSnapshot}
	if diff := cmp.Diff(want, p.sent()); diff != "" {
		t.Fatalf("posted mismatch (-want +got):\n%s", diff)
	}
	ack := p.at(0)
	var payload protocol.AckPayload
	if err := protocol.DecodePayload(&ack, &payload); err != nil {
		t.Fatalf("DecodePayload() failed: %v", err)
	}
	if ack.RequestID != "r1" || payload.ID != "bd-new" || payload.Op != protocol.ItemCreate {
		t.Errorf("ack = %s %+v", ack.RequestID, payload)
	}
	if p.at(1).RequestID != "" {
		t.Errorf("pushed snapshot carries request id %q", p.at(1).RequestID)
	}
}

// TestMutation_Routing tests that each mutation reaches the right adapter
// call
func TestMutation_Routing(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{`{"type":"item.update","requestId":"r","payload":{"id":"bd-1","patch":{"title":"T"}}}`, "UpdateItem bd-1"},
		{`{"type":"item.status","requestId":"r","payload":{"id":"bd-1","status":"closed"}}`, "SetStatus bd-1 closed"},
		{`{"type":"item.delete","requestId":"r","payload":{"id":"bd-1"}}`, "DeleteItem bd-1"},
		{`{"type":"comment.add","requestId":"r","payload":{"id":"bd-1","text":"hi"}}`, "AddComment bd-1 hi"},
		{`{"type":"label.add","requestId":"r","payload":{"id":"bd-1","label":"ui"}}`, "AddLabel bd-1 ui"},
		{`{"type":"label.remove","requestId":"r","payload":{"id":"bd-1","label":"ui"}}`, "RemoveLabel bd-1 ui"},
		{`{"type":"dependency.add","requestId":"r","payload":{"from":"bd-1","to":"bd-2","type":"blocks"}}`, "AddDependency bd-1 bd-2"},
		{`{"type":"dependency.remove","requestId":"r","payload":{"from":"bd-1","to":"bd-2","type":"blocks"}}`, "RemoveDependency bd-1 bd-2"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			a := newFakeAdapter(1)
			b, p, _ := newTestBridge(t, a, nil)
			b.Handle([]byte(tt.msg))
			if calls := a.recorded(); len(calls) == 0 || calls[0] != tt.want {
				t.Errorf("calls = %v, want first %q", calls, tt.want)
			}
			if got := p.at(0).Type; got != protocol.MutationAck {
				t.Errorf("response = %s, want mutation.ack", got)
			}
		})
	}
}

// TestReadOnly tests that mutations are rejected without touching the
// adapter
func TestReadOnly(t *testing.T) {
	a := newFakeAdapter(1)
	b, p, _ := newTestBridge(t, a, func(c *Config) { c.ReadOnly = true })

	b.Handle([]byte(`{"type":"label.add","requestId":"r1","payload":{"id":"bd-1","label":"ui"}}`))

	env := p.last()
	if env.Type != protocol.MutationError || env.RequestID != "r1" {
		t.Fatalf("response = %s/%s, want mutation.error/r1", env.Type, env.RequestID)
	}
	if e := decodeError(t, env); e.Kind != "validation" || !strings.Contains(e.Message, "read-only") {
		t.Errorf("error = %+v", e)
	}
	if calls := a.recorded(); len(calls) != 0 {
		t.Errorf("adapter was called: %v", calls)
	}

	b.Handle([]byte(`{"type":"board.load","requestId":"r2"}`))
	if got := p.last().Type; got != protocol.BoardSnapshot {
		t.Errorf("reads in read-only mode = %s, want board.snapshot", got)
	}
}

// TestErrors tests error responses, kinds and sanitizing
func TestErrors(t *testing.T) {
	a := newFakeAdapter(1)
	b, p, _ := newTestBridge(t, a, nil)

	b.Handle([]byte(`{"type":"column.load","requestId":"r1","payload":{"column":"backlog","offset":0,"limit":5}}`))
	env := p.last()
	if env.Type != protocol.RequestError || env.RequestID != "r1" {
		t.Fatalf("response = %s/%s, want request.error/r1", env.Type, env.RequestID)
	}
	if e := decodeError(t, env); e.Kind != "validation" {
		t.Errorf("kind = %q, want validation", e.Kind)
	}

	b.Handle([]byte(`not json`))
	if got := p.last().Type; got != protocol.RequestError {
		t.Errorf("malformed message response = %s, want request.error", got)
	}

	a.failWith = errs.E(errs.KindTransient, "save",
		errors.New("rename /home/alice/work/.beads/beads.db: resource busy\ngoroutine 7 [running]:"))
	b.Handle([]byte(`{"type":"label.add","requestId":"r2","payload":{"id":"bd-1","label":"ui"}}`))
	if got := p.sent(); got[len(got)-1] != protocol.MutationError {
		t.Fatalf("posted = %v, want mutation.error last", got)
	}
	e := decodeError(t, p.last())
	if e.Kind != "transient" {
		t.Errorf("kind = %q, want transient", e.Kind)
	}
	if strings.Contains(e.Message, "/home/alice") || strings.Contains(e.Message, "goroutine") {
		t.Errorf("message not sanitized: %q", e.Message)
	}
}

// TestFileChange tests external change handling and self-change
// suppression
func TestFileChange(t *testing.T) {
	a := newFakeAdapter(1)
	_, p, w := newTestBridge(t, a, nil)
	if w.pattern != "/ws/.beads/*.db" {
		t.Fatalf("watched %q, want the adapter's pattern", w.pattern)
	}

	a.selfEdit = true
	w.onChange("/ws/.beads/beads.db")
	if got := p.sent(); len(got) != 0 {
		t.Fatalf("self change posted %v", got)
	}
	if calls := a.recorded(); len(calls) != 0 {
		t.Fatalf("self change called adapter: %v", calls)
	}

	a.selfEdit = false
	w.onChange("/ws/.beads/beads.db")
	want := []protocol.Type{protocol.FilesChanged, protocol.BoardSnapshot}
	if diff := cmp.Diff(want, p.sent()); diff != "" {
		t.Errorf("posted mismatch (-want +got):\n%s", diff)
	}
	if calls := a.recorded(); len(calls) == 0 || calls[0] != "Reload" {
		t.Errorf("calls = %v, want Reload first", calls)
	}
}

// TestDispose tests teardown: notification, dropped state and ignored
// messages
func TestDispose(t *testing.T) {
	a := newFakeAdapter(5)
	b, p, w := newTestBridge(t, a, nil)
	b.Handle([]byte(`{"type":"column.load","requestId":"r1","payload":{"column":"ready","offset":0,"limit":5}}`))
	p.reset()

	b.Dispose()
	b.Dispose()

	if diff := cmp.Diff([]protocol.Type{protocol.PanelDisposed}, p.sent()); diff != "" {
		t.Errorf("posted mismatch (-want +got):\n%s", diff)
	}
	if !w.stopped {
		t.Error("watch subscription not stopped")
	}
	if got := b.NextOffset(types.ColumnReady); got != 0 {
		t.Errorf("NextOffset() after Dispose = %d, want 0", got)
	}

	p.handler([]byte(`{"type":"board.load","requestId":"r2"}`))
	b.Handle([]byte(`{"type":"board.load","requestId":"r3"}`))
	w.onChange("/ws/.beads/beads.db")
	if got := p.sent(); len(got) != 1 {
		t.Errorf("posted after Dispose: %v", got)
	}
}

// TestReceive tests asynchronous handling of panel messages
func TestReceive(t *testing.T) {
	a := newFakeAdapter(2)
	_, p, _ := newTestBridge(t, a, nil)

	for i := 0; i < 5; i++ {
		p.handler([]byte(fmt.Sprintf(`{"type":"item.detail","requestId":"r%d","payload":{"id":"bd-1"}}`, i)))
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(p.sent()) < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("posted = %v, want 5 responses", p.sent())
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, typ := range p.sent() {
		if typ != protocol.ItemDetail {
			t.Errorf("response = %s, want item.detail", typ)
		}
	}
}
