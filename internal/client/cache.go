// Package client is the UI side of a board panel.
//
// A Session holds everything one open panel knows: a tiered item cache, the
// per-column pagination state, the filter/sort/group pipeline and the table
// of requests waiting for a response. Sessions are explicit values, one per
// panel, created on open and torn down on close.
//
// Usage:
//
//	s, err := client.Dial(ctx, "ws://127.0.0.1:7420/ws", client.SessionConfig{})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if err := s.LoadBoard(ctx); err != nil {
//	    return err
//	}
//	for _, g := range s.View() {
//	    fmt.Println(g.Key, len(g.Items))
//	}
package client

import (
	"slices"
	"strings"
	"sync"

	"github.com/steveyegge/beadsboard/internal/types"
)

// Tier is the fidelity of a cached item. Tiers are totally ordered.
type Tier int

const (
	// TierNone means the item is not cached.
	TierNone Tier = iota

	// TierSummary carries what a card needs: id, title, status, priority
	// and counts.
	TierSummary

	// TierEnriched adds labels, assignee and timestamps.
	TierEnriched

	// TierFull adds long text, relationships, comments and metadata.
	TierFull
)

func (t Tier) String() string {
	switch t {
	case TierSummary:
		return "summary"
	case TierEnriched:
		return "enriched"
	case TierFull:
		return "full"
	default:
		return "none"
	}
}

// Cache maps item ids to the best copy seen so far. It is safe for
// concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	item types.Item
	tier Tier

	// desc is the lowercased description from any payload that carried
	// one. It feeds local search only; item.Description stays full tier.
	desc string
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// Put stores it at the given tier and returns the entry's resulting tier.
// The tier never goes down: a lower-tier payload only refreshes the fields
// that tier carries.
func (c *Cache) Put(it *types.Item, tier Tier) Tier {
	if it == nil || tier <= TierNone {
		return TierNone
	}
	tier = min(tier, TierFull)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[it.ID]
	if !ok {
		e = &entry{}
		c.entries[it.ID] = e
	}
	copySummary(&e.item, it)
	if tier >= TierEnriched {
		copyEnriched(&e.item, it)
	}
	if tier >= TierFull {
		copyFull(&e.item, it)
	}
	if tier >= TierFull || it.Description != "" {
		e.desc = strings.ToLower(it.Description)
	}
	e.tier = max(e.tier, tier)
	return e.tier
}

// searchText returns the lowercased description seen for id, whatever tier
// delivered it.
func (c *Cache) searchText(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[id]; ok {
		return e.desc
	}
	return ""
}

// Get returns a copy of the cached item and its tier.
func (c *Cache) Get(id string) (*types.Item, Tier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, TierNone, false
	}
	it := e.item
	return &it, e.tier, true
}

// TierOf returns the cached tier of id, TierNone when absent.
func (c *Cache) TierOf(id string) Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[id]; ok {
		return e.tier
	}
	return TierNone
}

// Has reports whether id is cached at tier or better.
func (c *Cache) Has(id string, tier Tier) bool {
	return c.TierOf(id) >= tier
}

// Remove drops id.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Retain drops every entry whose id is not in ids.
func (c *Cache) Retain(ids []string) {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		if _, ok := keep[id]; !ok {
			delete(c.entries, id)
		}
	}
}

// Items returns copies of every cached item, ordered by id.
func (c *Cache) Items() []*types.Item {
	c.mu.RLock()
	out := make([]*types.Item, 0, len(c.entries))
	for _, e := range c.entries {
		it := e.item
		out = append(out, &it)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b *types.Item) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of cached items.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

func copySummary(dst, src *types.Item) {
	dst.ID = src.ID
	dst.Title = src.Title
	dst.Status = src.Status
	dst.Priority = src.Priority
	dst.IssueType = src.IssueType
	dst.Column = src.Column
	dst.IsReady = src.IsReady
	dst.BlockedByCount = src.BlockedByCount
	dst.ChildCount = src.ChildCount
	dst.BlocksCount = src.BlocksCount
	dst.CommentCount = src.CommentCount
	dst.Pinned = src.Pinned
}

func copyEnriched(dst, src *types.Item) {
	dst.Labels = slices.Clone(src.Labels)
	dst.Assignee = src.Assignee
	dst.CreatedAt = src.CreatedAt
	dst.UpdatedAt = src.UpdatedAt
	dst.ClosedAt = src.ClosedAt
	dst.DueAt = src.DueAt
	dst.DeferUntil = src.DeferUntil
	dst.IsTemplate = src.IsTemplate
	dst.Ephemeral = src.Ephemeral
}

func copyFull(dst, src *types.Item) {
	dst.Description = src.Description
	dst.Design = src.Design
	dst.AcceptanceCriteria = src.AcceptanceCriteria
	dst.Notes = src.Notes
	dst.ExternalRef = src.ExternalRef
	dst.Metadata = slices.Clone(src.Metadata)
	dst.Parent = src.Parent
	dst.Children = slices.Clone(src.Children)
	dst.Blocks = slices.Clone(src.Blocks)
	dst.BlockedBy = slices.Clone(src.BlockedBy)
	dst.Comments = slices.Clone(src.Comments)
}
