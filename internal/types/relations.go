package types

import "slices"

// Relations holds the per-item relationship maps derived from dependency
// edges.
type Relations struct {
	Parent    map[string]string
	Children  map[string][]string
	Blocks    map[string][]string
	BlockedBy map[string][]string
}

// BuildRelations derives parent, children, blocks and blocked-by in a single
// pass over edges. Edges of unknown type are ignored. An item with more than
// one parent keeps the first one seen.
func BuildRelations(edges []Dependency) *Relations {
	rel := &Relations{
		Parent:    make(map[string]string),
		Children:  make(map[string][]string),
		Blocks:    make(map[string][]string),
		BlockedBy: make(map[string][]string),
	}
	for _, e := range edges {
		switch e.Type {
		case DepParentChild:
			if _, ok := rel.Parent[e.To]; !ok {
				rel.Parent[e.To] = e.From
			}
			rel.Children[e.From] = append(rel.Children[e.From], e.To)
		case DepBlocks:
			rel.Blocks[e.From] = append(rel.Blocks[e.From], e.To)
			rel.BlockedBy[e.To] = append(rel.BlockedBy[e.To], e.From)
		}
	}
	for _, m := range []map[string][]string{rel.Children, rel.Blocks, rel.BlockedBy} {
		for k, v := range m {
			slices.Sort(v)
			m[k] = slices.Compact(v)
		}
	}
	return rel
}
