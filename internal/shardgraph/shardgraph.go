// Package shardgraph reconstructs the ephemeral shard lineage forest from a
// stream's shard listing, per spec.md §3: a directed forest where each
// shard points to the parent it was split or merged from, and a shard whose
// advertised parent is no longer listed (beyond the retention horizon) is
// promoted to root. This is the "Shared types & invariants" component of
// spec.md §2.
package shardgraph

// Shard is the subset of a stream-service shard description the core
// depends on.
type Shard struct {
	ShardID                string
	ParentShardID          *string
	AdjacentParentShardID  *string
	StartingSequenceNumber string
	// EndingSequenceNumber is non-nil once the shard has been split or
	// merged away; ListShards still returns it for a time.
	EndingSequenceNumber *string
}

// Closed reports whether the stream service has recorded an end to this
// shard's sequence range (it has been split or merged).
func (s Shard) Closed() bool { return s.EndingSequenceNumber != nil }

// Forest is the reconstructed lineage graph over one listShards response.
type Forest struct {
	byID     map[string]Shard
	children map[string][]string
}

// Build reconstructs the lineage forest from a flat shard listing,
// promoting any shard whose parent isn't present in the listing to a root
// (spec.md §3: "old ancestors beyond the retention horizon are not
// required").
func Build(shards []Shard) Forest {
	f := Forest{
		byID:     make(map[string]Shard, len(shards)),
		children: make(map[string][]string),
	}
	for _, s := range shards {
		f.byID[s.ShardID] = s
	}
	for _, s := range shards {
		parent := effectiveParent(s, f.byID)
		if parent == "" {
			continue
		}
		f.children[parent] = append(f.children[parent], s.ShardID)
	}
	return f
}

// effectiveParent returns s's parent shard ID if that parent is present in
// the current listing, otherwise "" (root promotion).
func effectiveParent(s Shard, byID map[string]Shard) string {
	if s.ParentShardID == nil {
		return ""
	}
	if _, ok := byID[*s.ParentShardID]; !ok {
		return ""
	}
	return *s.ParentShardID
}

// Parent returns the effective parent shard ID for shardID, or "" if it is
// a root (including shards whose advertised parent fell off the listing).
func (f Forest) Parent(shardID string) string {
	s, ok := f.byID[shardID]
	if !ok {
		return ""
	}
	return effectiveParent(s, f.byID)
}

// Children returns the shard IDs that were split or merged out of shardID.
func (f Forest) Children(shardID string) []string {
	return append([]string(nil), f.children[shardID]...)
}

// Shard returns the shard description for shardID, if present in the
// listing.
func (f Forest) Shard(shardID string) (Shard, bool) {
	s, ok := f.byID[shardID]
	return s, ok
}

// Shards returns every shard in the forest.
func (f Forest) Shards() []Shard {
	out := make([]Shard, 0, len(f.byID))
	for _, s := range f.byID {
		out = append(out, s)
	}
	return out
}

// Len returns the number of shards in the forest.
func (f Forest) Len() int { return len(f.byID) }
