package shardgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestBuildParentChildLineage(t *testing.T) {
	shards := []Shard{
		{ShardID: "shard-000", StartingSequenceNumber: "1"},
		{ShardID: "shard-001", ParentShardID: strp("shard-000"), StartingSequenceNumber: "100"},
		{ShardID: "shard-002", ParentShardID: strp("shard-000"), StartingSequenceNumber: "200"},
	}

	forest := Build(shards)

	require.Equal(t, 3, forest.Len())
	assert.Equal(t, "", forest.Parent("shard-000"))
	assert.Equal(t, "shard-000", forest.Parent("shard-001"))
	assert.ElementsMatch(t, []string{"shard-001", "shard-002"}, forest.Children("shard-000"))
}

func TestBuildPromotesOrphanedParentToRoot(t *testing.T) {
	// shard-001's parent (shard-000) has aged out of the listing.
	shards := []Shard{
		{ShardID: "shard-001", ParentShardID: strp("shard-000"), StartingSequenceNumber: "100"},
	}

	forest := Build(shards)

	assert.Equal(t, "", forest.Parent("shard-001"))
	assert.Empty(t, forest.Children("shard-000"))
}

func TestClosedReportsEndingSequenceNumber(t *testing.T) {
	open := Shard{ShardID: "shard-000"}
	end := "999"
	closed := Shard{ShardID: "shard-000", EndingSequenceNumber: &end}

	assert.False(t, open.Closed())
	assert.True(t, closed.Closed())
}

func TestShardLookup(t *testing.T) {
	shards := []Shard{{ShardID: "shard-000", StartingSequenceNumber: "1"}}
	forest := Build(shards)

	s, ok := forest.Shard("shard-000")
	require.True(t, ok)
	assert.Equal(t, "1", s.StartingSequenceNumber)

	_, ok = forest.Shard("does-not-exist")
	assert.False(t, ok)
}
