package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSortNewestFirst(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []FileRecord{
		{ID: "old", UploadedAt: base},
		{ID: "tie-late", UploadedAt: base.Add(time.Hour)},
		{ID: "new", UploadedAt: base.Add(2 * time.Hour)},
		{ID: "tie-early", UploadedAt: base.Add(time.Hour)},
	}
	rank := map[string]uint64{"old": 1, "tie-late": 4, "new": 2, "tie-early": 3}

	SortNewestFirst(records, func(r FileRecord) uint64 { return rank[r.ID] })

	var ids []string
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"new", "tie-early", "tie-late", "old"}, ids)
}

func TestSortNewestFirst_NilRankKeepsInputOrder(t *testing.T) {
	ts := time.Now()
	records := []FileRecord{{ID: "a", UploadedAt: ts}, {ID: "b", UploadedAt: ts}}
	SortNewestFirst(records, nil)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "b", records[1].ID)
}

func TestOwnerContext(t *testing.T) {
	_, ok := OwnerFromContext(context.Background())
	assert.False(t, ok)

	owner, ok := OwnerFromContext(WithOwner(context.Background(), "alice"))
	assert.True(t, ok)
	assert.Equal(t, "alice", owner)

	_, ok = OwnerFromContext(WithOwner(context.Background(), ""))
	assert.False(t, ok)
}

func TestSizeOr(t *testing.T) {
	assert.Equal(t, int64(-1), FileRecord{}.SizeOr(-1))
	assert.Equal(t, int64(42), FileRecord{Size: Int64(42)}.SizeOr(-1))
}
