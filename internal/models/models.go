package models

import (
	"context"
	"sort"
	"time"
)

// FileRecord is a committed file metadata record.
type FileRecord struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Filename   string    `json:"filename"`
	Size       *int64    `json:"size,omitempty"`
	Type       string    `json:"type,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
	Owner      string    `json:"owner,omitempty"`
	ShipTo     string    `json:"shipTo,omitempty"`
}

// SizeOr returns the record size, or def when it is unknown.
func (r FileRecord) SizeOr(def int64) int64 {
	if r.Size == nil {
		return def
	}
	return *r.Size
}

// NewRecord holds the attributes a client sends to create a record.
// ID and Owner are assigned by the record store.
type NewRecord struct {
	Key        string
	Filename   string
	Size       *int64
	Type       string
	UploadedAt time.Time
	ShipTo     string
}

// ObjectInfo describes one object in object storage.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Int64 returns a pointer to n.
func Int64(n int64) *int64 {
	return &n
}

type ownerKey struct{}

// WithOwner attaches the identity of the calling principal to ctx.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the principal set by WithOwner.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}

// SortNewestFirst orders records by UploadedAt descending. Records with equal
// timestamps are ordered by ascending rank.
func SortNewestFirst(records []FileRecord, rank func(FileRecord) uint64) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.UploadedAt.Equal(b.UploadedAt) {
			return a.UploadedAt.After(b.UploadedAt)
		}
		if rank == nil {
			return false
		}
		return rank(a) < rank(b)
	})
}
