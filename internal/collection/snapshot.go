package collection

import (
	"math"

	"github.com/maneesh/labdrop/internal/models"
	"github.com/maneesh/labdrop/internal/resolver"
)

// Snapshot is the ordered set of records visible to a handle at one point in
// the change stream. Records are newest first by UploadedAt, ties in order
// of arrival.
type Snapshot struct {
	Seq     uint64
	Records []models.FileRecord
	// Access holds resolved URLs by object key when the collection was built
	// with a resolver, nil otherwise.
	Access map[string]resolver.Result

	arrival map[string]uint64
}

// Len returns the number of records in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Records)
}

// Rank returns the arrival rank of r. Records this snapshot has not seen
// rank after every known record.
func (s Snapshot) Rank(r models.FileRecord) uint64 {
	if rank, ok := s.arrival[r.ID]; ok {
		return rank
	}
	return math.MaxUint64
}

// Sort orders records with the snapshot's ordering rule.
func (s Snapshot) Sort(records []models.FileRecord) {
	models.SortNewestFirst(records, s.Rank)
}

// URL returns the resolved URL for key, if any.
func (s Snapshot) URL(key string) (string, bool) {
	res, ok := s.Access[key]
	if !ok || res.Err != nil || !res.Available {
		return "", false
	}
	return res.URL, true
}
