package storage

import (
	"context"
	"io"
	"time"

	"github.com/maneesh/labdrop/internal/filter"
	"github.com/maneesh/labdrop/internal/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("labdrop-storage")

// ProgressFunc receives the cumulative number of bytes transferred so far.
type ProgressFunc func(transferred int64)

// ObjectStore is the byte-blob store addressed by opaque keys.
type ObjectStore interface {
	// Put stores size bytes from r under key. size < 0 means unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, onProgress ProgressFunc) error
	// AccessURL returns a URL valid for ttl. It returns common.ErrAccessDenied
	// when the caller may not read this particular object.
	AccessURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Delete removes key, returning common.ErrObjectNotFound if it is absent.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]models.ObjectInfo, error)
}

// RecordStore is the metadata database holding file records.
type RecordStore interface {
	Create(ctx context.Context, rec models.NewRecord) (models.FileRecord, error)
	Get(ctx context.Context, id string) (models.FileRecord, error)
	// Delete removes the record, returning common.ErrRecordNotFound if absent.
	Delete(ctx context.Context, id string) error
	// List returns the records matching set in store order.
	List(ctx context.Context, set filter.Set) ([]models.FileRecord, error)
	// Subscribe opens a live query. The subscription pushes the full matching
	// set once on open and again after every change.
	Subscribe(ctx context.Context, set filter.Set) (Subscription, error)
}

// Subscription is a live query opened by RecordStore.Subscribe.
type Subscription interface {
	// Items is closed when the subscription ends.
	Items() <-chan []models.FileRecord
	// Err reports why the subscription ended, nil after Close.
	Err() error
	Close() error
}
