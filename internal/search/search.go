// Package search evaluates filter sets against collection snapshots, or
// hands them to the record store when it can evaluate them natively.
package search

import (
	"context"

	"github.com/maneesh/labdrop/internal/collection"
	"github.com/maneesh/labdrop/internal/filter"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labdrop-search")

// Remote is a record store that evaluates filter sets itself.
type Remote interface {
	List(ctx context.Context, set filter.Set) ([]models.FileRecord, error)
}

// Capable is implemented by remotes that can only evaluate some conditions.
type Capable interface {
	Supports(c filter.Condition) bool
}

// Engine evaluates filter sets against a snapshot or a remote store.
type Engine struct {
	remote Remote
	log    logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRemote delegates sets the remote can evaluate. Results from the remote
// are authoritative and may include records the snapshot has not seen yet.
func WithRemote(r Remote) Option {
	return func(e *Engine) {
		e.remote = r
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an Engine. Without WithRemote every search runs locally.
func New(opts ...Option) *Engine {
	e := &Engine{log: logging.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search returns the records matching set, ordered like the snapshot. An
// empty set returns the whole snapshot. If the remote fails, the snapshot is
// filtered locally instead.
func (e *Engine) Search(ctx context.Context, snap collection.Snapshot, set filter.Set) ([]models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "search.search",
		trace.WithAttributes(
			attribute.Int("condition_count", len(set.Conditions())),
			attribute.Int("snapshot_size", snap.Len()),
		),
	)
	defer span.End()

	if set.Empty() {
		span.SetAttributes(attribute.String("path", "snapshot"))
		return append([]models.FileRecord(nil), snap.Records...), nil
	}

	if e.remote != nil && e.remotelyEvaluable(set) {
		records, err := e.remote.List(ctx, set)
		if err == nil {
			snap.Sort(records)
			span.SetAttributes(
				attribute.String("path", "remote"),
				attribute.Int("result_count", len(records)),
			)
			return records, nil
		}
		span.RecordError(err)
		e.log.Warn(ctx, "remote search failed, filtering snapshot", "error", err)
	}

	records := set.Apply(snap.Records)
	span.SetAttributes(
		attribute.String("path", "local"),
		attribute.Int("result_count", len(records)),
	)
	return records, nil
}

func (e *Engine) remotelyEvaluable(set filter.Set) bool {
	capable, ok := e.remote.(Capable)
	if !ok {
		return true
	}
	for _, c := range set.Conditions() {
		if !capable.Supports(c) {
			return false
		}
	}
	return true
}
