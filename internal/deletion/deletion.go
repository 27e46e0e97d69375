// Package deletion removes a file's stored bytes and its metadata record
// together and reports exactly which side succeeded.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/filter"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/models"
	"github.com/maneesh/labdrop/internal/resolver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("labdrop-deletion")

const defaultGracePeriod = 10 * time.Minute

// Objects is the part of storage.ObjectStore the coordinator needs.
type Objects interface {
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]models.ObjectInfo, error)
}

// Records is the part of storage.RecordStore the coordinator needs.
type Records interface {
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, set filter.Set) ([]models.FileRecord, error)
}

// Status classifies the result of a deletion.
type Status string

const (
	FullyDeleted     Status = "fullyDeleted"
	PartiallyDeleted Status = "partiallyDeleted"
	DeletionFailed   Status = "deletionFailed"
)

// Side names one of the two things a deletion removes.
type Side string

const (
	SideObject Side = "object"
	SideRecord Side = "record"
)

// Outcome is the composite result of deleting one file.
type Outcome struct {
	Status    Status            `json:"status"`
	Record    models.FileRecord `json:"record"`
	Succeeded []Side            `json:"succeeded,omitempty"`
	// Orphaned is set when the record is gone but the bytes are still stored.
	Orphaned  bool  `json:"orphaned,omitempty"`
	ObjectErr error `json:"-"`
	RecordErr error `json:"-"`
}

// MetadataOnly reports a partial deletion where only the record was removed.
func (o Outcome) MetadataOnly() bool {
	return o.Status == PartiallyDeleted && len(o.Succeeded) == 1 && o.Succeeded[0] == SideRecord
}

// Err returns nil for a full deletion. Otherwise it wraps
// common.ErrDeletionPartial or common.ErrDeletionFailed together with the
// underlying failures.
func (o Outcome) Err() error {
	var errs []error
	switch o.Status {
	case FullyDeleted:
		return nil
	case PartiallyDeleted:
		errs = append(errs, common.ErrDeletionPartial)
	default:
		errs = append(errs, common.ErrDeletionFailed)
	}
	if o.ObjectErr != nil {
		errs = append(errs, &common.PhaseError{Phase: common.PhaseDelete, Key: o.Record.Key, Cause: o.ObjectErr})
	}
	if o.RecordErr != nil {
		errs = append(errs, &common.PhaseError{Phase: common.PhaseDelete, Key: o.Record.ID, Cause: fmt.Errorf("record: %w", o.RecordErr)})
	}
	return errors.Join(errs...)
}

// Coordinator deletes a file from object storage and the record store
// together and reports what happened on each side.
type Coordinator struct {
	objects  Objects
	records  Records
	resolver *resolver.Resolver
	grace    time.Duration
	now      func() time.Time
	log      logging.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithResolver lets the coordinator drop cached URLs of deleted objects.
func WithResolver(r *resolver.Resolver) Option {
	return func(c *Coordinator) {
		c.resolver = r
	}
}

// WithGracePeriod skips objects younger than d in FindOrphans; they may
// belong to uploads that have not committed yet.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		c.grace = d
	}
}

// WithClock replaces time.Now in the orphan scan.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

// New creates a Coordinator over the two stores.
func New(objects Objects, records Records, opts ...Option) *Coordinator {
	c := &Coordinator{
		objects: objects,
		records: records,
		grace:   defaultGracePeriod,
		now:     time.Now,
		log:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delete removes rec's object and its record. Both deletes are always
// attempted. Local collections are not touched; they learn about the removal
// from the record store's change feed.
func (c *Coordinator) Delete(ctx context.Context, rec models.FileRecord) Outcome {
	ctx, span := tracer.Start(ctx, "deletion.delete",
		trace.WithAttributes(
			attribute.String("file_id", rec.ID),
			attribute.String("object_key", rec.Key),
		),
	)
	defer span.End()

	out := Outcome{Record: rec}

	var g errgroup.Group
	g.Go(func() error {
		if rec.Key == "" {
			out.ObjectErr = fmt.Errorf("%w: record has no object key", common.ErrValidation)
			return nil
		}
		out.ObjectErr = c.objects.Delete(ctx, rec.Key)
		return nil
	})
	g.Go(func() error {
		if rec.ID == "" {
			out.RecordErr = fmt.Errorf("%w: record has no id", common.ErrValidation)
			return nil
		}
		out.RecordErr = c.records.Delete(ctx, rec.ID)
		return nil
	})
	_ = g.Wait()

	if out.ObjectErr == nil {
		out.Succeeded = append(out.Succeeded, SideObject)
	}
	if out.RecordErr == nil {
		out.Succeeded = append(out.Succeeded, SideRecord)
	}
	switch len(out.Succeeded) {
	case 2:
		out.Status = FullyDeleted
	case 1:
		out.Status = PartiallyDeleted
	default:
		out.Status = DeletionFailed
	}

	if c.resolver != nil && (out.ObjectErr == nil || errors.Is(out.ObjectErr, common.ErrObjectNotFound)) {
		c.resolver.Forget(ctx, rec.Key)
	}

	switch {
	case out.Status == FullyDeleted:
		c.log.Info(ctx, "file deleted", "id", rec.ID, "key", rec.Key)
	case out.RecordErr == nil && !errors.Is(out.ObjectErr, common.ErrObjectNotFound):
		out.Orphaned = true
		c.log.Warn(ctx, "record deleted but object remains", "id", rec.ID, "key", rec.Key, "error", out.ObjectErr)
	case out.RecordErr == nil:
		c.log.Warn(ctx, "record deleted, object was already gone", "id", rec.ID, "key", rec.Key)
	case out.ObjectErr == nil:
		c.log.Warn(ctx, "object deleted but record remains", "id", rec.ID, "key", rec.Key, "error", out.RecordErr)
	default:
		c.log.Error(ctx, "file deletion failed", "id", rec.ID, "key", rec.Key, "error", out.Err())
	}

	span.SetAttributes(attribute.String("status", string(out.Status)))
	if err := out.Err(); err != nil {
		span.RecordError(err)
	}
	return out
}

// Report lists storage inconsistencies between the two stores.
type Report struct {
	// Objects are stored bytes no record points to.
	Objects []models.ObjectInfo `json:"objects"`
	// Records point to keys with no stored bytes.
	Records []models.FileRecord `json:"records"`
}

// FindOrphans compares the object listing with the record listing. Objects
// modified within the grace period are skipped.
func (c *Coordinator) FindOrphans(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "deletion.find_orphans")
	defer span.End()

	var (
		objects []models.ObjectInfo
		records []models.FileRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		objects, err = c.objects.List(gctx)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		records, err = c.records.List(gctx, filter.Set{})
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return Report{}, err
	}

	stored := make(map[string]bool, len(objects))
	for _, o := range objects {
		stored[o.Key] = true
	}
	recorded := make(map[string]bool, len(records))
	for _, r := range records {
		recorded[r.Key] = true
	}

	report := Report{Objects: []models.ObjectInfo{}, Records: []models.FileRecord{}}
	cutoff := c.now().Add(-c.grace)
	for _, o := range objects {
		if !recorded[o.Key] && !o.LastModified.After(cutoff) {
			report.Objects = append(report.Objects, o)
		}
	}
	for _, r := range records {
		if !stored[r.Key] {
			report.Records = append(report.Records, r)
		}
	}

	span.SetAttributes(
		attribute.Int("orphan_objects", len(report.Objects)),
		attribute.Int("orphan_records", len(report.Records)),
	)
	if len(report.Objects) > 0 || len(report.Records) > 0 {
		c.log.Warn(ctx, "storage orphans found", "objects", len(report.Objects), "records", len(report.Records))
	}
	return report, nil
}
