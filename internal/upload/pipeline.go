// Package upload drives single-file uploads through transfer, metadata
// commit and access URL resolution.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/models"
	"github.com/maneesh/labdrop/internal/progress"
	"github.com/maneesh/labdrop/internal/resolver"
	"github.com/maneesh/labdrop/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("labdrop-upload")

const (
	DefaultKeyPrefix     = "uploads/"
	defaultCommitTimeout = 30 * time.Second
)

// ObjectWriter is the part of storage.ObjectStore the pipeline writes to.
type ObjectWriter interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, onProgress storage.ProgressFunc) error
	Delete(ctx context.Context, key string) error
}

// RecordCreator is the part of storage.RecordStore the pipeline commits to.
type RecordCreator interface {
	Create(ctx context.Context, rec models.NewRecord) (models.FileRecord, error)
}

// Pipeline runs upload tasks. Tasks are independent of each other; the only
// state they share is the key sequence.
type Pipeline struct {
	objects       ObjectWriter
	records       RecordCreator
	resolver      *resolver.Resolver
	prefix        string
	now           func() time.Time
	commitTimeout time.Duration
	log           logging.Logger
	lastKey       atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithKeyPrefix sets the prefix of generated storage keys.
func WithKeyPrefix(prefix string) Option {
	return func(p *Pipeline) {
		p.prefix = prefix
	}
}

// WithClock replaces time.Now for keys and commit times.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithCommitTimeout bounds the commit and resolve phases, which are not
// cancellable by the caller.
func WithCommitTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.commitTimeout = d
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l logging.Logger) Option {
	return func(p *Pipeline) {
		p.log = l
	}
}

// New creates a Pipeline storing bytes in objects and records in records.
func New(objects ObjectWriter, records RecordCreator, res *resolver.Resolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		objects:       objects,
		records:       records,
		resolver:      res,
		prefix:        DefaultKeyPrefix,
		now:           time.Now,
		commitTimeout: defaultCommitTimeout,
		log:           logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Select creates a task for file. Selection never fails; checks happen when
// the upload starts.
func (p *Pipeline) Select(file File) *Task {
	t := newTask(file)
	t.transition(StateSelected)
	return t
}

// Start assigns the storage key and begins the transfer in the background.
// ctx bounds the transfer only: if it ends before the bytes are stored the
// task is cancelled. The commit and resolve phases run to completion.
func (p *Pipeline) Start(ctx context.Context, t *Task) error {
	t.mu.Lock()
	file := t.file
	var err error
	switch {
	case t.state.Terminal():
		err = common.ErrTaskFinished
	case t.state != StateSelected:
		err = fmt.Errorf("task %s already started", t.id)
	case strings.TrimSpace(file.Name) == "":
		err = &common.PhaseError{Phase: common.PhaseSelect, Cause: fmt.Errorf("%w: filename is required", common.ErrValidation)}
	case file.Body == nil:
		err = &common.PhaseError{Phase: common.PhaseSelect, Cause: fmt.Errorf("%w: no file contents", common.ErrValidation)}
	}
	if err != nil {
		t.mu.Unlock()
		return err
	}

	tctx, abort := context.WithCancel(ctx)
	key := p.nextKey(file.Name)
	t.key = key
	t.abort = abort
	t.state = StateTransferring
	t.events.publish(Event{Kind: EventState, State: StateTransferring, Progress: t.obs})
	t.mu.Unlock()

	go func() {
		defer abort()
		p.run(tctx, t, file, key)
	}()
	return nil
}

// Upload selects and starts file in one step.
func (p *Pipeline) Upload(ctx context.Context, file File) (*Task, error) {
	t := p.Select(file)
	if err := p.Start(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// RetryCommit re-issues the metadata commit for a task that failed while
// committing. The bytes already stored under the failed task's key are
// reused; the retry runs as a new task.
func (p *Pipeline) RetryCommit(ctx context.Context, failed *Task) (*Task, error) {
	var pe *common.PhaseError
	if failed.State() != StateFailed || !errors.As(failed.Err(), &pe) || pe.Phase != common.PhaseCommit {
		return nil, fmt.Errorf("%w: task %s did not fail during commit", common.ErrValidation, failed.ID())
	}

	failed.mu.Lock()
	key, size, file := failed.key, failed.size, failed.file
	failed.mu.Unlock()

	t := newTask(file)
	t.key = key
	t.size = size
	t.obs = progress.Observation{Transferred: size, Total: size}
	t.transition(StateCommitting)

	go p.commit(ctx, t, file, key, size)
	return t, nil
}

func (p *Pipeline) run(ctx context.Context, t *Task, file File, key string) {
	ctx, span := tracer.Start(ctx, "upload.transfer",
		trace.WithAttributes(
			attribute.String("task_id", t.id),
			attribute.String("object_key", key),
			attribute.Int64("declared_size", file.Size),
		),
	)

	read := progress.NewTracker(-1, nil)
	sent := progress.NewTracker(file.Size, t.observe)
	err := p.objects.Put(ctx, key, read.Reader(file.Body), file.Size, file.Type, sent.Set)
	size := read.Current().Transferred

	t.mu.Lock()
	cancelled := t.cancelReq || (err != nil && ctx.Err() != nil)
	t.mu.Unlock()

	if cancelled {
		span.SetAttributes(attribute.Bool("cancelled", true))
		span.End()
		if err == nil {
			p.discard(ctx, key)
		}
		p.log.Info(ctx, "upload cancelled", "task", t.id, "key", key)
		t.finish(StateCancelled, common.ErrCancelled)
		return
	}
	if err != nil {
		span.RecordError(err)
		span.End()
		p.log.Error(ctx, "upload transfer failed", "task", t.id, "key", key, "error", err)
		t.finish(StateFailed, &common.PhaseError{Phase: common.PhaseTransfer, Key: key, Cause: err})
		return
	}

	if file.Size < 0 {
		t.observe(progress.Observation{Transferred: size, Total: size})
	} else {
		sent.Set(size)
	}
	span.SetAttributes(attribute.Int64("size", size))
	span.End()

	// the cancel window closes here
	t.mu.Lock()
	if t.cancelReq {
		t.mu.Unlock()
		p.discard(ctx, key)
		t.finish(StateCancelled, common.ErrCancelled)
		return
	}
	t.size = size
	t.state = StateCommitting
	t.events.publish(Event{Kind: EventState, State: StateCommitting, Progress: t.obs})
	t.mu.Unlock()

	p.commit(ctx, t, file, key, size)
}

func (p *Pipeline) commit(ctx context.Context, t *Task, file File, key string, size int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.commitTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "upload.commit",
		trace.WithAttributes(
			attribute.String("task_id", t.id),
			attribute.String("object_key", key),
		),
	)
	defer span.End()

	rec, err := p.records.Create(ctx, models.NewRecord{
		Key:        key,
		Filename:   file.Name,
		Size:       models.Int64(size),
		Type:       file.Type,
		UploadedAt: p.now().UTC().Truncate(time.Microsecond),
		ShipTo:     file.ShipTo,
	})
	if err != nil {
		span.RecordError(err)
		// bytes stay in storage; RetryCommit or the orphan scan picks them up
		p.log.Error(ctx, "upload commit failed, object left without record", "task", t.id, "key", key, "error", err)
		t.finish(StateFailed, &common.PhaseError{Phase: common.PhaseCommit, Key: key, Cause: err})
		return
	}
	span.SetAttributes(attribute.String("file_id", rec.ID))

	t.mu.Lock()
	t.record = &rec
	t.mu.Unlock()
	t.transition(StateResolvingURL)

	notice := ""
	out, err := p.resolver.Resolve(ctx, key)
	switch {
	case err != nil:
		span.RecordError(err)
		p.log.Warn(ctx, "upload committed but access url could not be resolved", "task", t.id, "key", key, "error", err)
		notice = fmt.Sprintf("uploaded, but no access url: %v", err)
	case !out.Available:
		notice = "uploaded, but the access url is unavailable to this caller"
	}

	t.mu.Lock()
	t.url = out.URL
	t.notice = notice
	if notice != "" {
		t.events.publish(Event{Kind: EventNotice, State: t.state, Progress: t.obs, Notice: notice})
	}
	t.finishLocked(StateComplete, nil)
	t.mu.Unlock()

	p.log.Info(ctx, "upload complete", "task", t.id, "key", key, "file_id", rec.ID, "size", size)
}

// discard removes bytes stored for a task that was cancelled after its
// transfer finished.
func (p *Pipeline) discard(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.commitTimeout)
	defer cancel()
	if err := p.objects.Delete(ctx, key); err != nil {
		p.log.Warn(ctx, "failed to remove object of cancelled upload", "key", key, "error", err)
	}
}

// nextKey derives a key from a strictly increasing nanosecond timestamp and
// the filename, so concurrent uploads of the same name never collide.
func (p *Pipeline) nextKey(filename string) string {
	var ts int64
	for {
		ts = p.now().UnixNano()
		last := p.lastKey.Load()
		if ts <= last {
			ts = last + 1
		}
		if p.lastKey.CompareAndSwap(last, ts) {
			break
		}
	}
	return p.prefix + strconv.FormatInt(ts, 10) + "-" + sanitizeName(filename)
}

var nameReplacer = strings.NewReplacer("/", "_", "\\", "_")

func sanitizeName(name string) string {
	return nameReplacer.Replace(strings.TrimSpace(name))
}
