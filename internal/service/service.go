// Package service wires the collection, search, upload and deletion
// components into the surface the HTTP layer calls.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maneesh/labdrop/internal/collection"
	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/deletion"
	"github.com/maneesh/labdrop/internal/filter"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/models"
	"github.com/maneesh/labdrop/internal/resolver"
	"github.com/maneesh/labdrop/internal/search"
	"github.com/maneesh/labdrop/internal/storage"
	"github.com/maneesh/labdrop/internal/upload"
)

// Deps are the collaborators and settings a Service is built from.
type Deps struct {
	Objects storage.ObjectStore
	Records storage.RecordStore
	// Cache is optional.
	Cache  resolver.Cache
	Logger logging.Logger

	AccessURLTTL       time.Duration
	URLCacheTTL        time.Duration
	ResolveConcurrency int
	KeyPrefix          string
	OrphanGracePeriod  time.Duration
	// ReopenDelay is the first wait before the local view is reopened after
	// its live query failed. It doubles per attempt up to maxReopenDelay.
	ReopenDelay time.Duration
}

const (
	defaultReopenDelay = 500 * time.Millisecond
	maxReopenDelay     = 30 * time.Second
)

// Service ties uploads, live collections, search and deletion to one pair
// of stores.
type Service struct {
	records  storage.RecordStore
	log      logging.Logger
	resolver *resolver.Resolver
	pipeline *upload.Pipeline
	search   *search.Engine
	deletion *deletion.Coordinator
	local    *collection.Collection
	reopen   time.Duration

	mu          sync.Mutex
	main        *collection.Handle
	ready       chan struct{}
	readyOnce   sync.Once
	stop        chan struct{}
	collections map[*collection.Collection]struct{}
	tasks       map[string]*upload.Task
	closed      bool
}

// New builds a Service. Start must be called before Search.
func New(deps Deps) (*Service, error) {
	if deps.Objects == nil || deps.Records == nil {
		return nil, errors.New("object store and record store are required")
	}
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	ttl := deps.AccessURLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	resolverOpts := []resolver.Option{
		resolver.WithConcurrency(deps.ResolveConcurrency),
		resolver.WithLogger(log.With("component", "resolver")),
	}
	if deps.Cache != nil {
		resolverOpts = append(resolverOpts, resolver.WithCache(deps.Cache, deps.URLCacheTTL))
	}
	res := resolver.New(deps.Objects, ttl, resolverOpts...)

	uploadOpts := []upload.Option{upload.WithLogger(log.With("component", "upload"))}
	if deps.KeyPrefix != "" {
		uploadOpts = append(uploadOpts, upload.WithKeyPrefix(deps.KeyPrefix))
	}
	deletionOpts := []deletion.Option{
		deletion.WithResolver(res),
		deletion.WithLogger(log.With("component", "deletion")),
	}
	if deps.OrphanGracePeriod > 0 {
		deletionOpts = append(deletionOpts, deletion.WithGracePeriod(deps.OrphanGracePeriod))
	}
	reopen := deps.ReopenDelay
	if reopen <= 0 {
		reopen = defaultReopenDelay
	}

	return &Service{
		records:  deps.Records,
		log:      log,
		resolver: res,
		pipeline: upload.New(deps.Objects, deps.Records, res, uploadOpts...),
		search: search.New(
			search.WithRemote(deps.Records),
			search.WithLogger(log.With("component", "search")),
		),
		deletion:    deletion.New(deps.Objects, deps.Records, deletionOpts...),
		local:       collection.New(deps.Records, collection.WithLogger(log.With("component", "collection"))),
		reopen:      reopen,
		ready:       make(chan struct{}),
		stop:        make(chan struct{}),
		collections: make(map[*collection.Collection]struct{}),
		tasks:       make(map[string]*upload.Task),
	}, nil
}

// Start opens the service's own live view, used as the local snapshot for
// searches.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return common.ErrClosed
	}
	if s.main != nil {
		return nil
	}

	h, err := s.local.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open local collection: %w", err)
	}
	s.main = h

	go s.watch(h)
	return nil
}

// watch drains the local view and reopens it whenever its live query fails.
// Until a reopened handle has a snapshot, searches use the previous one.
func (s *Service) watch(h *collection.Handle) {
	ctx := context.Background()
	for h != nil {
		first := true
		for range h.Snapshots() {
			if first {
				first = false
				s.mu.Lock()
				if !s.closed {
					s.main = h
				}
				s.mu.Unlock()
				s.readyOnce.Do(func() { close(s.ready) })
			}
		}
		err := h.Err()
		if err == nil {
			return
		}
		s.log.Error(ctx, "local collection ended", "error", err)
		h = s.reopenLocal(ctx)
	}
}

// reopenLocal retries opening the local view with exponential backoff until
// it succeeds or the service is closed, in which case it returns nil.
func (s *Service) reopenLocal(ctx context.Context) *collection.Handle {
	delay := s.reopen
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-s.stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}

		h, err := s.local.Open(ctx)
		if err == nil {
			s.log.Info(ctx, "local collection reopened", "attempt", attempt)
			return h
		}
		if errors.Is(err, common.ErrClosed) {
			return nil
		}
		s.log.Warn(ctx, "local collection reopen failed", "attempt", attempt, "retry_in", delay, "error", err)
		delay *= 2
		if delay > maxReopenDelay {
			delay = maxReopenDelay
		}
	}
}

// Close releases every live handle and cancels uploads that can still be
// cancelled.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	colls := make([]*collection.Collection, 0, len(s.collections))
	for c := range s.collections {
		colls = append(colls, c)
	}
	tasks := make([]*upload.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		_ = t.Cancel()
	}
	for _, c := range colls {
		c.Close()
	}
	return s.local.Close()
}

// OpenCollection opens a live handle over the records matching set. Every
// snapshot carries resolved access URLs.
func (s *Service) OpenCollection(ctx context.Context, set filter.Set) (*collection.Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, common.ErrClosed
	}
	c := collection.New(s.records,
		collection.WithFilter(set),
		collection.WithResolver(s.resolver),
		collection.WithLogger(s.log.With("component", "collection")),
	)
	s.collections[c] = struct{}{}
	s.mu.Unlock()

	h, err := c.Open(ctx)
	if err != nil {
		s.forget(c)
		return nil, err
	}
	go func() {
		<-h.Done()
		s.forget(c)
	}()
	return h, nil
}

func (s *Service) forget(c *collection.Collection) {
	s.mu.Lock()
	delete(s.collections, c)
	s.mu.Unlock()
}

// Search returns the records matching set, newest first. It waits for the
// local view's first snapshot.
func (s *Service) Search(ctx context.Context, set filter.Set) ([]models.FileRecord, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.search.Search(ctx, snap, set)
}

func (s *Service) snapshot(ctx context.Context) (collection.Snapshot, error) {
	s.mu.Lock()
	main, closed := s.main, s.closed
	s.mu.Unlock()
	if closed {
		return collection.Snapshot{}, common.ErrClosed
	}
	if main == nil {
		return collection.Snapshot{}, fmt.Errorf("service: %w", common.ErrNotStarted)
	}

	select {
	case <-s.ready:
	case <-main.Done():
	case <-ctx.Done():
		return collection.Snapshot{}, ctx.Err()
	}
	snap, ok := main.Latest()
	if !ok {
		err := main.Err()
		if err == nil {
			err = common.ErrClosed
		}
		return collection.Snapshot{}, fmt.Errorf("local collection unavailable: %w", err)
	}
	return snap, nil
}

// StartUpload begins uploading file. ctx bounds the transfer only.
func (s *Service) StartUpload(ctx context.Context, file upload.File) (*upload.Task, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, common.ErrClosed
	}

	t, err := s.pipeline.Upload(ctx, file)
	if err != nil {
		return nil, err
	}
	s.track(t)
	return t, nil
}

// RetryCommit re-runs the commit of a task that failed while committing.
func (s *Service) RetryCommit(ctx context.Context, id string) (*upload.Task, error) {
	failed, ok := s.Task(id)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, common.ErrTaskNotFound)
	}
	t, err := s.pipeline.RetryCommit(ctx, failed)
	if err != nil {
		return nil, err
	}
	s.track(t)
	return t, nil
}

func (s *Service) track(t *upload.Task) {
	s.mu.Lock()
	s.tasks[t.ID()] = t
	s.mu.Unlock()
}

// CancelUpload cancels a tracked upload task.
func (s *Service) CancelUpload(id string) error {
	t, ok := s.Task(id)
	if !ok {
		return fmt.Errorf("task %s: %w", id, common.ErrTaskNotFound)
	}
	return t.Cancel()
}

// Task returns a tracked upload task.
func (s *Service) Task(id string) (*upload.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// ClearTask drops a finished task from the registry.
func (s *Service) ClearTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, common.ErrTaskNotFound)
	}
	if !t.State().Terminal() {
		return fmt.Errorf("task %s is %s: %w", id, t.State(), common.ErrTaskActive)
	}
	delete(s.tasks, id)
	return nil
}

// DeleteRecord deletes rec and its object.
func (s *Service) DeleteRecord(ctx context.Context, rec models.FileRecord) deletion.Outcome {
	return s.deletion.Delete(ctx, rec)
}

// DeleteByID looks the record up and deletes it.
func (s *Service) DeleteByID(ctx context.Context, id string) (deletion.Outcome, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return deletion.Outcome{}, err
	}
	return s.deletion.Delete(ctx, rec), nil
}

// FindOrphans lists objects and records that have lost their counterpart.
func (s *Service) FindOrphans(ctx context.Context) (deletion.Report, error) {
	return s.deletion.FindOrphans(ctx)
}
