// Package collection keeps a local, ordered view of file records live by
// following a record-store subscription.
package collection

import (
	"context"
	"sync"

	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/filter"
	"github.com/maneesh/labdrop/internal/logging"
	"github.com/maneesh/labdrop/internal/models"
	"github.com/maneesh/labdrop/internal/resolver"
	"github.com/maneesh/labdrop/internal/storage"
)

// Collection opens live handles over the records matching its filter.
type Collection struct {
	store    storage.RecordStore
	set      filter.Set
	resolver *resolver.Resolver
	log      logging.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
}

// Option configures a Collection.
type Option func(*Collection)

// WithFilter restricts the collection to records matching set.
func WithFilter(set filter.Set) Option {
	return func(c *Collection) {
		c.set = set
	}
}

// WithResolver attaches access URLs to every snapshot.
func WithResolver(r *resolver.Resolver) Option {
	return func(c *Collection) {
		c.resolver = r
	}
}

// WithLogger sets the logger used by handles.
func WithLogger(l logging.Logger) Option {
	return func(c *Collection) {
		c.log = l
	}
}

// New creates a collection over store. It matches every record unless
// WithFilter is given.
func New(store storage.RecordStore, opts ...Option) *Collection {
	c := &Collection{
		store:   store,
		log:     logging.Nop(),
		handles: make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open starts a fresh subscription. The first snapshot reflects the store's
// state at open time; handles never resume earlier subscriptions.
func (c *Collection) Open(ctx context.Context) (*Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, common.ErrClosed
	}
	c.mu.Unlock()

	sub, err := c.store.Subscribe(ctx, c.set)
	if err != nil {
		return nil, err
	}

	h := newHandle(c, sub)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return nil, common.ErrClosed
	}
	c.handles[h] = struct{}{}
	c.mu.Unlock()

	go h.run(context.WithoutCancel(ctx))
	return h, nil
}

// Close closes every open handle and rejects further Opens.
func (c *Collection) Close() error {
	c.mu.Lock()
	c.closed = true
	handles := make([]*Handle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
	return nil
}

// OpenHandles reports how many handles are live.
func (c *Collection) OpenHandles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

func (c *Collection) remove(h *Handle) {
	c.mu.Lock()
	delete(c.handles, h)
	c.mu.Unlock()
}

// Handle is one live subscription. Snapshots are delivered in the order the
// store reports changes and are queued, never dropped or merged, when the
// consumer falls behind.
type Handle struct {
	coll      *Collection
	sub       storage.Subscription
	snapshots chan Snapshot
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once

	mu     sync.Mutex
	latest *Snapshot
	err    error

	seq      uint64
	arrivals uint64
	arrival  map[string]uint64
}

func newHandle(c *Collection, sub storage.Subscription) *Handle {
	return &Handle{
		coll:      c,
		sub:       sub,
		snapshots: make(chan Snapshot),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		arrival:   make(map[string]uint64),
	}
}

// Snapshots is closed once the handle has ended.
func (h *Handle) Snapshots() <-chan Snapshot {
	return h.snapshots
}

// Done is closed after the handle released its subscription.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Latest returns the most recent snapshot built by the handle.
func (h *Handle) Latest() (Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return Snapshot{}, false
	}
	return *h.latest, true
}

// Err reports why the handle ended on its own; nil after Close.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close releases the subscription. It is safe to call more than once.
func (h *Handle) Close() error {
	h.once.Do(func() {
		close(h.stop)
	})
	<-h.done
	return nil
}

func (h *Handle) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer close(h.done)
	defer h.coll.remove(h)
	defer close(h.snapshots)
	defer h.sub.Close()
	defer cancel()

	go func() {
		select {
		case <-h.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	in := h.sub.Items()
	var queue []Snapshot
	for {
		var out chan Snapshot
		var head Snapshot
		if len(queue) > 0 {
			out = h.snapshots
			head = queue[0]
		}

		select {
		case <-h.stop:
			return
		case out <- head:
			queue = queue[1:]
			if in == nil && len(queue) == 0 {
				return
			}
		case items, ok := <-in:
			if !ok {
				h.ended(ctx)
				in = nil
				if len(queue) == 0 {
					return
				}
				continue
			}
			snap := h.build(ctx, items)
			h.mu.Lock()
			h.latest = &snap
			h.mu.Unlock()
			queue = append(queue, snap)
		}
	}
}

func (h *Handle) ended(ctx context.Context) {
	err := h.sub.Err()
	if err == nil {
		err = common.ErrClosed
	}
	h.coll.log.Warn(ctx, "live query ended", "error", err)
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *Handle) build(ctx context.Context, items []models.FileRecord) Snapshot {
	present := make(map[string]struct{}, len(items))
	for _, r := range items {
		present[r.ID] = struct{}{}
		if _, ok := h.arrival[r.ID]; !ok {
			h.arrivals++
			h.arrival[r.ID] = h.arrivals
		}
	}
	for id := range h.arrival {
		if _, ok := present[id]; !ok {
			delete(h.arrival, id)
		}
	}

	arrival := make(map[string]uint64, len(h.arrival))
	for id, rank := range h.arrival {
		arrival[id] = rank
	}

	h.seq++
	snap := Snapshot{
		Seq:     h.seq,
		Records: append([]models.FileRecord(nil), items...),
		arrival: arrival,
	}
	snap.Sort(snap.Records)

	if h.coll.resolver != nil && len(snap.Records) > 0 {
		keys := make([]string, len(snap.Records))
		for i, r := range snap.Records {
			keys[i] = r.Key
		}
		results := h.coll.resolver.ResolveAll(ctx, keys)
		for _, res := range results {
			if res.Err != nil {
				h.coll.log.Warn(ctx, "access url not resolved", "key", res.Key, "error", res.Err)
			}
		}
		snap.Access = resolver.ByKey(results)
	}
	return snap
}
