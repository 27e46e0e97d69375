package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/maneesh/labdrop/internal/models"
)

// nextFunc blocks until the source has a new result set.
type nextFunc func(ctx context.Context) ([]models.FileRecord, error)

// subscription pumps result sets from a source to the Items channel on its
// own goroutine. release runs exactly once when the pump exits, on every path.
type subscription struct {
	items   chan []models.FileRecord
	cancel  context.CancelFunc
	stopped chan struct{}
	closed  atomic.Bool
	once    sync.Once

	mu  sync.Mutex
	err error
}

func startSubscription(ctx context.Context, next nextFunc, release func()) *subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		items:   make(chan []models.FileRecord),
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	go s.run(ctx, next, release)
	return s
}

func (s *subscription) run(ctx context.Context, next nextFunc, release func()) {
	defer close(s.stopped)
	defer close(s.items)
	defer release()

	for {
		items, err := next(ctx)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		select {
		case s.items <- items:
		case <-ctx.Done():
			s.fail(ctx, ctx.Err())
			return
		}
	}
}

func (s *subscription) fail(ctx context.Context, err error) {
	if s.closed.Load() {
		return
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = ctx.Err()
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *subscription) Items() <-chan []models.FileRecord {
	return s.items
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the pump and waits for it to release its resources. Calling
// it more than once is a no-op.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		<-s.stopped
	})
	return nil
}
