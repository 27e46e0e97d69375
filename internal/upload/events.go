package upload

import (
	"sync"

	"github.com/maneesh/labdrop/internal/progress"
)

// EventKind tells which part of an Event changed.
type EventKind string

const (
	EventState    EventKind = "state"
	EventProgress EventKind = "progress"
	EventNotice   EventKind = "notice"
)

// Event is one observation of a task.
type Event struct {
	Kind     EventKind            `json:"kind"`
	State    State                `json:"state"`
	Progress progress.Observation `json:"progress"`
	Notice   string               `json:"notice,omitempty"`
	Err      error                `json:"-"`
}

// hub fans events out to subscribers. Every subscriber has its own
// unbounded queue, so a slow reader never stalls the pipeline or loses a
// state transition.
type hub struct {
	mu     sync.Mutex
	feeds  map[*feed]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{feeds: make(map[*feed]struct{})}
}

// subscribe registers a feed primed with the given events. After the hub is
// closed the feed still delivers the primer and then ends.
func (h *hub) subscribe(primer ...Event) (<-chan Event, func()) {
	f := &feed{
		queue:  primer,
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		stop:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		f.final = true
	} else {
		h.feeds[f] = struct{}{}
	}
	h.mu.Unlock()

	go f.pump()

	unsubscribe := func() {
		h.mu.Lock()
		delete(h.feeds, f)
		h.mu.Unlock()
		f.once.Do(func() { close(f.stop) })
	}
	return f.out, unsubscribe
}

func (h *hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for f := range h.feeds {
		f.push(e, false)
	}
}

// close ends every feed once its queue is drained.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for f := range h.feeds {
		f.push(Event{}, true)
	}
	h.feeds = make(map[*feed]struct{})
}

type feed struct {
	mu     sync.Mutex
	queue  []Event
	final  bool
	signal chan struct{}
	out    chan Event
	stop   chan struct{}
	once   sync.Once
}

func (f *feed) push(e Event, final bool) {
	f.mu.Lock()
	if final {
		f.final = true
	} else {
		f.queue = append(f.queue, e)
	}
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *feed) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.queue) > 0 {
			e := f.queue[0]
			f.queue = f.queue[1:]
			f.mu.Unlock()
			select {
			case f.out <- e:
			case <-f.stop:
				return
			}
			continue
		}
		final := f.final
		f.mu.Unlock()
		if final {
			return
		}
		select {
		case <-f.signal:
		case <-f.stop:
			return
		}
	}
}
