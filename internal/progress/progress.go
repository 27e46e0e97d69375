package progress

import (
	"io"
	"math"
	"sync"
)

// Observation is one (transferredBytes, totalBytes) sample. Total <= 0 means
// the size is unknown.
type Observation struct {
	Transferred int64 `json:"transferred"`
	Total       int64 `json:"total"`
}

// Percent returns round(100 * transferred / total) clamped to [0,100].
// ok is false when the total is unknown.
func (o Observation) Percent() (pct int, ok bool) {
	if o.Total <= 0 {
		return 0, false
	}
	p := int(math.Round(100 * float64(o.Transferred) / float64(o.Total)))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p, true
}

// Tracker accumulates transferred bytes and reports each change. Reported
// values never decrease.
type Tracker struct {
	mu          sync.Mutex
	transferred int64
	total       int64
	notify      func(Observation)
}

// NewTracker creates a tracker for a transfer of total bytes.
func NewTracker(total int64, notify func(Observation)) *Tracker {
	return &Tracker{total: total, notify: notify}
}

// Add records n more transferred bytes. Non-positive n is ignored.
func (t *Tracker) Add(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.transferred += n
	obs := Observation{Transferred: t.transferred, Total: t.total}
	// notify under the lock so observers see values in order
	if t.notify != nil {
		t.notify(obs)
	}
	t.mu.Unlock()
}

// Set moves the counter to an absolute value reported by a transport.
// Values lower than the current count are ignored.
func (t *Tracker) Set(transferred int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if transferred <= t.transferred {
		return
	}
	t.transferred = transferred
	if t.notify != nil {
		t.notify(Observation{Transferred: t.transferred, Total: t.total})
	}
}

// Current returns the latest observation.
func (t *Tracker) Current() Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Observation{Transferred: t.transferred, Total: t.total}
}

// Read counts len(p) bytes as transferred. It lets the tracker act as a
// progress sink for clients that report upload progress by reading from an
// io.Reader.
func (t *Tracker) Read(p []byte) (int, error) {
	t.Add(int64(len(p)))
	return len(p), nil
}

// Reader wraps r so that bytes are counted as they are consumed.
func (t *Tracker) Reader(r io.Reader) io.Reader {
	return &countingReader{r: r, t: t}
}

type countingReader struct {
	r io.Reader
	t *Tracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.t.Add(int64(n))
	return n, err
}
