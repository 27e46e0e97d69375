package upload

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/maneesh/labdrop/internal/common"
	"github.com/maneesh/labdrop/internal/models"
	"github.com/maneesh/labdrop/internal/progress"
)

// State is a step of the upload state machine.
type State string

const (
	StateIdle         State = "idle"
	StateSelected     State = "selected"
	StateTransferring State = "transferring"
	StateCommitting   State = "committing"
	StateResolvingURL State = "resolvingUrl"
	StateComplete     State = "complete"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// File is a user selection: the bytes to send and their declared metadata.
type File struct {
	Name   string
	Type   string
	ShipTo string
	// Size is the declared byte count, or -1 when unknown.
	Size int64
	Body io.Reader
}

// Status is a point-in-time view of a task.
type Status struct {
	ID          string               `json:"id"`
	State       State                `json:"state"`
	Filename    string               `json:"filename"`
	Key         string               `json:"key,omitempty"`
	Progress    progress.Observation `json:"progress"`
	Percent     *int                 `json:"percent,omitempty"`
	Record      *models.FileRecord   `json:"record,omitempty"`
	URL         string               `json:"url,omitempty"`
	Notice      string               `json:"notice,omitempty"`
	FailedPhase common.Phase         `json:"failedPhase,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// Task is one upload attempt. Terminal states are absorbing; a retry is a new
// Task.
type Task struct {
	id   string
	file File

	mu        sync.Mutex
	state     State
	key       string
	size      int64
	obs       progress.Observation
	record    *models.FileRecord
	url       string
	notice    string
	err       error
	abort     context.CancelFunc
	cancelReq bool

	events *hub
	done   chan struct{}
}

func newTask(file File) *Task {
	if file.Size < 0 {
		file.Size = -1
	}
	return &Task{
		id:     uuid.New().String(),
		file:   file,
		state:  StateIdle,
		size:   -1,
		obs:    progress.Observation{Total: file.Size},
		events: newHub(),
		done:   make(chan struct{}),
	}
}

// ID returns the task identifier.
func (t *Task) ID() string {
	return t.id
}

// File returns the selected file. Body is nil once the task has finished.
func (t *Task) File() File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Key returns the storage key, empty until the transfer starts.
func (t *Task) Key() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key
}

// Progress returns the latest transfer observation.
func (t *Task) Progress() progress.Observation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.obs
}

// Record returns the committed record once the commit succeeded.
func (t *Task) Record() (models.FileRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.record == nil {
		return models.FileRecord{}, false
	}
	return *t.record, true
}

// URL returns the resolved access URL. It is empty when resolution failed or
// the object is not readable by the caller.
func (t *Task) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// Notice returns the non-fatal message set when URL resolution failed.
func (t *Task) Notice() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notice
}

// Err returns the terminal failure: a *common.PhaseError for Failed tasks and
// common.ErrCancelled for cancelled ones.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task is terminal or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events streams state, progress and notice events. The stream starts with
// the current state and ends after the terminal state has been delivered.
// stop releases the stream early.
func (t *Task) Events() (events <-chan Event, stop func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events.subscribe(Event{Kind: EventState, State: t.state, Progress: t.obs, Err: t.err})
}

// Cancel abandons the task. It is allowed while Selected or Transferring; an
// in-flight transfer is aborted and the task settles in Cancelled shortly
// after. Once the commit has begun it returns common.ErrNotCancellable.
func (t *Task) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateIdle, StateSelected:
		t.finishLocked(StateCancelled, common.ErrCancelled)
		return nil
	case StateTransferring:
		if !t.cancelReq {
			t.cancelReq = true
			if t.abort != nil {
				t.abort()
			}
		}
		return nil
	case StateCommitting, StateResolvingURL:
		return common.ErrNotCancellable
	default:
		return common.ErrTaskFinished
	}
}

// Status returns a JSON-ready summary of the task.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := Status{
		ID:       t.id,
		State:    t.state,
		Filename: t.file.Name,
		Key:      t.key,
		Progress: t.obs,
		Record:   t.record,
		URL:      t.url,
		Notice:   t.notice,
	}
	if pct, ok := t.obs.Percent(); ok {
		st.Percent = &pct
	}
	if t.err != nil {
		st.Error = t.err.Error()
		if pe, ok := t.err.(*common.PhaseError); ok {
			st.FailedPhase = pe.Phase
		}
	}
	return st
}

// transition moves to next unless the task is already terminal.
func (t *Task) transition(next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = next
	t.events.publish(Event{Kind: EventState, State: next, Progress: t.obs})
	return true
}

func (t *Task) observe(o progress.Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o.Transferred < t.obs.Transferred {
		return
	}
	t.obs = o
	t.events.publish(Event{Kind: EventProgress, State: t.state, Progress: o})
}

func (t *Task) finish(state State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(state, err)
}

func (t *Task) finishLocked(state State, err error) {
	if t.state.Terminal() {
		return
	}
	t.state = state
	t.err = err
	// the body belongs to the request that started the task
	t.file.Body = nil
	t.events.publish(Event{Kind: EventState, State: state, Progress: t.obs, Notice: t.notice, Err: err})
	t.events.close()
	close(t.done)
}
