// Package registry holds the in-memory progress table consumed by polling
// clients. It replaces the usual global task map with an injected value so
// tests and the scheduler service can share one instance explicitly.
package registry

import (
	"errors"
	"sync"

	"seedpanel/internal/domain"
)

var ErrNotFound = errors.New("task not found")

type entry struct {
	mu       sync.Mutex
	kind     domain.OperationKind
	groupID  int64
	status   domain.TaskStatus
	total    int
	procd    int
	success  int
	failed   int
	results  []domain.Outcome
	messages []string
}

// Registry is a thread-safe table of task id to mutable progress record.
// All units of a batch append concurrently; every counter mutation happens
// under the entry lock.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*entry
}

func New() *Registry {
	return &Registry{tasks: make(map[string]*entry)}
}

// Create registers a fresh running entry for a task.
func (r *Registry) Create(id string, kind domain.OperationKind, groupID int64, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = &entry{
		kind:    kind,
		groupID: groupID,
		status:  domain.StatusRunning,
		total:   total,
	}
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	return e, ok
}

// Get returns a snapshot of the counters without touching the buffers.
func (r *Registry) Get(id string) (domain.Progress, error) {
	e, ok := r.lookup(id)
	if !ok {
		return domain.Progress{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progressLocked(), nil
}

func (e *entry) progressLocked() domain.Progress {
	return domain.Progress{
		Kind:      e.kind,
		GroupID:   e.groupID,
		Status:    e.status,
		Total:     e.total,
		Processed: e.procd,
		Success:   e.success,
		Failed:    e.failed,
	}
}

// AppendResult records one settled unit: processed always increments, and
// exactly one of success/failed does, keyed on the outcome's liveness.
func (r *Registry) AppendResult(id string, o domain.Outcome) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.procd++
	if o.IsLive {
		e.success++
	} else {
		e.failed++
	}
	e.results = append(e.results, o)
}

// AppendMessage adds a transient line for polling clients (countdowns,
// skipped files, admin errors).
func (r *Registry) AppendMessage(id, text string) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = append(e.messages, text)
}

// AdjustTotal shifts the expected unit count by delta (pre-flight skips of
// empty filenames). The total never goes below zero.
func (r *Registry) AdjustTotal(id string, delta int) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.total += delta
	if e.total < 0 {
		e.total = 0
	}
}

// Drain returns the progress snapshot together with everything appended since
// the previous drain, and clears both buffers. Delivery is at-most-once per
// item; callers accumulate client-side.
func (r *Registry) Drain(id string) (domain.Progress, []domain.Outcome, []string, error) {
	e, ok := r.lookup(id)
	if !ok {
		return domain.Progress{}, nil, nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	results, messages := e.results, e.messages
	e.results, e.messages = nil, nil
	return e.progressLocked(), results, messages, nil
}

// SetStatus updates the task status. Terminal statuses are sticky: the
// runner's final "completed" must not resurrect a stop or a failure.
func (r *Registry) SetStatus(id string, s domain.TaskStatus) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status.Terminal() {
		return
	}
	e.status = s
}

// Status reads the current status flag; the runner polls this at every
// suspension point.
func (r *Registry) Status(id string) domain.TaskStatus {
	e, ok := r.lookup(id)
	if !ok {
		return domain.StatusFailed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Active lists tasks that are running or freshly stopped, keyed by id.
func (r *Registry) Active() map[string]domain.Progress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.Progress)
	for id, e := range r.tasks {
		e.mu.Lock()
		if e.status == domain.StatusRunning || e.status == domain.StatusStopped {
			out[id] = e.progressLocked()
		}
		e.mu.Unlock()
	}
	return out
}

// AnyRunning reports whether some task is still scheduling work. Session
// deletion is refused while this holds.
func (r *Registry) AnyRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.tasks {
		e.mu.Lock()
		running := e.status == domain.StatusRunning
		e.mu.Unlock()
		if running {
			return true
		}
	}
	return false
}

// Delete removes a task entry entirely.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}
