package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-reachy-daemon/pkg/backend"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskDone      TaskState = "done"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
	// TaskRejected means the backend was busy with another move. The
	// request was a no-op, not a failure.
	TaskRejected TaskState = "rejected"
)

// TaskInfo describes one task.
type TaskInfo struct {
	UUID     uuid.UUID `json:"uuid"`
	Kind     string    `json:"kind"`
	State    TaskState `json:"state"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
}

type taskEntry struct {
	info   TaskInfo
	cancel context.CancelFunc
}

// Tasks is the table of tasks a server has run since it started. It is
// cleared when the server closes.
type Tasks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*taskEntry
}

func newTasks() *Tasks {
	return &Tasks{m: make(map[uuid.UUID]*taskEntry)}
}

// Get returns one task.
func (t *Tasks) Get(id uuid.UUID) (TaskInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[id]
	if !ok {
		return TaskInfo{}, false
	}
	return e.info, true
}

// List returns every task, oldest first.
func (t *Tasks) List() []TaskInfo {
	t.mu.Lock()
	out := make([]TaskInfo, 0, len(t.m))
	for _, e := range t.m {
		out = append(out, e.info)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Running returns how many tasks are still running.
func (t *Tasks) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.m {
		if e.info.State == TaskRunning {
			n++
		}
	}
	return n
}

// Cancel stops a running task. It reports false for unknown or finished
// tasks.
func (t *Tasks) Cancel(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[id]
	if !ok || e.info.State != TaskRunning {
		return false
	}
	e.cancel()
	return true
}

func (t *Tasks) start(id uuid.UUID, kind string, cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.m[id]; ok && e.info.State == TaskRunning {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	t.m[id] = &taskEntry{
		info:   TaskInfo{UUID: id, Kind: kind, State: TaskRunning, Started: time.Now()},
		cancel: cancel,
	}
	return nil
}

func (t *Tasks) finish(id uuid.UUID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[id]
	if !ok {
		return
	}
	e.info.Finished = time.Now()
	switch {
	case err == nil:
		e.info.State = TaskDone
	case errors.Is(err, backend.ErrMoveRunning):
		e.info.State = TaskRejected
		e.info.Error = err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, backend.ErrMoveCancelled):
		e.info.State = TaskCancelled
		e.info.Error = err.Error()
	default:
		e.info.State = TaskFailed
		e.info.Error = err.Error()
	}
}

func (t *Tasks) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.m {
		if e.info.State == TaskRunning {
			e.cancel()
		}
	}
}

func (t *Tasks) clear() {
	t.mu.Lock()
	t.m = make(map[uuid.UUID]*taskEntry)
	t.mu.Unlock()
}
