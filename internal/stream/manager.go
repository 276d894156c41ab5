// Package stream tracks the transcode jobs running in the process, providing
// create/get/cancel/remove/list operations used by the command and the
// status API.
package stream

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/reel/internal/pipeline"
)

// Entry is a registered job.
type Entry struct {
	Key       string
	StartedAt time.Time
	Job       *pipeline.Job
	cancel    context.CancelFunc
	done      chan struct{}
}

// Done is closed when the entry is removed.
func (e *Entry) Done() <-chan struct{} { return e.done }

// Manager manages the lifecycle of running jobs.
type Manager struct {
	log  *slog.Logger
	mu   sync.RWMutex
	jobs map[string]*Entry
}

// NewManager creates a new job manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:  log.With("component", "job-manager"),
		jobs: make(map[string]*Entry),
	}
}

// Create registers job under key with the function that cancels it.
// Returns the entry and true if created, or nil and false if a job with
// this key already exists.
func (m *Manager) Create(key string, job *pipeline.Job, cancel context.CancelFunc) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[key]; ok {
		m.log.Warn("job already exists, rejecting duplicate", "key", key)
		return nil, false
	}
	if cancel == nil {
		cancel = func() {}
	}

	e := &Entry{
		Key:       key,
		StartedAt: time.Now(),
		Job:       job,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.jobs[key] = e
	m.log.Info("job created", "key", key)
	return e, true
}

// Get returns the job registered under key.
func (m *Manager) Get(key string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[key]
	return e, ok
}

// Cancel cancels the job registered under key. It reports whether the job
// exists. The entry stays registered until Remove.
func (m *Manager) Cancel(key string) bool {
	e, ok := m.Get(key)
	if !ok {
		return false
	}
	e.cancel()
	m.log.Info("job cancel requested", "key", key)
	return true
}

// Remove removes a job from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	e, ok := m.jobs[key]
	if ok {
		delete(m.jobs, key)
	}
	m.mu.Unlock()

	if ok {
		close(e.done)
		m.log.Info("job removed", "key", key)
	}
}

// List returns all registered jobs ordered by key.
func (m *Manager) List() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		jobs = append(jobs, e)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Key < jobs[k].Key })
	return jobs
}
