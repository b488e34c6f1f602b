package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/types"
)

const janitorInterval = time.Minute

// Memory is the in-process job store. A janitor goroutine sweeps expired
// records so memory does not grow unbounded between Gets.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*types.Job

	logger *zap.Logger
	stop   chan struct{}
	done   chan struct{}
	closed bool
	now    func() time.Time
}

// NewMemory creates an in-memory store and starts its janitor.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Memory{
		jobs:   make(map[string]*types.Job),
		logger: logger.With(zap.String("component", "store"), zap.String("backend", "memory")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	defer close(m.done)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, job := range m.jobs {
		if job.Expired(now) {
			delete(m.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("swept expired jobs", zap.Int("removed", removed))
	}
}

// Create implements Store.
func (m *Memory) Create(_ context.Context, job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.NewError(types.ErrStoreClosed, "store is closed")
	}
	if _, exists := m.jobs[job.ID]; exists {
		return duplicateID(job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, id string) (*types.Job, error) {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()

	if !ok || job.Expired(m.now()) {
		return nil, notFound(id)
	}
	return job.Clone(), nil
}

// Update implements Store.
func (m *Memory) Update(_ context.Context, id string, mutate Mutation) (*types.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, types.NewError(types.ErrStoreClosed, "store is closed")
	}
	current, ok := m.jobs[id]
	if !ok || current.Expired(m.now()) {
		return nil, notFound(id)
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := checkTransition(current.Status, next.Status); err != nil {
		return nil, err
	}

	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = m.now().UTC()
	m.jobs[id] = next

	return next.Clone(), nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

// CountActive implements Store.
func (m *Memory) CountActive(_ context.Context) (int, error) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, job := range m.jobs {
		if job.Expired(now) {
			continue
		}
		if job.Status == types.StatusPending || job.Status == types.StatusRunning {
			count++
		}
	}
	return count, nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	<-m.done
	return nil
}
