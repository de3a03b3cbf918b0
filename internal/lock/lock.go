package lock

import "sync"

// Manager hands out one mutex per project, created lazily on first use.
// Operations on the same project are strictly serialized; distinct projects
// never contend.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager returns an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*sync.Mutex)}
}

// Acquire blocks until the project's lock is held and returns the release
// func. The caller must invoke it exactly once.
func (m *Manager) Acquire(project string) func() {
	m.mu.Lock()
	l, ok := m.locks[project]
	if !ok {
		l = &sync.Mutex{}
		m.locks[project] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
