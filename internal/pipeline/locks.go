package pipeline

import (
	"sort"
	"sync"
)

// FileLockManager serializes chunks that declare overlapping target paths.
// Each path gets its own mutex, so chunks writing disjoint files run fully
// in parallel while chunks sharing a target take turns.
type FileLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-path mutexes
}

// NewFileLockManager creates an empty FileLockManager.
func NewFileLockManager() *FileLockManager {
	return &FileLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for the given path, creating it on first use.
func (m *FileLockManager) Lock(path string) {
	m.mu.Lock()
	pathLock, exists := m.locks[path]
	if !exists {
		pathLock = &sync.Mutex{}
		m.locks[path] = pathLock
	}
	m.mu.Unlock()

	// Acquire outside the manager lock to avoid contention.
	pathLock.Lock()
}

// Unlock releases the mutex for the given path.
func (m *FileLockManager) Unlock(path string) {
	m.mu.Lock()
	pathLock, exists := m.locks[path]
	m.mu.Unlock()

	if exists {
		pathLock.Unlock()
	}
}

// LockAll acquires locks for all given paths. Paths are sorted
// lexicographically before acquisition so two chunks locking overlapping
// sets can never deadlock.
func (m *FileLockManager) LockAll(paths []string) {
	if len(paths) == 0 {
		return
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	for _, path := range sorted {
		m.Lock(path)
	}
}

// UnlockAll releases locks for all given paths in reverse sorted order.
func (m *FileLockManager) UnlockAll(paths []string) {
	if len(paths) == 0 {
		return
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	for i := len(sorted) - 1; i >= 0; i-- {
		m.Unlock(sorted[i])
	}
}
