package workspacestore

import "sync"

// StartLocks is a registry of per-project session-start locks. Unlike
// internal/workdirlock's blocking Lock/Unlock (used while a task
// actually runs in a workDir), this registry is non-blocking: it
// answers spec.md §4.5 step 1's "reject a concurrent session start if
// policy forbids it" with a single TryLock call that a REST handler
// maps directly to a 409.
type StartLocks struct {
	mu      sync.Mutex
	holders map[string]bool
}

// NewStartLocks constructs an empty registry.
func NewStartLocks() *StartLocks {
	return &StartLocks{holders: make(map[string]bool)}
}

// TryLock attempts to claim the start lock for a project slug. It
// returns true if the lock was acquired, false if another session
// start already holds it.
func (l *StartLocks) TryLock(slug string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[slug] {
		return false
	}
	l.holders[slug] = true
	return true
}

// Unlock releases the start lock for a project slug. Unlocking a slug
// that isn't held is a no-op.
func (l *StartLocks) Unlock(slug string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.holders, slug)
}

// Locked reports whether a project slug's start lock is currently held.
func (l *StartLocks) Locked(slug string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[slug]
}

// Count returns the number of project slugs currently holding a start
// lock, for the "GET /api/health" activeLocks field.
func (l *StartLocks) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}
