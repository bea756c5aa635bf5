// Package lock provides scope-guard helpers for sync.Locker implementations.
package lock

import (
	"sync"
)

// TryLocker is a sync.Locker that supports non-blocking acquisition, e.g.
// *sync.Mutex.
type TryLocker interface {
	sync.Locker
	TryLock() bool
}

// Locked calls fn while holding l, releasing it even if fn panics.
func Locked(l sync.Locker, fn func()) {
	l.Lock()
	defer l.Unlock()
	fn()
}

// LockedValue is Locked, returning the result of fn.
func LockedValue[T any](l sync.Locker, fn func() T) T {
	l.Lock()
	defer l.Unlock()
	return fn()
}

// TryLock attempts to acquire l, without blocking. If ok is true, unlock
// must be called to release it. Calling unlock more than once is safe.
func TryLock(l TryLocker) (unlock func(), ok bool) {
	if !l.TryLock() {
		return nil, false
	}
	return sync.OnceFunc(l.Unlock), true
}

// IfLocked calls fn, if l can be acquired without blocking, reporting
// whether it was called. The lock is released even if fn panics.
func IfLocked(l TryLocker, fn func()) bool {
	if !l.TryLock() {
		return false
	}
	defer l.Unlock()
	fn()
	return true
}
