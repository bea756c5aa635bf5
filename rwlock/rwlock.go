// Package rwlock provides a read/write lock, exposing each side as a separate
// locker, with try-lock support.
//
// Writers are preferred: once a writer is waiting, new readers block until it
// has acquired and released the lock.
package rwlock

import (
	"sync"
)

type (
	// RWLock is a read/write lock. The zero value is an unlocked lock.
	// It must not be copied after first use.
	RWLock struct {
		mu sync.RWMutex
	}

	// ReadLocker is the shared (read) side of an RWLock.
	ReadLocker RWLock

	// WriteLocker is the exclusive (write) side of an RWLock.
	WriteLocker RWLock
)

// ReadLock returns the shared side of the lock.
func (x *RWLock) ReadLock() *ReadLocker { return (*ReadLocker)(x) }

// WriteLock returns the exclusive side of the lock.
func (x *RWLock) WriteLock() *WriteLocker { return (*WriteLocker)(x) }

func (x *ReadLocker) Lock()         { x.mu.RLock() }
func (x *ReadLocker) TryLock() bool { return x.mu.TryRLock() }
func (x *ReadLocker) Unlock()       { x.mu.RUnlock() }

func (x *WriteLocker) Lock()         { x.mu.Lock() }
func (x *WriteLocker) TryLock() bool { return x.mu.TryLock() }
func (x *WriteLocker) Unlock()       { x.mu.Unlock() }
