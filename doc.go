// Package thread is the root of a collection of concurrency utilities.
//
// The packages are:
//
//   - actionqueue: a delayed action queue, serviced by a single worker
//     goroutine, with repeating actions
//   - actionthread: a single-slot executor, returning a future per action
//   - parallel: fan-out/join, and a reusable group of workers
//   - interrupt: cooperative interruption of goroutines
//   - synchronizer: conditions, latches, and barriers with timed waits
//   - rwlock: a read/write lock with try-lock support
//   - lock: scope guards for sync.Locker
//   - semaphore: named semaphores, shared between processes
//   - signal: sending and ignoring process signals
package thread
