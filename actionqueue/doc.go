// Package actionqueue implements a delayed action queue, which runs actions
// serially, on a single worker goroutine, in order of their target time.
//
// Routing all access to a resource through a Queue serializes that access,
// without further locking. Pending actions may be cancelled by identifier,
// and Queue.Wait may be used to drain the queue, during which new actions are
// rejected with ErrResourceExhausted, as they are when the (optional)
// capacity is reached.
//
// Closing a Queue does not wait for pending actions, which are discarded.
//
// Panics raised by actions are recovered by the worker, reported via
// Config.OnPanic, and logged (if a logger is configured). They do not affect
// other actions.
//
// See also RepeatingAction, which reschedules an action every period, until
// stopped.
package actionqueue
