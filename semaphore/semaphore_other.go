//go:build !unix

package semaphore

import (
	"context"
)

// Semaphore is a handle to a named semaphore. It is unsupported on this
// platform.
type Semaphore struct {
	name string
}

// Open always fails with ErrUnsupported, on this platform.
func Open(name string, value int, config *Config) (*Semaphore, error) {
	if _, err := cleanName(name); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (x *Semaphore) Name() string                   { return x.name }
func (x *Semaphore) Value() int                     { return 0 }
func (x *Semaphore) TryLock() (bool, error)         { return false, ErrUnsupported }
func (x *Semaphore) Lock(ctx context.Context) error { return ErrUnsupported }
func (x *Semaphore) Unlock() error                  { return ErrUnsupported }
func (x *Semaphore) Close() error                   { return nil }
