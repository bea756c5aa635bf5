//go:build unix

package semaphore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Semaphore is a handle to a named semaphore. Each handle may hold multiple
// slots. Instances must be initialized using the Open factory, and should be
// closed using Semaphore.Close.
type Semaphore struct {
	logger          *logiface.Logger[logiface.Event]
	name            string
	path            string
	held            []*os.File
	value           int
	initialInterval time.Duration
	maxInterval     time.Duration
	mu              sync.Mutex
	closed          bool
}

var errBusy = errors.New(`semaphore: no free slots`)

// Open opens the semaphore with the given name, creating it with value
// slots, if it does not exist. The value of an existing semaphore is never
// modified. Opening does not acquire a slot.
func Open(name string, value int, config *Config) (*Semaphore, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, err
	}
	if value <= 0 {
		return nil, fmt.Errorf(`%w: %d`, ErrInvalidValue, value)
	}

	x := Semaphore{
		name:            name,
		initialInterval: time.Millisecond,
		maxInterval:     time.Millisecond * 100,
	}

	dir := defaultDir()

	if config != nil {
		x.logger = config.Logger
		if config.Dir != `` {
			dir = config.Dir
		}
		if config.InitialInterval != 0 {
			x.initialInterval = config.InitialInterval
		}
		if config.MaxInterval != 0 {
			x.maxInterval = config.MaxInterval
		}
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf(`semaphore: %w`, err)
	}

	x.path = filepath.Join(dir, name)

	if x.value, err = create(dir, x.path, value); err != nil {
		return nil, fmt.Errorf(`semaphore: %w`, err)
	}

	return &x, nil
}

// Name returns the name of the semaphore.
func (x *Semaphore) Name() string {
	return x.name
}

// Value returns the number of slots, which may differ from the value passed
// to Open, if the semaphore already existed.
func (x *Semaphore) Value() int {
	return x.value
}

// TryLock attempts to acquire a slot, without blocking.
func (x *Semaphore) TryLock() (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return false, ErrClosed
	}

	for i := range x.value {
		f, err := os.Open(x.slotPath(i))
		if err != nil {
			return false, fmt.Errorf(`semaphore: %w`, err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			_ = f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				continue
			}
			return false, fmt.Errorf(`semaphore: flock %s: %w`, f.Name(), err)
		}
		x.held = append(x.held, f)
		return true, nil
	}

	return false, nil
}

// Lock acquires a slot, polling with exponential backoff, until one is
// available, or ctx is canceled.
func (x *Semaphore) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.initialInterval
	b.MaxInterval = x.maxInterval
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		ok, err := x.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errBusy
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// Unlock releases the most recently acquired slot held by this handle.
func (x *Semaphore) Unlock() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return ErrClosed
	}
	if len(x.held) == 0 {
		return ErrNotLocked
	}

	f := x.held[len(x.held)-1]
	x.held = x.held[:len(x.held)-1]

	return release(f)
}

// Close releases any slots held by this handle, and removes the name, meaning
// subsequent calls to Open will create a new semaphore. Handles that are
// already open elsewhere continue to share the old slots, until they attempt
// to acquire, which will fail.
//
// Every failure is logged, and all of them are returned, joined.
func (x *Semaphore) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return nil
	}
	x.closed = true

	var errs []error

	for _, f := range x.held {
		if err := release(f); err != nil {
			errs = append(errs, err)
			x.logger.Err().
				Str(`name`, x.name).
				Err(err).
				Log(`semaphore: failed to release slot`)
		}
	}
	x.held = nil

	if err := os.RemoveAll(x.path); err != nil {
		err = fmt.Errorf(`semaphore: %w`, err)
		errs = append(errs, err)
		x.logger.Err().
			Str(`name`, x.name).
			Err(err).
			Log(`semaphore: failed to unlink`)
	}

	return errors.Join(errs...)
}

func (x *Semaphore) slotPath(i int) string {
	return filepath.Join(x.path, strconv.Itoa(i)+slotSuffix)
}

func release(f *os.File) error {
	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		unlockErr = fmt.Errorf(`semaphore: flock %s: %w`, f.Name(), unlockErr)
	}
	return errors.Join(unlockErr, closeErr)
}

// create initializes the semaphore at path, unless it already exists,
// returning the actual value. The slots are prepared in a temporary directory,
// which is renamed into place, so that no process observes a partial
// semaphore.
func create(dir, path string, value int) (int, error) {
	if n, err := countSlots(path); err == nil {
		return n, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}

	tmp, err := os.MkdirTemp(dir, `.`+filepath.Base(path)+`-*`)
	if err != nil {
		return 0, err
	}

	if err := func() error {
		if err := os.Chmod(tmp, 0o755); err != nil {
			return err
		}
		for i := range value {
			f, err := os.OpenFile(filepath.Join(tmp, strconv.Itoa(i)+slotSuffix), os.O_CREATE|os.O_EXCL|os.O_RDONLY, 0o644)
			if err != nil {
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
		return nil
	}(); err != nil {
		_ = os.RemoveAll(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.RemoveAll(tmp)
		// another process created it first
		if n, countErr := countSlots(path); countErr == nil {
			return n, nil
		}
		return 0, err
	}

	return value, nil
}

func countSlots(path string) (int, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, err
	}
	var n int
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), slotSuffix) {
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf(`%s: %w`, path, ErrInvalidValue)
	}
	return n, nil
}
