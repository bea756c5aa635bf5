// Package semaphore implements named counting semaphores, shared between
// processes on the same host.
//
// A semaphore is a directory of slot files, named after the semaphore, each
// slot being held via an exclusive flock(2). Whichever process first opens a
// given name determines its value. Locks are released by the kernel if the
// holding process exits.
package semaphore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
)

// Config models optional configuration, for Open.
type Config struct {
	// Logger is used to report failures during Close.
	// Logging is disabled, if nil.
	Logger *logiface.Logger[logiface.Event]

	// Dir is the directory that contains the named semaphores.
	// **Defaults to a directory under os.TempDir(), if empty.**
	Dir string

	// InitialInterval is the first delay between attempts, by Lock.
	// **Defaults to 1ms, if 0.**
	InitialInterval time.Duration

	// MaxInterval is the maximum delay between attempts, by Lock.
	// **Defaults to 100ms, if 0.**
	MaxInterval time.Duration
}

var (
	// ErrInvalidName is returned by Open, if the name is empty, or contains a
	// path separator (other than a leading slash, which is ignored).
	ErrInvalidName = errors.New(`semaphore: invalid name`)

	// ErrInvalidValue is returned by Open, for a value that is not positive.
	ErrInvalidValue = errors.New(`semaphore: invalid value`)

	// ErrNotLocked is returned by Unlock, if the handle holds no slots.
	ErrNotLocked = errors.New(`semaphore: not locked`)

	// ErrClosed is returned after Close.
	ErrClosed = errors.New(`semaphore: closed`)

	// ErrUnsupported is returned by Open on platforms without flock(2).
	ErrUnsupported = errors.New(`semaphore: unsupported platform`)
)

const slotSuffix = `.slot`

func defaultDir() string {
	return filepath.Join(os.TempDir(), `go-thread-semaphore`)
}

func cleanName(name string) (string, error) {
	name = strings.TrimPrefix(name, `/`)
	if name == `` || name == `.` || name == `..` || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, `.`) {
		return ``, ErrInvalidName
	}
	return name, nil
}
