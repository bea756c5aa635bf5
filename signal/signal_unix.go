//go:build unix

package signal

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Send delivers sig to the process identified by pid. A sig of 0 performs
// the existence and permission checks only.
func Send(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf(`signal: kill %d %d: %w`, pid, int(sig), err)
	}
	return nil
}
