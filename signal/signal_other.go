//go:build !unix

package signal

import (
	"fmt"
	"os"
	"syscall"
)

// Send delivers sig to the process identified by pid, to the extent that the
// platform supports it (typically only os.Kill).
func Send(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf(`signal: %w`, err)
	}
	if err := p.Signal(sig); err != nil {
		return fmt.Errorf(`signal: signal %d %v: %w`, pid, sig, err)
	}
	return nil
}
