// Package signal provides helpers for sending and ignoring process signals.
package signal

import (
	"os"
	ossignal "os/signal"
	"sync"
)

// state tracks dispositions changed via this package, as the runtime only
// forgets an ignored signal on a subsequent call to os/signal.Notify.
var state struct {
	// ignored is keyed by signal, false meaning reset
	ignored map[os.Signal]bool
	// inherited is the disposition prior to this package changing it
	inherited map[os.Signal]bool
	mu        sync.Mutex
	all       bool
	// allChanged is set once every signal has been ignored via Ignore()
	allChanged bool
}

// Ignore causes the given signals to be discarded. If none are provided, all
// incoming signals are ignored.
func Ignore(sigs ...os.Signal) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(sigs) == 0 {
		state.all = true
		state.allChanged = true
		clear(state.ignored)
	} else {
		for _, sig := range sigs {
			rememberLocked(sig)
			state.ignored[sig] = true
		}
	}
	ossignal.Ignore(sigs...)
}

// Ignored reports whether sig is currently ignored, either via Ignore, or
// because it was ignored when the process started.
//
// Changes made by calling os/signal directly are not reflected.
func Ignored(sig os.Signal) bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	if v, ok := state.ignored[sig]; ok {
		return v || state.inherited[sig]
	}
	if state.all {
		return true
	}
	if v, ok := state.inherited[sig]; ok {
		return v
	}
	if state.allChanged {
		return false
	}
	return ossignal.Ignored(sig)
}

// Reset undoes the effect of Ignore, or any prior Notify, for the given
// signals, or for all signals if none are provided. Signals that were ignored
// when the process started remain ignored.
func Reset(sigs ...os.Signal) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if len(sigs) == 0 {
		state.all = false
		clear(state.ignored)
	} else {
		for _, sig := range sigs {
			rememberLocked(sig)
			state.ignored[sig] = false
		}
	}
	ossignal.Reset(sigs...)
}

func rememberLocked(sig os.Signal) {
	if state.ignored == nil {
		state.ignored = make(map[os.Signal]bool)
		state.inherited = make(map[os.Signal]bool)
	}
	if _, ok := state.inherited[sig]; !ok {
		state.inherited[sig] = !state.allChanged && ossignal.Ignored(sig)
	}
}
