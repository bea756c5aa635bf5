package actionqueue

import (
	"github.com/google/btree"
	"github.com/joeycumines/go-thread/internal/clock"
)

const storeDegree = 32

type (
	// pendingAction is a single scheduled unit of work, owned by the store
	// until it is popped.
	pendingAction struct {
		action     func()
		identifier string
		target     clock.TimePoint
		// seq orders actions sharing a target by insertion
		seq uint64
	}

	// pendingStore is an ordered multimap keyed by target time, with an index
	// of identifier counts. It is not safe for concurrent use.
	pendingStore struct {
		tree *btree.BTreeG[*pendingAction]
		ids  map[string]int
		seq  uint64
	}
)

func newPendingStore() *pendingStore {
	return &pendingStore{
		tree: btree.NewG(storeDegree, lessPendingAction),
		ids:  make(map[string]int),
	}
}

func lessPendingAction(a, b *pendingAction) bool {
	if a.target != b.target {
		return a.target < b.target
	}
	return a.seq < b.seq
}

func (x *pendingStore) len() int { return x.tree.Len() }

func (x *pendingStore) insert(target clock.TimePoint, identifier string, action func()) {
	x.seq++
	x.tree.ReplaceOrInsert(&pendingAction{
		action:     action,
		identifier: identifier,
		target:     target,
		seq:        x.seq,
	})
	if identifier != `` {
		x.ids[identifier]++
	}
}

// earliest returns the next action to run, without removing it.
func (x *pendingStore) earliest() (*pendingAction, bool) {
	return x.tree.Min()
}

// popDue removes and returns the earliest action, if its target is not after
// now.
func (x *pendingStore) popDue(now clock.TimePoint) (*pendingAction, bool) {
	v, ok := x.tree.Min()
	if !ok || now.Before(v.target) {
		return nil, false
	}
	x.tree.DeleteMin()
	x.forget(v.identifier)
	return v, true
}

// remove deletes every action with the given identifier, or every action if
// identifier is empty, returning the number removed.
func (x *pendingStore) remove(identifier string) int {
	if identifier == `` {
		n := x.tree.Len()
		x.clear()
		return n
	}
	n := x.ids[identifier]
	if n == 0 {
		return 0
	}
	matches := make([]*pendingAction, 0, n)
	x.tree.Ascend(func(v *pendingAction) bool {
		if v.identifier == identifier {
			matches = append(matches, v)
		}
		return len(matches) < n
	})
	for _, v := range matches {
		x.tree.Delete(v)
	}
	delete(x.ids, identifier)
	return len(matches)
}

func (x *pendingStore) clear() {
	x.tree.Clear(false)
	clear(x.ids)
}

func (x *pendingStore) forget(identifier string) {
	if identifier == `` {
		return
	}
	if n := x.ids[identifier]; n <= 1 {
		delete(x.ids, identifier)
	} else {
		x.ids[identifier] = n - 1
	}
}
