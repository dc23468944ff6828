package tightloop

import (
	"sort"
	"sync"
)

// venueLocks serialises ledger writers per venue.
type venueLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newVenueLocks() *venueLocks {
	return &venueLocks{locks: make(map[string]*sync.Mutex)}
}

func (v *venueLocks) get(name string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.locks[name]
	if !ok {
		m = &sync.Mutex{}
		v.locks[name] = m
	}
	return m
}

// lock acquires every named venue lock in sorted order and returns the release func.
func (v *venueLocks) lock(venues []string) func() {
	names := append([]string(nil), venues...)
	sort.Strings(names)

	held := make([]*sync.Mutex, 0, len(names))
	var prev string
	for i, n := range names {
		if i > 0 && n == prev {
			continue
		}
		prev = n
		m := v.get(n)
		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
