package graph

import "sync"

const pairLockStripes = 128

// pairLocks serializes mutations on the same unordered user pair.
// Locks are striped: the normalized pair hashes to one of a fixed set
// of mutexes, so disjoint pairs almost always proceed in parallel while
// the same pair always serializes.
type pairLocks struct {
	stripes [pairLockStripes]sync.Mutex
}

func (p *pairLocks) lock(a, b int64) *sync.Mutex {
	if a > b {
		a, b = b, a
	}
	h := uint64(a)*31 + uint64(b)
	m := &p.stripes[h%pairLockStripes]
	m.Lock()
	return m
}
