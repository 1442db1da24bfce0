package engine

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

// stripedLocks serializes advancement per enrollment ID without a global
// lock: IDs hash onto a fixed set of mutex stripes, so unrelated
// enrollments advance in parallel while the same enrollment is always
// single-writer.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = 64
	}
	return &stripedLocks{stripes: make([]sync.Mutex, n)}
}

// lock acquires the stripe for id and returns its unlock function.
func (s *stripedLocks) lock(id uuid.UUID) func() {
	h := fnv.New32a()
	h.Write(id[:])
	m := &s.stripes[h.Sum32()%uint32(len(s.stripes))]
	m.Lock()
	return m.Unlock
}
