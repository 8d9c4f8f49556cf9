package region

import (
	"errors"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// ErrNoHeadroom is returned by NewGuard when a region was created with
// too little headroom to host the mutex word.
var ErrNoHeadroom = errors.New("omem/region: not enough headroom for a guard")

// Guard is an external lock callers can place in the headroom area for
// steady-state mutual exclusion across cooperating processes. It is a
// spinlock word living in shared memory:
// since the region's headroom is physically shared between every
// process that maps it, an atomic compare-and-swap on that word is a
// valid cross-process mutex exactly as it would be within one process —
// the CPU's coherent memory gives every mapper the same view of the
// underlying page regardless of which virtual address it is mapped at.
type Guard struct {
	word *uint32
}

// NewGuard places a spinlock in the first 4 bytes of the region's
// headroom. Callers needing more than one guard, or headroom for other
// caller-defined metadata too, should partition HeadroomBytes()
// themselves and call NewGuardAt.
func NewGuard(h *Handle) (*Guard, error) {
	return NewGuardAt(h, 0)
}

// NewGuardAt places a spinlock at the given byte offset within the
// region's headroom.
func NewGuardAt(h *Handle, headroomOffset uint64) (*Guard, error) {
	if h == nil {
		return nil, ErrInvalidRegion
	}

	if headroomOffset+4 > h.Headroom() {
		return nil, ErrNoHeadroom
	}

	addr := unsafe.Add(h.base, uintptr(HeaderSize)+uintptr(headroomOffset))

	return &Guard{word: (*uint32)(addr)}, nil
}

// Lock spins until it acquires the guard. Callers that need a bounded
// wait should use TryLock in a loop with their own timeout instead.
func (g *Guard) Lock() {
	for !g.TryLock() {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the guard without blocking.
func (g *Guard) TryLock() bool {
	return atomic.CompareAndSwapUint32(g.word, 0, 1)
}

// Unlock releases the guard. Unlocking a guard the caller does not hold
// is undefined, same as any other spinlock.
func (g *Guard) Unlock() {
	atomic.StoreUint32(g.word, 0)
}
