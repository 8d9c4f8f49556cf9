// Package heap implements the boundary-tag allocator: the allocator
// proper, carving a region's heap area into variable-size blocks with
// immediate bidirectional coalescing and a rotating next-fit search
// cursor.
package heap

import (
	"errors"
	"fmt"
	"log"
	"unsafe"

	"github.com/eclbsys/omem/internal/offset"
	"github.com/eclbsys/omem/internal/region"
)

const (
	wordSize     = 8
	alignment    = 8
	minBlockSize = 2*wordSize + 8
)

// ErrHeapExhausted is returned by callers built on top of Heap (e.g.
// internal/htable) when Alloc returns nil for a fixed-size internal
// allocation that is expected to always succeed on a healthy heap.
// Heap.Alloc itself reports exhaustion via a nil return, matching the
// original allocator's NULL-on-failure convention.
var ErrHeapExhausted = errors.New("omem/heap: heap exhausted")

// Config holds Heap's tunable knobs.
type Config struct {
	// EnableDebugChecks turns on O(1) head==foot assertions after every
	// mutating operation. Off by default: structural corruption is a
	// programming error, not a runtime-handled condition, so these
	// checks are a development aid, not load-bearing.
	EnableDebugChecks bool
}

// Option configures a Heap.
type Option func(*Config)

// WithDebugChecks enables or disables post-operation boundary-tag
// consistency assertions.
func WithDebugChecks(enabled bool) Option {
	return func(c *Config) { c.EnableDebugChecks = enabled }
}

func defaultConfig() *Config {
	return &Config{EnableDebugChecks: false}
}

// Heap is the boundary-tag allocator bound to a region's heap area.
type Heap struct {
	region    *region.Handle
	base      unsafe.Pointer
	heapStart offset.Offset
	capacity  uint64
	cfg       *Config
}

// New binds a Heap to a region. The region must already have been
// initialized by region.Create (either as the initializer, whose
// Create call installs the single whole-heap free block, or as an
// attacher that has completed rendezvous).
func New(h *region.Handle, opts ...Option) *Heap {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	return &Heap{
		region:    h,
		base:      h.Base(),
		heapStart: h.HeapBase(),
		capacity:  h.Capacity(),
		cfg:       cfg,
	}
}

func rawSize(word uint64) uint64 { return word &^ 1 }
func isUsed(word uint64) bool    { return word&1 != 0 }

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

func (hp *Heap) heapEnd() offset.Offset {
	return hp.heapStart + offset.Offset(hp.capacity)
}

func (hp *Heap) isFirstBlock(head offset.Offset) bool {
	return head == hp.heapStart
}

func (hp *Heap) loadWord(o offset.Offset) uint64 {
	return *(*uint64)(offset.ToPointer(hp.base, o))
}

func (hp *Heap) storeWord(o offset.Offset, v uint64) {
	*(*uint64)(offset.ToPointer(hp.base, o)) = v
}

func (hp *Heap) footOffset(head offset.Offset, size uint64) offset.Offset {
	return head + offset.Offset(size) - wordSize
}

func (hp *Heap) sizeAt(head offset.Offset) uint64 {
	return rawSize(hp.loadWord(head))
}

func (hp *Heap) usedAt(head offset.Offset) bool {
	return isUsed(hp.loadWord(head))
}

// setBlock writes the identical head and foot tag for a block, the
// design's sole write path for block metadata.
func (hp *Heap) setBlock(head offset.Offset, size uint64, used bool) {
	word := size
	if used {
		word |= 1
	}

	hp.storeWord(head, word)
	hp.storeWord(hp.footOffset(head, size), word)

	if hp.cfg.EnableDebugChecks {
		hp.assertConsistent(head, size, word)
	}
}

func (hp *Heap) assertConsistent(head offset.Offset, size uint64, word uint64) {
	foot := hp.loadWord(hp.footOffset(head, size))
	if foot != word {
		log.Panicf("omem/heap: head/foot mismatch at %d: head=%#x foot=%#x", head, word, foot)
	}
}

func (hp *Heap) nextHead(head offset.Offset) offset.Offset {
	return head + offset.Offset(hp.sizeAt(head))
}

func (hp *Heap) prevHead(head offset.Offset) offset.Offset {
	footWord := hp.loadWord(head - wordSize)

	return head - offset.Offset(rawSize(footWord))
}

func (hp *Heap) cursorHead() offset.Offset {
	return hp.heapStart + hp.region.Cursor()
}

func (hp *Heap) setCursorHead(head offset.Offset) {
	hp.region.SetCursor(head - hp.heapStart)
}

// findFit runs the next-fit search: it resumes from the cursor and
// wraps once around the heap area, bounding the walk by total capacity
// so it always terminates.
func (hp *Heap) findFit(required uint64) (offset.Offset, bool) {
	bp := hp.cursorHead()

	var checked uint64
	for checked < hp.capacity {
		if bp >= hp.heapEnd() {
			bp = hp.heapStart
		}

		size := hp.sizeAt(bp)
		if !hp.usedAt(bp) && size >= required {
			return bp, true
		}

		checked += size
		bp = hp.nextHead(bp)
	}

	return 0, false
}

// Alloc returns a pointer to a freshly carved payload of at least n
// usable bytes, or nil if the heap has no free block large enough.
// Alloc(0) always returns nil without altering the heap.
func (hp *Heap) Alloc(n uintptr) unsafe.Pointer {
	if n == 0 {
		return nil
	}

	required := alignUp(uint64(n)+2*wordSize, alignment)
	if required < minBlockSize {
		required = minBlockSize
	}

	head, ok := hp.findFit(required)
	if !ok {
		return nil
	}

	hp.setCursorHead(head)

	size := hp.sizeAt(head)
	if size-required > minBlockSize {
		tail := head + offset.Offset(required)
		hp.setBlock(tail, size-required, false)
		hp.setBlock(head, required, true)
	} else {
		hp.setBlock(head, size, true)
	}

	return offset.ToPointer(hp.base, head+wordSize)
}

// Free returns a previously allocated payload to the heap, immediately
// coalescing it with any free neighbor on either side. Free(nil) is a
// silent no-op.
func (hp *Heap) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}

	head := offset.ToOffset(hp.base, p) - wordSize
	hp.setBlock(head, hp.sizeAt(head), false)
	hp.coalesce(head)
}

func (hp *Heap) coalesce(head offset.Offset) {
	if !hp.isFirstBlock(head) {
		prev := hp.prevHead(head)
		if !hp.usedAt(prev) {
			if hp.cursorHead() == head {
				hp.setCursorHead(prev)
			}

			hp.setBlock(prev, hp.sizeAt(prev)+hp.sizeAt(head), false)
			head = prev
		}
	}

	next := hp.nextHead(head)
	if next < hp.heapEnd() && !hp.usedAt(next) {
		if hp.cursorHead() == next {
			hp.setCursorHead(head)
		}

		hp.setBlock(head, hp.sizeAt(head)+hp.sizeAt(next), false)
	}
}

// Available walks the heap linearly, summing the size of every free
// block. It is intended for diagnostics and test assertions, not the
// hot path.
func (hp *Heap) Available() uintptr {
	var free uint64

	for bp := hp.heapStart; bp < hp.heapEnd(); bp = hp.nextHead(bp) {
		if !hp.usedAt(bp) {
			free += hp.sizeAt(bp)
		}
	}

	return uintptr(free)
}

// HistogramBucket counts used blocks whose size falls in
// (Size/2, Size] within a power-of-two histogram, as omstats printed.
type HistogramBucket struct {
	Size  uint64
	Count uint64
}

// Stats is the structured form of the original's omstats histogram
// printer: diagnostic only, never consulted by allocation logic.
type Stats struct {
	HeapSize   uint64
	UsedBlocks uint64
	UsedBytes  uint64
	FreeBlocks uint64
	FreeBytes  uint64
	Histogram  []HistogramBucket
}

// String formats Stats as the same kind of ASCII histogram test.c's
// harness printed for the block-size distribution.
func (s Stats) String() string {
	out := fmt.Sprintf("Heap size: %d bytes\n", s.HeapSize)
	out += fmt.Sprintf("Used: %d blocks (%d bytes)\n", s.UsedBlocks, s.UsedBytes)
	out += fmt.Sprintf("Free: %d blocks (%d bytes)\n", s.FreeBlocks, s.FreeBytes)

	for _, b := range s.Histogram {
		if b.Count == 0 {
			continue
		}

		out += fmt.Sprintf("%10d %s (%d)\n", b.Size, bar(b.Count), b.Count)
	}

	return out
}

func bar(n uint64) string {
	if n > 50 {
		n = 50
	}

	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}

	return string(b)
}

const histogramBuckets = 64

// Stats computes a diagnostic snapshot of the heap's block-size
// distribution. O(number of blocks); not part of the allocation hot
// path.
func (hp *Heap) Stats() Stats {
	histogram := make([]uint64, histogramBuckets)

	s := Stats{HeapSize: hp.capacity}

	for bp := hp.heapStart; bp < hp.heapEnd(); bp = hp.nextHead(bp) {
		size := hp.sizeAt(bp)
		if !hp.usedAt(bp) {
			s.FreeBlocks++
			s.FreeBytes += size

			continue
		}

		s.UsedBlocks++
		s.UsedBytes += size

		bucket := 0
		for power := uint64(1); power < size && bucket < histogramBuckets-1; power *= 2 {
			bucket++
		}

		histogram[bucket]++
	}

	for i, count := range histogram {
		if count == 0 {
			continue
		}

		s.Histogram = append(s.Histogram, HistogramBucket{Size: 1 << uint(i), Count: count})
	}

	return s
}
