// Package htable implements the intrusive, hash-indexed separate
// chaining table every hash-based container composes: each bucket is
// itself a list.List threaded through whatever node the caller
// allocated and embedded a list.Node into. The table stores no keys
// and knows nothing about the caller's node layout beyond the leading
// list.Node every list member already carries — equality, when
// needed, is entirely the caller-supplied predicate's responsibility.
// Bucket count is fixed at construction, matching the fixed-size
// record-plus-flexible-array layout of the original design: no
// rehashing, no growth.
package htable

import (
	"errors"
	"unsafe"

	"github.com/eclbsys/omem/internal/heap"
	"github.com/eclbsys/omem/internal/list"
	"github.com/eclbsys/omem/internal/offset"
)

const wordSize = 8

var (
	// ErrInvalidBucketCount is returned by New when asked for zero or
	// fewer buckets.
	ErrInvalidBucketCount = errors.New("omem/htable: bucket count must be positive")

	// ErrAlreadyMember is returned by Add when node already looks linked
	// into a list, or already sits at the computed bucket's head. The
	// original design asserts this precondition away; without an assert
	// path exposed to callers, tolerating it here by rejecting the call
	// is safer than silently forming a cyclic bucket chain.
	ErrAlreadyMember = errors.New("omem/htable: node already linked")
)

// header is the fixed-size table record allocated once from the heap:
// a bucket count, a field present purely for the struct's own
// bookkeeping, followed immediately by that many list-head offsets —
// the flexible trailing array the bucket count makes possible.
type header struct {
	buckets uint64
}

// Table binds a table header's offset, and its caller-chosen bucket
// count, to the heap and region base it was allocated from.
type Table struct {
	heap *heap.Heap
	base unsafe.Pointer
	off  offset.Offset
	view list.View
}

// New allocates a table with the given bucket count from hp, zeroing
// every bucket head. The bucket count is immutable after creation.
func New(hp *heap.Heap, base unsafe.Pointer, buckets int) (*Table, error) {
	if buckets <= 0 {
		return nil, ErrInvalidBucketCount
	}

	size := uintptr(wordSize) * uintptr(1+buckets)

	p := hp.Alloc(size)
	if p == nil {
		return nil, heap.ErrHeapExhausted
	}

	t := &Table{
		heap: hp,
		base: base,
		off:  offset.ToOffset(base, p),
		view: list.View{Base: base},
	}

	hdr := t.header()
	hdr.buckets = uint64(buckets)

	for i := 0; i < buckets; i++ {
		t.setBucket(i, offset.Null)
	}

	return t, nil
}

// Open reopens a table previously created by New at the given offset,
// for use from a different process attached to the same region, or by
// a caller (like internal/tree) that keeps the offset in its own
// node layout rather than asking Table to remember it.
func Open(hp *heap.Heap, base unsafe.Pointer, off offset.Offset) *Table {
	return &Table{heap: hp, base: base, off: off, view: list.View{Base: base}}
}

// Offset returns the table's own offset, for persisting alongside
// other region metadata.
func (t *Table) Offset() offset.Offset { return t.off }

func (t *Table) header() *header {
	return (*header)(offset.ToPointer(t.base, t.off))
}

// BucketCount returns the table's construction-time bucket count.
func (t *Table) BucketCount() int {
	return int(t.header().buckets)
}

func (t *Table) bucketSlot(i int) offset.Offset {
	return t.off + offset.Offset(wordSize) + offset.Offset(i*wordSize)
}

func (t *Table) bucket(i int) offset.Offset {
	return offset.Offset(*(*uint64)(offset.ToPointer(t.base, t.bucketSlot(i))))
}

func (t *Table) setBucket(i int, head offset.Offset) {
	*(*uint64)(offset.ToPointer(t.base, t.bucketSlot(i))) = uint64(head)
}

func bucketIndex(hash uint64, buckets int) int {
	return int(hash % uint64(buckets))
}

// StringHash computes the djb2 hash of s, the built-in string hash the
// original design offered callers as a convenience; a caller is free
// to supply any hash of its own instead.
func StringHash(s string) uint64 {
	hash := uint64(5381)
	for i := 0; i < len(s); i++ {
		hash = ((hash << 5) + hash) + uint64(s[i])
	}

	return hash
}

// Add threads node into the bucket selected by hash. The precondition
// is that node is not currently a member of any list; Add checks
// node's own Next/Prev and whether it already sits at the computed
// bucket's head, returning ErrAlreadyMember rather than forming a
// cyclic chain if that precondition is violated.
func (t *Table) Add(hash uint64, node offset.Offset) error {
	idx := bucketIndex(hash, t.BucketCount())
	head := t.bucket(idx)

	if t.view.Linked(node) || head == node {
		return ErrAlreadyMember
	}

	t.setBucket(idx, t.view.Prepend(head, node))

	return nil
}

// Delete splices node from the bucket selected by hash. The caller
// must supply the same hash used at Add; the table does not rehash
// entries or remember which bucket a node lives in.
func (t *Table) Delete(hash uint64, node offset.Offset) {
	idx := bucketIndex(hash, t.BucketCount())
	t.setBucket(idx, t.view.Remove(t.bucket(idx), node))
}

// Get returns the node at position *cursor within hash's bucket, then
// advances *cursor, enabling stepwise iteration of one bucket. It
// returns offset.Null once the bucket is exhausted.
func (t *Table) Get(hash uint64, cursor *int) offset.Offset {
	idx := bucketIndex(hash, t.BucketCount())
	n := t.view.Get(t.bucket(idx), *cursor)
	*cursor++

	return n
}

// Find runs match, the caller's equality predicate, against every node
// in hash's bucket, returning the first one for which it reports true,
// or offset.Null if none does. The table stores no keys itself: match
// typically closes over whatever comparison data it needs, the role
// the original's separate `data` parameter played.
func (t *Table) Find(hash uint64, match func(node offset.Offset) bool) offset.Offset {
	idx := bucketIndex(hash, t.BucketCount())

	return t.view.Find(t.bucket(idx), match)
}

// Len returns the total number of entries across every bucket,
// O(number of entries). Diagnostic; never consulted by Add/Delete.
func (t *Table) Len() int {
	total := 0

	for i, n := 0, t.BucketCount(); i < n; i++ {
		total += t.view.Length(t.bucket(i))
	}

	return total
}

// BucketStat reports one bucket's chain length, for diagnosing
// distribution skew.
type BucketStat struct {
	Index  int
	Length int
}

// Stats returns the occupancy of every non-empty bucket, the
// structured form of omhtable_stats's per-bucket chain-length report.
func (t *Table) Stats() []BucketStat {
	var stats []BucketStat

	for i, n := 0, t.BucketCount(); i < n; i++ {
		if head := t.bucket(i); head != offset.Null {
			stats = append(stats, BucketStat{Index: i, Length: t.view.Length(head)})
		}
	}

	return stats
}
