package htable

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/eclbsys/omem/internal/heap"
	"github.com/eclbsys/omem/internal/list"
	"github.com/eclbsys/omem/internal/offset"
	"github.com/eclbsys/omem/internal/region"
)

const testMaxKey = 32

// testEntry is a stand-in for a caller's own node type: list.Node
// embedded first, with whatever trailing fields the caller needs. The
// table never looks past the embedded Node.
type testEntry struct {
	list.Node
	keyLen uint16
	key    [testMaxKey]byte
	value  int
}

func newTestEnv(t *testing.T, capacity uint64) (*heap.Heap, unsafe.Pointer) {
	t.Helper()

	h, err := region.Create("", capacity, 0)
	if err != nil {
		t.Fatalf("region.Create: %v", err)
	}

	t.Cleanup(func() { _ = h.Destroy() })

	return heap.New(h), h.Base()
}

func newTestTable(t *testing.T, hp *heap.Heap, base unsafe.Pointer, buckets int) *Table {
	t.Helper()

	tbl, err := New(hp, base, buckets)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return tbl
}

func newEntry(hp *heap.Heap, base unsafe.Pointer, key string, value int) offset.Offset {
	p := hp.Alloc(unsafe.Sizeof(testEntry{}))

	e := (*testEntry)(p)
	*e = testEntry{keyLen: uint16(len(key)), value: value}
	copy(e.key[:], key)

	return offset.ToOffset(base, p)
}

func entryAt(base unsafe.Pointer, off offset.Offset) *testEntry {
	return (*testEntry)(offset.ToPointer(base, off))
}

func keyMatch(base unsafe.Pointer, key string) func(offset.Offset) bool {
	return func(off offset.Offset) bool {
		e := entryAt(base, off)

		return string(e.key[:e.keyLen]) == key
	}
}

func TestNewRejectsNonPositiveBucketCount(t *testing.T) {
	hp, base := newTestEnv(t, 1<<16)

	if _, err := New(hp, base, 0); err != ErrInvalidBucketCount {
		t.Fatalf("New(0) err = %v, want ErrInvalidBucketCount", err)
	}

	if _, err := New(hp, base, -1); err != ErrInvalidBucketCount {
		t.Fatalf("New(-1) err = %v, want ErrInvalidBucketCount", err)
	}
}

func TestAddFind(t *testing.T) {
	hp, base := newTestEnv(t, 1<<20)
	tbl := newTestTable(t, hp, base, 17)

	node := newEntry(hp, base, "alpha", 100)
	hash := StringHash("alpha")

	if err := tbl.Add(hash, node); err != nil {
		t.Fatalf("Add: %v", err)
	}

	found := tbl.Find(hash, keyMatch(base, "alpha"))
	if found != node {
		t.Fatalf("Find(alpha) = %v, want %v", found, node)
	}
}

func TestFindMissingReturnsNull(t *testing.T) {
	hp, base := newTestEnv(t, 1<<20)
	tbl := newTestTable(t, hp, base, 17)

	if found := tbl.Find(StringHash("nope"), keyMatch(base, "nope")); found != offset.Null {
		t.Fatalf("Find(nope) = %v, want offset.Null", found)
	}
}

func TestAddSameNodeTwiceRejected(t *testing.T) {
	hp, base := newTestEnv(t, 1<<20)
	tbl := newTestTable(t, hp, base, 17)

	node := newEntry(hp, base, "dup", 1)
	hash := StringHash("dup")

	if err := tbl.Add(hash, node); err != nil {
		t.Fatalf("first Add: %v", err)
	}

	if err := tbl.Add(hash, node); err != ErrAlreadyMember {
		t.Fatalf("second Add err = %v, want ErrAlreadyMember", err)
	}

	if got := tbl.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1 (second Add must not have corrupted the chain)", got)
	}
}

func TestDeleteSplicesNode(t *testing.T) {
	hp, base := newTestEnv(t, 1<<20)
	tbl := newTestTable(t, hp, base, 17)

	node := newEntry(hp, base, "gone", 1)
	hash := StringHash("gone")

	if err := tbl.Add(hash, node); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tbl.Delete(hash, node)

	if found := tbl.Find(hash, keyMatch(base, "gone")); found != offset.Null {
		t.Fatal("Find after Delete still found the node")
	}

	if got := tbl.Len(); got != 0 {
		t.Fatalf("Len after Delete = %d, want 0", got)
	}
}

func TestGetIteratesOneBucketByPosition(t *testing.T) {
	hp, base := newTestEnv(t, 1<<20)
	tbl := newTestTable(t, hp, base, 1) // single bucket: every entry collides

	const hash = uint64(7)

	var nodes []offset.Offset
	for i := 0; i < 5; i++ {
		n := newEntry(hp, base, fmt.Sprintf("k%d", i), i)
		if err := tbl.Add(hash, n); err != nil {
			t.Fatalf("Add: %v", err)
		}

		nodes = append(nodes, n)
	}

	var cursor int

	var seen []offset.Offset
	for {
		n := tbl.Get(hash, &cursor)
		if n == offset.Null {
			break
		}

		seen = append(seen, n)
	}

	if len(seen) != len(nodes) {
		t.Fatalf("Get iterated %d entries, want %d", len(seen), len(nodes))
	}
}

func TestGetPastEndReturnsNull(t *testing.T) {
	hp, base := newTestEnv(t, 1<<20)
	tbl := newTestTable(t, hp, base, 17)

	hash := StringHash("solo")
	node := newEntry(hp, base, "solo", 1)

	if err := tbl.Add(hash, node); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var cursor int
	if got := tbl.Get(hash, &cursor); got != node {
		t.Fatalf("Get(0) = %v, want %v", got, node)
	}

	if got := tbl.Get(hash, &cursor); got != offset.Null {
		t.Fatalf("Get(1) = %v, want offset.Null", got)
	}
}

func TestLenSumsBucketLengths(t *testing.T) {
	hp, base := newTestEnv(t, 1<<20)
	tbl := newTestTable(t, hp, base, 17)

	const n = 50

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		node := newEntry(hp, base, key, i)

		if err := tbl.Add(StringHash(key), node); err != nil {
			t.Fatalf("Add(%s): %v", key, err)
		}
	}

	if got := tbl.Len(); got != n {
		t.Fatalf("Len = %d, want %d", got, n)
	}
}

func TestStringHashIsDeterministic(t *testing.T) {
	if StringHash("hello") != StringHash("hello") {
		t.Fatal("StringHash is not deterministic")
	}

	if StringHash("hello") == StringHash("world") {
		t.Fatal("StringHash collided on distinct short strings (suspicious, not necessarily wrong)")
	}
}

func TestStats(t *testing.T) {
	hp, base := newTestEnv(t, 1<<20)
	tbl := newTestTable(t, hp, base, 17)

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		node := newEntry(hp, base, key, i)

		if err := tbl.Add(StringHash(key), node); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	var total int
	for _, b := range tbl.Stats() {
		total += b.Length
	}

	if total != 10 {
		t.Fatalf("sum of bucket lengths = %d, want 10", total)
	}
}

func TestOpenReattachesExistingTable(t *testing.T) {
	hp, base := newTestEnv(t, 1<<20)
	tbl := newTestTable(t, hp, base, 17)

	node := newEntry(hp, base, "k", 42)
	hash := StringHash("k")

	if err := tbl.Add(hash, node); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reopened := Open(hp, base, tbl.Offset())

	found := reopened.Find(hash, keyMatch(base, "k"))
	if found != node {
		t.Fatalf("Open().Find(k) = %v, want %v", found, node)
	}
}

// TestLargeScaleInsertIterateDeleteAllBuckets drives a 32-bucket table
// through 10,000 distinct-hash inserts, a full per-bucket iteration,
// a lookup of every entry, and deletion in a different order than
// insertion, ending at an empty table.
func TestLargeScaleInsertIterateDeleteAllBuckets(t *testing.T) {
	hp, base := newTestEnv(t, 4<<20)
	tbl := newTestTable(t, hp, base, 32)

	const n = 10000

	nodes := make([]offset.Offset, n)
	for i := 0; i < n; i++ {
		nodes[i] = newEntry(hp, base, fmt.Sprintf("e%d", i), i)
		if err := tbl.Add(uint64(i), nodes[i]); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}

	var iterated int
	for b := 0; b < tbl.BucketCount(); b++ {
		var cursor int
		for {
			n := tbl.Get(uint64(b), &cursor)
			if n == offset.Null {
				break
			}

			iterated++
		}
	}

	if iterated != n {
		t.Fatalf("iterated %d entries across all buckets, want %d", iterated, n)
	}

	for i := 0; i < n; i++ {
		if found := tbl.Find(uint64(i), keyMatch(base, fmt.Sprintf("e%d", i))); found != nodes[i] {
			t.Fatalf("Find(e%d) = %v, want %v", i, found, nodes[i])
		}
	}

	// Delete in reverse order, unrelated to insertion order.
	for i := n - 1; i >= 0; i-- {
		tbl.Delete(uint64(i), nodes[i])
	}

	if got := tbl.Len(); got != 0 {
		t.Fatalf("Len after deleting everything = %d, want 0", got)
	}
}
