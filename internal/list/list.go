// Package list implements the intrusive, offset-addressed doubly
// linked list every omem container composes: hash table buckets and
// tree children are each a List threaded through the Node embedded in
// the element type.
package list

import (
	"unsafe"

	"github.com/eclbsys/omem/internal/offset"
)

// Node is the intrusive link every list member embeds as its first
// field, so a member's own address and its Node's address coincide and
// either can be recovered from the other by a plain pointer cast.
type Node struct {
	Next offset.Offset
	Prev offset.Offset
}

// List is the offset of a chain's head node, or offset.Null for an
// empty list.
type List = offset.Offset

// View gives offset-relative Node access against a region's base
// address. Every list operation takes a View rather than touching
// offsets directly, since a Node's Next/Prev fields are themselves
// offsets that must be translated through the same base.
type View struct {
	Base unsafe.Pointer
}

func (v View) node(o offset.Offset) *Node {
	return (*Node)(offset.ToPointer(v.Base, o))
}

// Of returns the offset of n's enclosing element, given n's own
// offset — for a Node, that offset already is the element's offset,
// since Node is always embedded first.
func Of(n offset.Offset) offset.Offset { return n }

// Prepend inserts the node at off at the front of the list headed by
// head, returning the new head.
func (v View) Prepend(head List, off offset.Offset) List {
	node := v.node(off)
	node.Prev = offset.Null
	node.Next = head

	if head != offset.Null {
		v.node(head).Prev = off
	}

	return off
}

// Append inserts the node at off at the end of the list headed by
// head, returning the (possibly unchanged) head.
func (v View) Append(head List, off offset.Offset) List {
	if head == offset.Null {
		return v.Prepend(head, off)
	}

	tail := head
	for v.node(tail).Next != offset.Null {
		tail = v.node(tail).Next
	}

	v.node(tail).Next = off
	v.node(off).Prev = tail
	v.node(off).Next = offset.Null

	return head
}

// Remove unlinks the node at off from the list headed by head,
// returning the list's new head. Removing a node that is not actually
// a member of this list is a no-op: with no exposed panic/assert path,
// silently leaving an unrelated chain untouched is safer than
// corrupting it on the caller's behalf.
func (v View) Remove(head List, off offset.Offset) List {
	if head == offset.Null || !v.contains(head, off) {
		return head
	}

	node := v.node(off)
	prev, next := node.Prev, node.Next

	if prev != offset.Null {
		v.node(prev).Next = next
	}

	if next != offset.Null {
		v.node(next).Prev = prev
	}

	node.Next = offset.Null
	node.Prev = offset.Null

	if off == head {
		return next
	}

	return head
}

func (v View) contains(head List, off offset.Offset) bool {
	for cur := head; cur != offset.Null; cur = v.node(cur).Next {
		if cur == off {
			return true
		}
	}

	return false
}

// Next returns the offset following off in whatever list currently
// contains it, or offset.Null if off is the tail.
func (v View) Next(off offset.Offset) offset.Offset {
	return v.node(off).Next
}

// Linked reports whether the node at off has a non-null Next or Prev,
// i.e. looks like it is already threaded into some list. A lone member
// of a one-node list is indistinguishable from an unlinked node by this
// check alone; callers that care about that case compare off against
// the list's head as well.
func (v View) Linked(off offset.Offset) bool {
	n := v.node(off)

	return n.Next != offset.Null || n.Prev != offset.Null
}

// Length counts the nodes reachable from head.
func (v View) Length(head List) int {
	n := 0
	for cur := head; cur != offset.Null; cur = v.node(cur).Next {
		n++
	}

	return n
}

// Get returns the offset of the node at the given zero-based index, or
// offset.Null if the index is out of range.
func (v View) Get(head List, index int) offset.Offset {
	if index < 0 {
		return offset.Null
	}

	cur := head
	for i := 0; cur != offset.Null && i < index; i++ {
		cur = v.node(cur).Next
	}

	return cur
}

// Reverse reverses the list in place, returning the new head.
func (v View) Reverse(head List) List {
	var prev offset.Offset

	cur := head
	for cur != offset.Null {
		node := v.node(cur)
		next := node.Next
		node.Next = prev
		node.Prev = next
		prev = cur
		cur = next
	}

	return prev
}

// Concat appends list b after list a, returning a's (possibly
// unchanged) head. The empty list is represented by offset.Null on
// either side.
func (v View) Concat(a, b List) List {
	if a == offset.Null {
		return b
	}

	if b == offset.Null {
		return a
	}

	tail := a
	for v.node(tail).Next != offset.Null {
		tail = v.node(tail).Next
	}

	v.node(tail).Next = b
	v.node(b).Prev = tail

	return a
}

// Find returns the offset of the first node for which match returns
// true, or offset.Null if none does.
func (v View) Find(head List, match func(off offset.Offset) bool) offset.Offset {
	for cur := head; cur != offset.Null; cur = v.node(cur).Next {
		if match(cur) {
			return cur
		}
	}

	return offset.Null
}

// Sort stably sorts the list in place by less, returning the new head.
// It is a recursive top-down merge sort, the same algorithm
// omlist_sort used, chosen there (and here) because it needs no
// auxiliary index and touches only the Next/Prev links already present
// on every node. On ties the element from the left half goes first.
func (v View) Sort(head List, less func(a, b offset.Offset) bool) List {
	if head == offset.Null || v.node(head).Next == offset.Null {
		return head
	}

	mid := v.split(head)
	left := v.Sort(head, less)
	right := v.Sort(mid, less)

	return v.merge(left, right, less)
}

// split locates the midpoint of the list starting at head via the
// classic slow/fast pointer walk, severs the list there, and returns
// the offset of the second half's head.
func (v View) split(head offset.Offset) offset.Offset {
	slow, fast := head, head

	for {
		fast = v.node(fast).Next
		if fast == offset.Null {
			break
		}

		fast = v.node(fast).Next
		if fast == offset.Null {
			break
		}

		slow = v.node(slow).Next
	}

	mid := v.node(slow).Next
	v.node(slow).Next = offset.Null

	if mid != offset.Null {
		v.node(mid).Prev = offset.Null
	}

	return mid
}

func (v View) merge(a, b offset.Offset, less func(a, b offset.Offset) bool) offset.Offset {
	switch {
	case a == offset.Null:
		return b
	case b == offset.Null:
		return a
	}

	var head, tail offset.Offset

	appendNode := func(n offset.Offset) {
		if head == offset.Null {
			head = n
			tail = n
			v.node(n).Prev = offset.Null

			return
		}

		v.node(tail).Next = n
		v.node(n).Prev = tail
		tail = n
	}

	for a != offset.Null && b != offset.Null {
		if !less(b, a) {
			next := v.node(a).Next
			appendNode(a)
			a = next
		} else {
			next := v.node(b).Next
			appendNode(b)
			b = next
		}
	}

	for a != offset.Null {
		next := v.node(a).Next
		appendNode(a)
		a = next
	}

	for b != offset.Null {
		next := v.node(b).Next
		appendNode(b)
		b = next
	}

	v.node(tail).Next = offset.Null

	return head
}
