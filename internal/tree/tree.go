// Package tree implements the path-addressed directory layer built on
// top of a heap, composing a per-node intrusive hash table keyed by
// child name: a node's Children table is its only record of its
// children, looked up by name through a predicate exactly as
// internal/htable's keyless design requires.
//
// This layer is not part of the core allocator design; it is a
// convenience composition of internal/heap and internal/htable, in the
// same spirit as a filesystem directory tree built over a flat block
// device.
package tree

import (
	"errors"
	"strings"
	"unsafe"

	"github.com/eclbsys/omem/internal/heap"
	"github.com/eclbsys/omem/internal/htable"
	"github.com/eclbsys/omem/internal/list"
	"github.com/eclbsys/omem/internal/offset"
)

const maxNameLen = 64

// childTableBuckets is the bucket count a node's child table is
// created with, matching the fixed 32-bucket tables the original
// design allocated for a node's children.
const childTableBuckets = 32

var (
	// ErrNameTooLong is returned by Add when name exceeds maxNameLen bytes.
	ErrNameTooLong = errors.New("omem/tree: name exceeds maximum length")

	// ErrChildExists is returned by Add when name is already a child of
	// parent.
	ErrChildExists = errors.New("omem/tree: child already exists")

	// ErrNotFound is returned by Get, Child, and Delete when the named
	// node does not exist.
	ErrNotFound = errors.New("omem/tree: node not found")
)

// Node is a single tree entry: a name, a value payload, a link to its
// parent, and the table of its own children. The embedded list.Node is
// the link htable threads when this node is a member of its parent's
// Children table — the only list a Node ever belongs to; the original
// design has no separate sibling-order structure either, so
// enumeration here walks the children table directly (see children).
type Node struct {
	list.Node
	nameLen  uint16
	name     [maxNameLen]byte
	Parent   offset.Offset
	Children offset.Offset // this node's own child hash table, Null until first child
	Value    offset.Offset
}

// Tree binds a root node to a heap and region base.
type Tree struct {
	heap *heap.Heap
	base unsafe.Pointer
	root offset.Offset
}

// New allocates a fresh root node and returns a Tree rooted on it.
func New(hp *heap.Heap, base unsafe.Pointer) (*Tree, error) {
	t := &Tree{heap: hp, base: base}

	root, err := t.newNode("", offset.Null, offset.Null)
	if err != nil {
		return nil, err
	}

	t.root = root

	return t, nil
}

// Open reattaches a Tree to a root node previously created by New, for
// use from a different process attached to the same region.
func Open(hp *heap.Heap, base unsafe.Pointer, root offset.Offset) *Tree {
	return &Tree{heap: hp, base: base, root: root}
}

// Root returns the offset of the tree's root node.
func (t *Tree) Root() offset.Offset { return t.root }

func (t *Tree) nodeAt(off offset.Offset) *Node {
	return (*Node)(offset.ToPointer(t.base, off))
}

func nameOf(n *Node) string {
	return string(n.name[:n.nameLen])
}

// childTable returns the open handle to parentNode's children table,
// or nil if it has none yet.
func (t *Tree) childTable(parentNode *Node) *htable.Table {
	if parentNode.Children == offset.Null {
		return nil
	}

	return htable.Open(t.heap, t.base, parentNode.Children)
}

// ensureChildTable returns parentNode's children table, lazily
// allocating one on first use, matching the original design's
// allocate-on-first-child behavior.
func (t *Tree) ensureChildTable(parentNode *Node) (*htable.Table, error) {
	if tbl := t.childTable(parentNode); tbl != nil {
		return tbl, nil
	}

	tbl, err := htable.New(t.heap, t.base, childTableBuckets)
	if err != nil {
		return nil, err
	}

	parentNode.Children = tbl.Offset()

	return tbl, nil
}

func (t *Tree) nameMatches(name string) func(offset.Offset) bool {
	return func(off offset.Offset) bool {
		return nameOf(t.nodeAt(off)) == name
	}
}

func (t *Tree) newNode(name string, parent, value offset.Offset) (offset.Offset, error) {
	if len(name) > maxNameLen {
		return offset.Null, ErrNameTooLong
	}

	p := t.heap.Alloc(unsafe.Sizeof(Node{}))
	if p == nil {
		return offset.Null, heap.ErrHeapExhausted
	}

	n := (*Node)(p)
	*n = Node{nameLen: uint16(len(name)), Parent: parent, Value: value}
	copy(n.name[:], name)

	return offset.ToOffset(t.base, p), nil
}

// Add creates a new child named name under parent with the given
// value payload, returning the child's offset.
func (t *Tree) Add(parent offset.Offset, name string, value offset.Offset) (offset.Offset, error) {
	if len(name) > maxNameLen {
		return offset.Null, ErrNameTooLong
	}

	parentNode := t.nodeAt(parent)
	hash := htable.StringHash(name)

	if existing := t.childTable(parentNode); existing != nil {
		if existing.Find(hash, t.nameMatches(name)) != offset.Null {
			return offset.Null, ErrChildExists
		}
	}

	child, err := t.newNode(name, parent, value)
	if err != nil {
		return offset.Null, err
	}

	tbl, err := t.ensureChildTable(parentNode)
	if err != nil {
		t.heap.Free(offset.ToPointer(t.base, child))

		return offset.Null, err
	}

	if err := tbl.Add(hash, child); err != nil {
		t.heap.Free(offset.ToPointer(t.base, child))

		return offset.Null, err
	}

	return child, nil
}

// Child looks up the immediate child of parent named name.
func (t *Tree) Child(parent offset.Offset, name string) (offset.Offset, error) {
	parentNode := t.nodeAt(parent)

	tbl := t.childTable(parentNode)
	if tbl == nil {
		return offset.Null, ErrNotFound
	}

	found := tbl.Find(htable.StringHash(name), t.nameMatches(name))
	if found == offset.Null {
		return offset.Null, ErrNotFound
	}

	return found, nil
}

// Get resolves a "/"-separated path starting at the root, e.g.
// "a/b/c". An empty path resolves to the root itself.
func (t *Tree) Get(path string) (offset.Offset, error) {
	cur := t.root

	path = strings.Trim(path, "/")
	if path == "" {
		return cur, nil
	}

	for _, part := range strings.Split(path, "/") {
		next, err := t.Child(cur, part)
		if err != nil {
			return offset.Null, err
		}

		cur = next
	}

	return cur, nil
}

// Value returns the payload offset stored at node.
func (t *Tree) Value(node offset.Offset) offset.Offset {
	return t.nodeAt(node).Value
}

// SetValue updates the payload offset stored at node.
func (t *Tree) SetValue(node offset.Offset, value offset.Offset) {
	t.nodeAt(node).Value = value
}

// children returns every immediate child of parentNode, walking its
// table bucket by bucket. Collected up front rather than iterated
// lazily: Delete mutates the very table being walked as it recurses.
func (t *Tree) children(parentNode *Node) []offset.Offset {
	tbl := t.childTable(parentNode)
	if tbl == nil {
		return nil
	}

	var out []offset.Offset

	for b := 0; b < tbl.BucketCount(); b++ {
		var cursor int
		for {
			child := tbl.Get(uint64(b), &cursor)
			if child == offset.Null {
				break
			}

			out = append(out, child)
		}
	}

	return out
}

func (t *Tree) freeNode(off offset.Offset) {
	t.heap.Free(offset.ToPointer(t.base, off))
}

// Delete removes node and its entire subtree. Deleting the root is not
// permitted.
//
// Every step re-derives the node it is currently operating on — its
// parent, its parent's children table — from that node's own fields
// rather than reusing a pointer computed earlier for a different node.
// A prior version of this algorithm captured the parent's table once
// and reused it while recursing into children, which left a stale
// table reference once recursion returned to a different branch of
// the tree; always looking the table up fresh from the node actually
// being unlinked avoids that.
func (t *Tree) Delete(node offset.Offset) error {
	return t.delete(node, node)
}

// delete removes node and its subtree. protect is the node whose
// deletion is already in progress further up the call stack (the
// original target, while its descendants are being cleared); an
// emptied interior node is pruned by recursing upward, but that prune
// must never re-delete protect itself out from under the enclosing
// call still unwinding it. The top-level Delete call passes node as
// its own protect, since pruning above node's real parent is always
// legitimate once node is fully removed, and node can never be its own
// parent, so protect stops mattering for the upward walk the instant
// node itself has been unlinked.
func (t *Tree) delete(node, protect offset.Offset) error {
	if node == t.root {
		return ErrNotFound
	}

	n := t.nodeAt(node)

	for _, child := range t.children(n) {
		if err := t.delete(child, node); err != nil {
			return err
		}
	}

	parent := n.Parent
	parentNode := t.nodeAt(parent)

	tbl := t.childTable(parentNode)
	if tbl == nil {
		return ErrNotFound
	}

	tbl.Delete(htable.StringHash(nameOf(n)), node)
	t.freeNode(node)

	// An emptied interior node carries no table of its own; free and
	// detach it, then, unless parentNode is still being unwound by an
	// enclosing call (or is the root, which is never pruned), recurse
	// to remove the now-childless parentNode too.
	if tbl.Len() == 0 {
		t.heap.Free(offset.ToPointer(t.base, parentNode.Children))
		parentNode.Children = offset.Null

		if parent != t.root && parent != protect {
			return t.delete(parent, protect)
		}
	}

	return nil
}
