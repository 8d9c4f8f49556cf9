package region

import (
	"fmt"
	"testing"
	"time"
	"unsafe"
)

func TestCreatePrivateRegion(t *testing.T) {
	h, err := Create("", 4096, 64)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer func() { _ = h.Destroy() }()

	if h.IsShared() {
		t.Fatal("private region reports IsShared() = true")
	}

	if h.Capacity() != 4096 {
		t.Fatalf("Capacity() = %d, want 4096", h.Capacity())
	}

	if h.Headroom() != 64 {
		t.Fatalf("Headroom() = %d, want 64", h.Headroom())
	}

	if len(h.HeadroomBytes()) != 64 {
		t.Fatalf("len(HeadroomBytes()) = %d, want 64", len(h.HeadroomBytes()))
	}

	if got, want := h.HeapBase(), HeaderSize+64; int(got) != want {
		t.Fatalf("HeapBase() = %d, want %d", got, want)
	}
}

func TestPrivateRegionInstallsWholeHeapFreeBlock(t *testing.T) {
	h, err := Create("", 4096, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer func() { _ = h.Destroy() }()

	base := h.Base()
	heapBase := h.HeapBase()

	head := *(*uint64)(unsafe.Add(base, int(heapBase)))
	foot := *(*uint64)(unsafe.Add(base, int(heapBase)+4096-wordSize))

	if head != 4096 || foot != 4096 {
		t.Fatalf("initial free block tags = (%d, %d), want (4096, 4096)", head, foot)
	}
}

func TestSharedRegionInitializerAndAttacher(t *testing.T) {
	name := fmt.Sprintf("test-%d", time.Now().UnixNano())

	initiator, err := Create(name, 4096, 16)
	if err != nil {
		t.Fatalf("Create (initializer): %v", err)
	}

	defer func() { _ = initiator.Destroy() }()

	if !initiator.WasInitializer() {
		t.Fatal("first Create() did not become the initializer")
	}

	attacher, err := Create(name, 4096, 16, WithAttachTimeout(time.Second))
	if err != nil {
		t.Fatalf("Create (attacher): %v", err)
	}

	defer func() { _ = attacher.Destroy() }()

	if attacher.WasInitializer() {
		t.Fatal("second Create() incorrectly became the initializer")
	}

	if attacher.SegmentID() != initiator.SegmentID() {
		t.Fatalf("attacher segment ID %d != initializer segment ID %d", attacher.SegmentID(), initiator.SegmentID())
	}
}

func TestSharedRegionCapacityMismatch(t *testing.T) {
	name := fmt.Sprintf("test-%d", time.Now().UnixNano())

	initiator, err := Create(name, 4096, 0)
	if err != nil {
		t.Fatalf("Create (initializer): %v", err)
	}

	defer func() { _ = initiator.Destroy() }()

	_, err = Create(name, 8192, 0, WithAttachTimeout(time.Second))
	if err != ErrCapacityMismatch {
		t.Fatalf("Create (mismatched attacher) err = %v, want ErrCapacityMismatch", err)
	}
}

func TestSharedRegionFormatIncompatible(t *testing.T) {
	name := fmt.Sprintf("test-%d", time.Now().UnixNano())

	initiator, err := Create(name, 4096, 0)
	if err != nil {
		t.Fatalf("Create (initializer): %v", err)
	}

	defer func() { _ = initiator.Destroy() }()

	_, err = Create(name, 4096, 0,
		WithAttachTimeout(time.Second),
		WithFormatConstraint(">=9.0.0"))
	if err != ErrFormatIncompatible {
		t.Fatalf("Create (incompatible format) err = %v, want ErrFormatIncompatible", err)
	}
}

func TestGuardLockUnlock(t *testing.T) {
	h, err := Create("", 4096, 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer func() { _ = h.Destroy() }()

	g, err := NewGuard(h)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}

	if !g.TryLock() {
		t.Fatal("TryLock on an unheld guard returned false")
	}

	if g.TryLock() {
		t.Fatal("TryLock on an already-held guard returned true")
	}

	g.Unlock()

	if !g.TryLock() {
		t.Fatal("TryLock after Unlock returned false")
	}
}

func TestGuardInsufficientHeadroom(t *testing.T) {
	h, err := Create("", 4096, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer func() { _ = h.Destroy() }()

	if _, err := NewGuard(h); err != ErrNoHeadroom {
		t.Fatalf("NewGuard err = %v, want ErrNoHeadroom", err)
	}
}

func TestWatchRejectsPrivateRegion(t *testing.T) {
	h, err := Create("", 4096, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	defer func() { _ = h.Destroy() }()

	if _, err := h.Watch(); err != ErrInvalidRegion {
		t.Fatalf("Watch() err = %v, want ErrInvalidRegion", err)
	}
}
