// Package region implements the shared-region bootstrap: acquiring or
// attaching a contiguous byte region, either backed by private process
// memory or by a named shared-memory segment mapped at possibly different
// virtual addresses in cooperating processes, and publishing the header
// that every other omem component reads.
package region

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/Masterminds/semver/v3"

	"github.com/eclbsys/omem/internal/offset"
)

const (
	wordSize = 8 // native machine word; all header fields are one word wide

	// Header word indices.
	idxSegmentID     = 0
	idxCapacity      = 1
	idxCursor        = 2
	idxHeadroomSize  = 3
	idxFormatVersion = 4
	headerWords      = 5

	// HeaderSize is the byte size of the fixed region header.
	HeaderSize = headerWords * wordSize

	pageSize = 4096
)

// FormatVersion is the layout version this build writes into freshly
// initialized regions.
const FormatVersion = "1.0.0"

// DefaultFormatConstraint is the compatibility range checked by an
// attacher against the initializer's published format version.
const DefaultFormatConstraint = ">=1.0.0, <2.0.0"

var (
	// ErrInvalidRegion is returned when an operation is given a nil or
	// otherwise unusable region handle.
	ErrInvalidRegion = errors.New("omem/region: invalid region handle")

	// ErrCapacityMismatch is returned when an attacher's requested
	// capacity does not match the initializer's published capacity.
	ErrCapacityMismatch = errors.New("omem/region: capacity mismatch on rendezvous")

	// ErrFormatIncompatible is returned when the published layout format
	// version does not satisfy the attacher's compatibility constraint.
	ErrFormatIncompatible = errors.New("omem/region: incompatible layout format version")

	// ErrAttachTimeout is returned when an attacher gives up waiting for
	// the initializer to publish the segment identifier.
	ErrAttachTimeout = errors.New("omem/region: timed out waiting for initializer")

	// ErrUnsupported is returned when named shared regions are requested
	// on a platform this build does not know how to back with shared
	// memory.
	ErrUnsupported = errors.New("omem/region: shared regions unsupported on this platform")
)

// Config holds the tunable knobs of Create, set via Option.
type Config struct {
	AttachTimeout    time.Duration
	AttachPollEvery  time.Duration
	FormatConstraint string
}

// Option configures a Config.
type Option func(*Config)

// WithAttachTimeout bounds how long an attacher waits for the
// initializer to publish the segment identifier, so a crashed or
// never-starting initializer cannot hang an attacher forever.
func WithAttachTimeout(d time.Duration) Option {
	return func(c *Config) { c.AttachTimeout = d }
}

// WithAttachPollInterval sets the sleep interval between header polls
// while attaching.
func WithAttachPollInterval(d time.Duration) Option {
	return func(c *Config) { c.AttachPollEvery = d }
}

// WithFormatConstraint overrides the semver constraint an attacher
// checks the initializer's published format version against.
func WithFormatConstraint(constraint string) Option {
	return func(c *Config) { c.FormatConstraint = constraint }
}

func defaultConfig() *Config {
	return &Config{
		AttachTimeout:    5 * time.Second,
		AttachPollEvery:  2 * time.Millisecond,
		FormatConstraint: DefaultFormatConstraint,
	}
}

// Handle binds a mapped region to the process holding it. It is the
// opaque result of Create and the argument to every other omem
// component.
type Handle struct {
	mem      []byte
	base     unsafe.Pointer
	name     string
	file     *os.File
	shared   bool
	initiator bool
}

// Base returns the address every offset in this region is relative to.
// It is only valid for the lifetime of the process that obtained it;
// never persist it, only the offsets derived from it.
func (h *Handle) Base() unsafe.Pointer { return h.base }

// Name reports the shared-segment key this handle was created or
// attached with, or "" for a privately backed region.
func (h *Handle) Name() string { return h.name }

// IsShared reports whether this region is backed by a named shared
// segment rather than private process memory.
func (h *Handle) IsShared() bool { return h.shared }

// WasInitializer reports whether this process was the one that created
// (rather than attached to) the shared segment.
func (h *Handle) WasInitializer() bool { return h.initiator }

func (h *Handle) word(idx int) uint64 {
	return *(*uint64)(unsafe.Add(h.base, idx*wordSize))
}

func (h *Handle) setWord(idx int, v uint64) {
	*(*uint64)(unsafe.Add(h.base, idx*wordSize)) = v
}

// SegmentID returns the published segment identifier (the bootstrap's
// sole publish/observe rendezvous word).
func (h *Handle) SegmentID() uint64 { return h.word(idxSegmentID) }

// Capacity returns the usable heap-area capacity in bytes.
func (h *Handle) Capacity() uint64 { return h.word(idxCapacity) }

// Cursor returns the heap's rotating next-fit search cursor, as a byte
// offset into the heap area (not the region).
func (h *Handle) Cursor() offset.Offset { return offset.Offset(h.word(idxCursor)) }

// SetCursor updates the heap's next-fit search cursor. It is exported
// for use by internal/heap, which owns cursor placement; no other
// component should call it.
func (h *Handle) SetCursor(o offset.Offset) { h.setWord(idxCursor, uint64(o)) }

// Headroom returns the number of caller-reserved headroom bytes between
// the header and the heap area.
func (h *Handle) Headroom() uint64 { return h.word(idxHeadroomSize) }

// HeadroomBytes returns a byte slice view over the caller-defined
// headroom region, for use by callers placing their own metadata (e.g.
// an external mutex) there. It is empty if Headroom() == 0.
func (h *Handle) HeadroomBytes() []byte {
	start := HeaderSize
	end := start + int(h.Headroom())

	return h.mem[start:end]
}

// HeapBase returns the offset, relative to Base(), of the first byte of
// the heap area.
func (h *Handle) HeapBase() offset.Offset {
	return offset.Offset(HeaderSize) + offset.Offset(h.Headroom())
}

// FormatVersion returns the layout format version published in the
// header, decoded back from its packed word representation.
func (h *Handle) FormatVersion() *semver.Version {
	return decodeVersion(h.word(idxFormatVersion))
}

// Create acquires a region of the requested usable capacity. If name is
// empty the region is backed by private process memory. If name is
// non-empty it names a shared segment: the first caller to reach the
// rendezvous becomes the initializer, every subsequent caller attaches
// to the segment the initializer published.
func Create(name string, capacity, headroom uint64, opts ...Option) (*Handle, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	total := HeaderSize + int(headroom) + int(capacity)
	total = alignUp(total, pageSize)

	if name == "" {
		mem := make([]byte, total)
		h := &Handle{mem: mem, base: unsafe.Pointer(unsafe.SliceData(mem))}
		h.initialize(capacity, headroom)

		return h, nil
	}

	mem, file, isInitializer, err := createOrAttachShared(name, total)
	if err != nil {
		return nil, fmt.Errorf("omem/region: %w", err)
	}

	h := &Handle{
		mem:       mem,
		base:      unsafe.Pointer(unsafe.SliceData(mem)),
		name:      name,
		file:      file,
		shared:    true,
		initiator: isInitializer,
	}

	if isInitializer {
		segID, err := sharedSegmentID(file)
		if err != nil {
			_ = closeShared(mem, file)

			return nil, fmt.Errorf("omem/region: %w", err)
		}

		h.initialize(capacity, headroom)
		h.setWord(idxSegmentID, segID) // published last: the readiness barrier

		return h, nil
	}

	segID, err := sharedSegmentID(file)
	if err != nil {
		_ = closeShared(mem, file)

		return nil, fmt.Errorf("omem/region: %w", err)
	}

	if err := h.waitForInitializer(segID, cfg); err != nil {
		_ = closeShared(mem, file)

		return nil, err
	}

	if h.Capacity() != capacity {
		_ = closeShared(mem, file)

		return nil, ErrCapacityMismatch
	}

	constraint, err := semver.NewConstraint(cfg.FormatConstraint)
	if err != nil {
		_ = closeShared(mem, file)

		return nil, fmt.Errorf("omem/region: invalid format constraint: %w", err)
	}

	if !constraint.Check(h.FormatVersion()) {
		_ = closeShared(mem, file)

		return nil, ErrFormatIncompatible
	}

	return h, nil
}

// initialize installs a single free block spanning the whole heap area
// and writes the header fields that do not require rendezvous. The
// segment identifier is written separately, last, by the caller.
func (h *Handle) initialize(capacity, headroom uint64) {
	heapArea := h.mem[HeaderSize+int(headroom):]
	for i := range heapArea {
		heapArea[i] = 0
	}

	h.setWord(idxCapacity, capacity)
	h.setWord(idxCursor, 0)
	h.setWord(idxHeadroomSize, headroom)
	h.setWord(idxFormatVersion, encodeVersion(semver.MustParse(FormatVersion)))

	// Install the single whole-heap free block: head and foot both hold
	// size|used=0.
	blockBase := unsafe.Add(h.base, HeaderSize+int(headroom))
	*(*uint64)(blockBase) = capacity
	*(*uint64)(unsafe.Add(blockBase, uintptr(capacity)-wordSize)) = capacity
}

func (h *Handle) waitForInitializer(wantSegID uint64, cfg *Config) error {
	deadline := time.Now().Add(cfg.AttachTimeout)

	for {
		if h.SegmentID() == wantSegID {
			return nil
		}

		if cfg.AttachTimeout > 0 && time.Now().After(deadline) {
			return ErrAttachTimeout
		}

		time.Sleep(cfg.AttachPollEvery)
	}
}

// Destroy releases this process's binding to the region. For a private
// region this simply drops references; for a shared region it unmaps
// and closes this process's mapping. It never deletes the named
// segment itself — removing the backing file is left to whichever
// process or operator owns the segment's lifecycle.
func (h *Handle) Destroy() error {
	if h == nil {
		return ErrInvalidRegion
	}

	if !h.shared {
		h.mem = nil
		h.base = nil

		return nil
	}

	err := closeShared(h.mem, h.file)
	h.mem = nil
	h.base = nil
	h.file = nil

	return err
}

func alignUp(n, alignment int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}
