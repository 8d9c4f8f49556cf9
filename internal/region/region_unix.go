//go:build unix

package region

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// shmDir returns the directory used to back named shared regions:
// tmpfs-backed /dev/shm where available (Linux and most BSDs), falling
// back to the process temp directory otherwise.
func shmDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}

	return os.TempDir()
}

// shmPath derives a stable filesystem key from the caller-supplied name,
// the way the original design's ftok(fname, 'R') derives a SysV IPC key
// from a path.
func shmPath(name string) string {
	key := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(name)

	return filepath.Join(shmDir(), "omem-"+key)
}

// createOrAttachShared opens (exclusively creating, or attaching to) the
// backing file for a named shared region and maps it MAP_SHARED so every
// attaching process sees the same physical pages.
func createOrAttachShared(name string, size int) ([]byte, *os.File, bool, error) {
	path := shmPath(name)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o644)
	isInitializer := true

	if err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return nil, nil, false, fmt.Errorf("create shared segment %q: %w", path, err)
		}

		isInitializer = false

		fd, err = unix.Open(path, unix.O_RDWR, 0o644)
		if err != nil {
			return nil, nil, false, fmt.Errorf("attach shared segment %q: %w", path, err)
		}
	}

	file := os.NewFile(uintptr(fd), path)

	if isInitializer {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			_ = file.Close()

			return nil, nil, false, fmt.Errorf("size shared segment %q: %w", path, err)
		}
	} else {
		st, err := file.Stat()
		if err != nil {
			_ = file.Close()

			return nil, nil, false, fmt.Errorf("stat shared segment %q: %w", path, err)
		}

		if st.Size() < int64(HeaderSize) {
			_ = file.Close()

			return nil, nil, false, fmt.Errorf(
				"shared segment %q too small: have %d bytes, want at least %d", path, st.Size(), HeaderSize)
		}

		// Map the segment at the size its initializer gave it, so that a
		// capacity disagreement is reported by the header check in Create.
		size = int(st.Size())
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()

		return nil, nil, false, fmt.Errorf("mmap shared segment %q: %w", path, err)
	}

	return mem, file, isInitializer, nil
}

func closeShared(mem []byte, file *os.File) error {
	var err error

	if mem != nil {
		if uerr := unix.Munmap(mem); uerr != nil {
			err = uerr
		}
	}

	if file != nil {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}

// sharedSegmentID derives the rendezvous identifier for a shared
// segment from its backing file's inode number: every process that
// opens the same file observes the same inode, mirroring the role the
// kernel-assigned shmid plays for SysV shared memory in the original
// design.
func sharedSegmentID(file *os.File) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &st); err != nil {
		return 0, fmt.Errorf("fstat shared segment: %w", err)
	}

	// Inode zero is a valid identifier, but omem reserves the all-zero
	// word to mean "not yet published"; fold it onto a non-zero sentinel.
	if st.Ino == 0 {
		return 1<<63 | 1, nil
	}

	return uint64(st.Ino), nil
}
