//go:build !unix

package region

import "os"

// Named shared regions require a POSIX shared-memory-style mmap, which
// this build does not implement outside Unix targets. Private regions
// (name == "") are unaffected, since they never call this path.

func createOrAttachShared(name string, size int) ([]byte, *os.File, bool, error) {
	return nil, nil, false, ErrUnsupported
}

func closeShared(mem []byte, file *os.File) error {
	return nil
}

func sharedSegmentID(file *os.File) (uint64, error) {
	return 0, ErrUnsupported
}
