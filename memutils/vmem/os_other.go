//go:build !linux

package vmem

import (
	"os"
	"unsafe"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
)

// PageSize is the OS commit granularity
func PageSize() int {
	return os.Getpagesize()
}

// Without an mmap-style API the reservation is backed by a Go slice that is kept alive by the
// ReservedSpace. The requested address cannot be honored.
func osReserve(size int, alignment int, _ uintptr) (uintptr, []byte, error) {
	backing := make([]byte, size+alignment)
	start := uintptr(unsafe.Pointer(&backing[0]))
	aligned := memutils.AlignUp(start, uintptr(alignment))
	return aligned, backing, nil
}

func osCommit(addr uintptr, size int) error {
	return nil
}

func osUncommit(addr uintptr, size int) error {
	clear(memutils.BytesAt(addr, size))
	return nil
}

func osRelease(addr uintptr, size int, _ []byte) error {
	return nil
}

func osMapFile(f *os.File, offset int64, addr uintptr, size int, _ Protection) error {
	_, err := f.ReadAt(memutils.BytesAt(addr, size), offset)
	return err
}

func osProtect(addr uintptr, size int, prot Protection) error {
	return nil
}
