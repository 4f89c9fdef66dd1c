//go:build linux

package vmem

import (
	"os"
	"unsafe"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"golang.org/x/sys/unix"
)

const reserveFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_NORESERVE

// PageSize is the OS commit granularity
func PageSize() int {
	return unix.Getpagesize()
}

func osReserve(size int, alignment int, requested uintptr) (uintptr, []byte, error) {
	if requested != 0 {
		// Without MAP_FIXED the address is only a hint: the kernel may put the mapping elsewhere
		ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(requested), uintptr(size), unix.PROT_NONE, reserveFlags)
		if err == nil {
			addr := uintptr(ptr)
			if addr == requested || memutils.IsAligned(addr, uintptr(alignment)) {
				return addr, nil, nil
			}
			_ = unix.MunmapPtr(ptr, uintptr(size))
		}
	}

	extra := size
	if alignment > PageSize() {
		extra += alignment
	}

	ptr, err := unix.MmapPtr(-1, 0, nil, uintptr(extra), unix.PROT_NONE, reserveFlags)
	if err != nil {
		return 0, nil, err
	}

	start := uintptr(ptr)
	aligned := memutils.AlignUp(start, uintptr(alignment))
	if lead := aligned - start; lead > 0 {
		_ = unix.MunmapPtr(ptr, lead)
	}
	end := aligned + uintptr(size)
	if trail := start + uintptr(extra) - end; trail > 0 {
		_ = unix.MunmapPtr(unsafe.Pointer(end), trail)
	}

	return aligned, nil, nil
}

func osCommit(addr uintptr, size int) error {
	return unix.Mprotect(memutils.BytesAt(addr, size), unix.PROT_READ|unix.PROT_WRITE)
}

func osUncommit(addr uintptr, size int) error {
	region := memutils.BytesAt(addr, size)
	err := unix.Madvise(region, unix.MADV_DONTNEED)
	if err != nil {
		return err
	}
	return unix.Mprotect(region, unix.PROT_NONE)
}

func osRelease(addr uintptr, size int, _ []byte) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), uintptr(size))
}

func protFlags(prot Protection) int {
	flags := unix.PROT_NONE
	if prot&ProtRead != 0 {
		flags |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		flags |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		flags |= unix.PROT_EXEC
	}
	return flags
}

func osMapFile(f *os.File, offset int64, addr uintptr, size int, prot Protection) error {
	_, err := unix.MmapPtr(int(f.Fd()), offset, unsafe.Pointer(addr), uintptr(size), protFlags(prot), unix.MAP_PRIVATE|unix.MAP_FIXED)
	return err
}

func osProtect(addr uintptr, size int, prot Protection) error {
	return unix.Mprotect(memutils.BytesAt(addr, size), protFlags(prot))
}
