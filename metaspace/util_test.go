package metaspace_test

import (
	"runtime"
	"unsafe"
)

func uintptrOf(buffer []uint64) uintptr {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buffer)))
	runtime.KeepAlive(buffer)
	return addr
}
