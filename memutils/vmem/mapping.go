package vmem

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
)

// Protection is a set of access rights for mapped memory
type Protection int

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

var protectionMapping = map[Protection]string{
	ProtRead:  "r",
	ProtWrite: "w",
	ProtExec:  "x",
}

func (p Protection) String() string {
	str := ""
	for _, flag := range []Protection{ProtRead, ProtWrite, ProtExec} {
		if p&flag != 0 {
			str += protectionMapping[flag]
		} else {
			str += "-"
		}
	}
	return str
}

// MapFile maps size bytes of f starting at offset over addr, which must lie inside rs. The mapping is
// private: writes are never carried back to the file.
func MapFile(rs *ReservedSpace, f *os.File, offset int64, addr uintptr, size int, prot Protection) error {
	if size == 0 {
		return nil
	}
	if !rs.Contains(addr) || addr+uintptr(size) > rs.End() {
		return errors.Newf("mapping [%#x, %#x) does not fit in reservation [%#x, %#x)", addr, addr+uintptr(size), rs.Base(), rs.End())
	}
	if !memutils.IsAligned(offset, int64(PageSize())) || !memutils.IsAligned(addr, uintptr(PageSize())) {
		return errors.Wrapf(memutils.AlignmentError, "file offset %d and address %#x must be page aligned", offset, addr)
	}

	err := osMapFile(f, offset, addr, size, prot)
	if err != nil {
		return errors.Wrapf(err, "failed to map %d bytes of %s at %#x", size, f.Name(), addr)
	}
	return nil
}

// Protect changes the access rights of [addr, addr+size)
func Protect(addr uintptr, size int, prot Protection) error {
	if size == 0 {
		return nil
	}
	err := osProtect(addr, memutils.AlignUp(size, PageSize()), prot)
	if err != nil {
		return errors.Wrapf(err, "failed to protect %d bytes at %#x as %s", size, addr, prot)
	}
	return nil
}
