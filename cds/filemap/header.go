package filemap

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
)

const (
	StaticMagic  uint32 = 0xF00BABA2
	DynamicMagic uint32 = 0xF00BABA8

	CurrentVersion uint32 = 3

	// JVMIdentLength is the size of the NUL padded build identity field
	JVMIdentLength int = 128

	NumRegions int = 4

	spaceInfoSize   int = 48
	regionsOffset   int = 24
	fixedHeaderSize int = 376
	// MaxHeaderSize bounds the variable tail of a header read from disk
	MaxHeaderSize int = memutils.M
	// crcStart is the first header byte covered by the header CRC
	crcStart int = 8
)

// Region slots
const (
	RegionRW int = iota
	RegionRO
	RegionMD
	// RegionMC is the misc code slot of a static archive; dynamic archives keep their bitmap here
	RegionMC
	RegionBM = RegionMC
)

var regionNames = [NumRegions]string{"rw", "ro", "md", "mc"}

// RegionName is the short name of a region slot. Slot 3 reads "bm" in dynamic archives.
func RegionName(index int, dynamic bool) string {
	if dynamic && index == RegionBM {
		return "bm"
	}
	return regionNames[index]
}

// SpaceInfo describes one region of the archive
type SpaceInfo struct {
	CRC         int32
	FileOffset  uint64
	BaseAddress uint64
	Capacity    uint64
	Used        uint64
	ReadOnly    bool
	AllowExec   bool
}

// Header is the fixed part of an archive file plus its variable tail (the classpath blob and, for
// dynamic archives, the identity of the base archive)
type Header struct {
	Magic        uint32
	CRC          uint32
	Version      uint32
	Alignment    uint32
	ObjAlignment uint32
	IsDefault    bool

	Regions [NumRegions]SpaceInfo

	JVMIdent             string
	RequestedBase        uint64
	PtrmapSizeInBits     uint64
	SerializedDataOffset uint64
	HeaderSize           uint32
	Classpath            []byte

	BaseHeaderCRC   int32
	BaseRegionCRC   [NumRegions]int32
	BaseArchivePath string
}

func (h *Header) IsDynamic() bool {
	return h.Magic == DynamicMagic
}

// EncodedSize is the number of bytes MarshalBinary produces
func (h *Header) EncodedSize() int {
	size := fixedHeaderSize + len(h.Classpath)
	if h.IsDynamic() {
		size += 4 + 4*NumRegions + 4 + len(h.BaseArchivePath)
	}
	return size
}

// MarshalBinary encodes the header little-endian. HeaderSize is set from the encoded length; the CRC
// field is written as it stands.
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.JVMIdent) >= JVMIdentLength {
		return nil, errors.Newf("build identity %q does not fit in %d bytes", h.JVMIdent, JVMIdentLength)
	}
	h.HeaderSize = uint32(h.EncodedSize())

	buf := make([]byte, h.HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], h.Magic)
	le.PutUint32(buf[4:], h.CRC)
	le.PutUint32(buf[8:], h.Version)
	le.PutUint32(buf[12:], h.Alignment)
	le.PutUint32(buf[16:], h.ObjAlignment)
	buf[20] = boolByte(h.IsDefault)

	for i, region := range h.Regions {
		out := buf[regionsOffset+i*spaceInfoSize:]
		le.PutUint32(out[0:], uint32(region.CRC))
		le.PutUint64(out[8:], region.FileOffset)
		le.PutUint64(out[16:], region.BaseAddress)
		le.PutUint64(out[24:], region.Capacity)
		le.PutUint64(out[32:], region.Used)
		out[40] = boolByte(region.ReadOnly)
		out[41] = boolByte(region.AllowExec)
	}

	copy(buf[216:216+JVMIdentLength], h.JVMIdent)
	le.PutUint64(buf[344:], h.RequestedBase)
	le.PutUint64(buf[352:], h.PtrmapSizeInBits)
	le.PutUint64(buf[360:], h.SerializedDataOffset)
	le.PutUint32(buf[368:], h.HeaderSize)
	le.PutUint32(buf[372:], uint32(len(h.Classpath)))
	offset := fixedHeaderSize
	offset += copy(buf[offset:], h.Classpath)

	if h.IsDynamic() {
		le.PutUint32(buf[offset:], uint32(h.BaseHeaderCRC))
		offset += 4
		for _, crc := range h.BaseRegionCRC {
			le.PutUint32(buf[offset:], uint32(crc))
			offset += 4
		}
		le.PutUint32(buf[offset:], uint32(len(h.BaseArchivePath)))
		offset += 4
		copy(buf[offset:], h.BaseArchivePath)
	}

	return buf, nil
}

// UnmarshalBinary decodes a header produced by MarshalBinary. data may extend past the header.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < fixedHeaderSize {
		return errors.Newf("archive header is truncated: %d bytes", len(data))
	}

	le := binary.LittleEndian
	h.Magic = le.Uint32(data[0:])
	if h.Magic != StaticMagic && h.Magic != DynamicMagic {
		return errors.Newf("bad archive magic %#x", h.Magic)
	}
	h.CRC = le.Uint32(data[4:])
	h.Version = le.Uint32(data[8:])
	h.Alignment = le.Uint32(data[12:])
	h.ObjAlignment = le.Uint32(data[16:])
	h.IsDefault = data[20] != 0

	for i := range h.Regions {
		in := data[regionsOffset+i*spaceInfoSize:]
		h.Regions[i] = SpaceInfo{
			CRC:         int32(le.Uint32(in[0:])),
			FileOffset:  le.Uint64(in[8:]),
			BaseAddress: le.Uint64(in[16:]),
			Capacity:    le.Uint64(in[24:]),
			Used:        le.Uint64(in[32:]),
			ReadOnly:    in[40] != 0,
			AllowExec:   in[41] != 0,
		}
	}

	ident := data[216 : 216+JVMIdentLength]
	if end := bytes.IndexByte(ident, 0); end >= 0 {
		ident = ident[:end]
	}
	h.JVMIdent = string(ident)
	h.RequestedBase = le.Uint64(data[344:])
	h.PtrmapSizeInBits = le.Uint64(data[352:])
	h.SerializedDataOffset = le.Uint64(data[360:])
	h.HeaderSize = le.Uint32(data[368:])
	if int(h.HeaderSize) > len(data) || int(h.HeaderSize) < fixedHeaderSize {
		return errors.Newf("archive header size %d is out of range", h.HeaderSize)
	}
	data = data[:h.HeaderSize]

	classpathLen := int(le.Uint32(data[372:]))
	offset := fixedHeaderSize
	if offset+classpathLen > len(data) {
		return errors.Newf("classpath of %d bytes overruns the header", classpathLen)
	}
	h.Classpath = bytes.Clone(data[offset : offset+classpathLen])
	offset += classpathLen

	if h.IsDynamic() {
		if offset+8+4*NumRegions > len(data) {
			return errors.New("dynamic archive header is missing its base archive record")
		}
		h.BaseHeaderCRC = int32(le.Uint32(data[offset:]))
		offset += 4
		for i := range h.BaseRegionCRC {
			h.BaseRegionCRC[i] = int32(le.Uint32(data[offset:]))
			offset += 4
		}
		pathLen := int(le.Uint32(data[offset:]))
		offset += 4
		if offset+pathLen > len(data) {
			return errors.Newf("base archive path of %d bytes overruns the header", pathLen)
		}
		h.BaseArchivePath = string(data[offset : offset+pathLen])
	}

	return nil
}

// ComputeHeaderCRC checksums the encoded header, skipping the magic and the CRC field itself
func ComputeHeaderCRC(encoded []byte) uint32 {
	return crc32.ChecksumIEEE(encoded[crcStart:])
}

// ComputeRegionCRC checksums the used bytes of a region
func ComputeRegionCRC(data []byte) int32 {
	return int32(crc32.ChecksumIEEE(data))
}

// MappedSize is the span from the bottom of the rw region to the end of the md region
func (h *Header) MappedSize() uint64 {
	md := h.Regions[RegionMD]
	return md.BaseAddress + md.Capacity - h.Regions[RegionRW].BaseAddress
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
