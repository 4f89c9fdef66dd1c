package filemap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/bitmap"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/vmem"
	"golang.org/x/exp/slog"
)

// State is the position of a FileMapInfo in its write or read sequence
type State int

const (
	StateClosed State = iota
	StateOpenForWrite
	StateHeaderWritten
	StateRegionsWritten
	StateOpenForRead
	StateHeaderRead
	StateValidated
	StateRegionsMapped
)

var stateMapping = map[State]string{
	StateClosed:         "Closed",
	StateOpenForWrite:   "OpenForWrite",
	StateHeaderWritten:  "HeaderWritten",
	StateRegionsWritten: "RegionsWritten",
	StateOpenForRead:    "OpenForRead",
	StateHeaderRead:     "HeaderRead",
	StateValidated:      "Validated",
	StateRegionsMapped:  "RegionsMapped",
}

func (s State) String() string {
	return stateMapping[s]
}

// Options carries the process identity an archive is written with and validated against
type Options struct {
	// VerifySharedSpaces turns on header and region CRC checks when reading
	VerifySharedSpaces bool
	// RequireSharedSpaces makes every validation or mapping failure fatal instead of disabling sharing
	RequireSharedSpaces bool
	JVMIdent            string
	Classpath           []byte
}

// FileMapInfo writes an archive file or reads, validates and maps one. A single FileMapInfo does
// one or the other, never both.
type FileMapInfo struct {
	logger  *slog.Logger
	options Options

	path  string
	file  *os.File
	state State

	header    Header
	rawHeader []byte

	regionData   [NumRegions][]byte
	bitmapData   []byte
	bitmapOffset int64
	fileEnd      int64

	mapped     *vmem.ReservedSpace
	mappedBase uintptr
}

func New(logger *slog.Logger, options Options) *FileMapInfo {
	return &FileMapInfo{
		logger:  logger,
		options: options,
	}
}

func (f *FileMapInfo) State() State {
	return f.state
}

func (f *FileMapInfo) Path() string {
	return f.path
}

// Header returns the header being written or the header read from the file
func (f *FileMapInfo) Header() *Header {
	return &f.header
}

func (f *FileMapInfo) alignment() int64 {
	return int64(f.header.Alignment)
}

// OpenForWrite creates the archive at path, replacing any existing file. header supplies the magic,
// alignment, requested base, bitmap size, serialized data offset and, for dynamic archives, the base
// archive identity; the build identity and classpath come from the options.
func (f *FileMapInfo) OpenForWrite(path string, header Header) error {
	if f.state != StateClosed {
		return stateError("OpenForWrite", StateClosed, f.state)
	}
	if header.Alignment == 0 || !memutils.IsAligned(int(header.Alignment), vmem.PageSize()) {
		return fatalf("archive alignment %d is not a multiple of the page size", header.Alignment)
	}

	header.Version = CurrentVersion
	header.ObjAlignment = uint32(memutils.ObjectAlignment)
	header.JVMIdent = f.options.JVMIdent
	header.Classpath = f.options.Classpath
	f.header = header

	// An old archive may be mapped by another process; unlink rather than truncate it
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fatalWrapf(err, "unable to remove the old shared archive file %s", path)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o444)
	if err != nil {
		return fatalWrapf(err, "unable to create the shared archive file %s", path)
	}

	f.path = path
	f.file = file
	f.state = StateOpenForWrite
	f.logger.LogAttrs(context.Background(), slog.LevelDebug, "FileMapInfo::OpenForWrite",
		slog.String("Path", path), slog.Bool("Dynamic", header.IsDynamic()))
	return nil
}

// SetRegion records the contents of one region. baseAddress is the requested address of the region
// bottom and capacity its aligned size in the address space.
func (f *FileMapInfo) SetRegion(index int, data []byte, baseAddress uintptr, capacity int, readOnly bool, allowExec bool) {
	if f.state != StateOpenForWrite {
		panic(fmt.Sprintf("regions can only be set while open for write, state is %s", f.state))
	}
	if index < 0 || index >= NumRegions {
		panic(fmt.Sprintf("invalid region index %d", index))
	}

	f.regionData[index] = data
	f.header.Regions[index] = SpaceInfo{
		CRC:         ComputeRegionCRC(data),
		BaseAddress: uint64(baseAddress),
		Capacity:    uint64(capacity),
		Used:        uint64(len(data)),
		ReadOnly:    readOnly,
		AllowExec:   allowExec,
	}
}

// SetBitmap records the relocation bitmap. Dynamic archives store it in the bm region slot; static
// archives store it after the md region.
func (f *FileMapInfo) SetBitmap(data []byte) {
	if f.header.IsDynamic() {
		f.SetRegion(RegionBM, data, 0, len(data), true, false)
		return
	}
	if f.state != StateOpenForWrite {
		panic(fmt.Sprintf("the bitmap can only be set while open for write, state is %s", f.state))
	}
	f.bitmapData = data
}

// layout assigns file offsets to every region and the static bitmap
func (f *FileMapInfo) layout() {
	align := f.alignment()
	offset := memutils.AlignUp(int64(f.header.EncodedSize()), align)
	for i := range f.header.Regions {
		region := &f.header.Regions[i]
		region.FileOffset = uint64(offset)
		if region.Used > 0 {
			offset = memutils.AlignUp(offset+int64(region.Used), align)
		}
	}

	if !f.header.IsDynamic() {
		f.bitmapOffset = offset
		offset = memutils.AlignUp(offset+int64(len(f.bitmapData)), align)
	}
	f.fileEnd = offset
}

// WriteHeader lays out the file, computes the header CRC and writes the header at offset 0
func (f *FileMapInfo) WriteHeader() error {
	if f.state != StateOpenForWrite {
		return stateError("WriteHeader", StateOpenForWrite, f.state)
	}

	f.layout()
	f.header.CRC = 0
	encoded, err := f.header.MarshalBinary()
	if err != nil {
		return f.abort(fatalWrapf(err, "unable to encode the archive header"))
	}
	f.header.CRC = ComputeHeaderCRC(encoded)
	encoded, err = f.header.MarshalBinary()
	if err != nil {
		return f.abort(fatalWrapf(err, "unable to encode the archive header"))
	}

	_, err = f.file.WriteAt(encoded, 0)
	if err != nil {
		return f.abort(fatalWrapf(err, "unable to write the archive header to %s", f.path))
	}

	f.rawHeader = encoded
	f.state = StateHeaderWritten
	return nil
}

// WriteRegions writes every region and the bitmap at the offsets WriteHeader assigned
func (f *FileMapInfo) WriteRegions() error {
	if f.state != StateHeaderWritten {
		return stateError("WriteRegions", StateHeaderWritten, f.state)
	}

	for i, data := range f.regionData {
		if len(data) == 0 {
			continue
		}
		_, err := f.file.WriteAt(data, int64(f.header.Regions[i].FileOffset))
		if err != nil {
			return f.abort(fatalWrapf(err, "unable to write the %s region to %s", RegionName(i, f.header.IsDynamic()), f.path))
		}
		f.logger.LogAttrs(context.Background(), slog.LevelInfo, "Wrote archive region",
			slog.String("Region", RegionName(i, f.header.IsDynamic())),
			slog.Int("Bytes", len(data)),
			slog.Uint64("FileOffset", f.header.Regions[i].FileOffset),
			slog.String("Base", fmt.Sprintf("%#x", f.header.Regions[i].BaseAddress)),
		)
	}

	if len(f.bitmapData) > 0 {
		_, err := f.file.WriteAt(f.bitmapData, f.bitmapOffset)
		if err != nil {
			return f.abort(fatalWrapf(err, "unable to write the relocation bitmap to %s", f.path))
		}
	}

	// Close the gap after the last payload so every region can be mapped by whole pages
	info, err := f.file.Stat()
	if err != nil {
		return f.abort(fatalWrapf(err, "unable to stat %s", f.path))
	}
	if info.Size() < f.fileEnd {
		_, err = f.file.WriteAt([]byte{0}, f.fileEnd-1)
		if err != nil {
			return f.abort(fatalWrapf(err, "unable to pad %s", f.path))
		}
	}

	f.state = StateRegionsWritten
	return nil
}

// abort closes and removes a partially written archive, returning err
func (f *FileMapInfo) abort(err error) error {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	if f.path != "" {
		_ = os.Remove(f.path)
	}
	f.state = StateClosed
	return err
}

// Abort discards a partially written archive
func (f *FileMapInfo) Abort() {
	if f.state == StateOpenForWrite || f.state == StateHeaderWritten {
		_ = f.abort(nil)
	}
}

// Close finishes a write or releases the file of a read. Mapped regions stay mapped until Unmap.
func (f *FileMapInfo) Close() error {
	if f.file == nil {
		return nil
	}

	switch f.state {
	case StateOpenForWrite, StateHeaderWritten:
		return f.abort(stateError("Close", StateRegionsWritten, f.state))
	case StateRegionsWritten:
		err := f.file.Sync()
		if err != nil {
			return f.abort(fatalWrapf(err, "unable to sync %s", f.path))
		}
	}

	err := f.file.Close()
	f.file = nil
	if f.state != StateRegionsMapped {
		f.state = StateClosed
	}
	if err != nil {
		return errors.Wrapf(err, "unable to close %s", f.path)
	}
	return nil
}

// disable marks err as sharing-disabled, or fatal when sharing is required, and logs it
func (f *FileMapInfo) disable(err error) error {
	if f.options.RequireSharedSpaces {
		return errors.Mark(err, ErrFatal)
	}
	f.logger.LogAttrs(context.Background(), slog.LevelInfo, "Class data sharing disabled",
		slog.String("Path", f.path), slog.String("Reason", err.Error()))
	return errors.Mark(err, ErrSharingDisabled)
}

// OpenForRead opens an archive file
func (f *FileMapInfo) OpenForRead(path string) error {
	if f.state != StateClosed {
		return stateError("OpenForRead", StateClosed, f.state)
	}

	f.path = path
	file, err := os.Open(path)
	if err != nil {
		return f.disable(errors.Wrapf(err, "specified shared archive not found"))
	}

	f.file = file
	f.state = StateOpenForRead
	return nil
}

// ReadHeader reads and decodes the header, including its variable tail
func (f *FileMapInfo) ReadHeader() error {
	if f.state != StateOpenForRead {
		return stateError("ReadHeader", StateOpenForRead, f.state)
	}

	fixed := make([]byte, fixedHeaderSize)
	_, err := f.file.ReadAt(fixed, 0)
	if err != nil {
		return f.disable(errors.Wrapf(err, "unable to read the shared archive header"))
	}

	var probe Header
	err = probe.UnmarshalBinary(fixed)
	if err != nil && probe.HeaderSize == 0 {
		return f.disable(errors.Wrap(err, "unable to decode the shared archive header"))
	}

	info, err := f.file.Stat()
	if err != nil {
		return f.disable(errors.Wrapf(err, "unable to stat the shared archive"))
	}
	if int64(probe.HeaderSize) > info.Size() || int(probe.HeaderSize) > MaxHeaderSize {
		return f.disable(errors.Newf("the shared archive header size %d exceeds the file size %d or the limit %d",
			probe.HeaderSize, info.Size(), MaxHeaderSize))
	}

	raw := fixed
	if int(probe.HeaderSize) > fixedHeaderSize {
		raw = make([]byte, probe.HeaderSize)
		_, err = f.file.ReadAt(raw, 0)
		if err != nil {
			return f.disable(errors.Wrapf(err, "unable to read the %d byte shared archive header", probe.HeaderSize))
		}
	}

	err = f.header.UnmarshalBinary(raw)
	if err != nil {
		return f.disable(errors.Wrap(err, "unable to decode the shared archive header"))
	}

	f.rawHeader = raw
	f.state = StateHeaderRead
	return nil
}

// Validate checks the header against this process. base is the validated header of the static
// archive when validating a dynamic one, and nil otherwise.
func (f *FileMapInfo) Validate(base *Header) error {
	if f.state != StateHeaderRead {
		return stateError("Validate", StateHeaderRead, f.state)
	}

	err := f.validateHeader(base)
	if err != nil {
		return f.disable(err)
	}

	if f.options.VerifySharedSpaces {
		for i, region := range f.header.Regions {
			if region.Used == 0 {
				continue
			}
			data, err := f.ReadRegion(i)
			if err != nil {
				return f.disable(err)
			}
			if crc := ComputeRegionCRC(data); crc != region.CRC {
				return f.disable(errors.Newf("checksum verification failed for the %s region: %#x != %#x",
					RegionName(i, f.header.IsDynamic()), uint32(crc), uint32(region.CRC)))
			}
		}
	}

	f.state = StateValidated
	return nil
}

func (f *FileMapInfo) validateHeader(base *Header) error {
	h := &f.header
	if h.Version != CurrentVersion {
		return errors.Newf("the shared archive file has the wrong version %d, expected %d", h.Version, CurrentVersion)
	}
	if base == nil && h.IsDynamic() {
		return errors.New("a dynamic archive cannot be used without its base archive")
	}
	if base != nil && !h.IsDynamic() {
		return errors.New("the top layer archive is not a dynamic archive")
	}
	if h.Alignment == 0 || !memutils.IsAligned(int(h.Alignment), vmem.PageSize()) {
		return errors.Newf("the shared archive alignment %d does not match the page size %d", h.Alignment, vmem.PageSize())
	}
	if h.ObjAlignment != uint32(memutils.ObjectAlignment) {
		return errors.Newf("the shared archive object alignment %d does not match %d", h.ObjAlignment, memutils.ObjectAlignment)
	}

	if f.options.VerifySharedSpaces {
		if crc := ComputeHeaderCRC(f.rawHeader); crc != h.CRC {
			return errors.Newf("header checksum verification failed: %#x != %#x", crc, h.CRC)
		}
	}

	if h.JVMIdent != f.options.JVMIdent {
		return errors.Newf("the shared archive was created by a different version or build (%q, this process is %q)",
			h.JVMIdent, f.options.JVMIdent)
	}
	if !bytes.Equal(h.Classpath, f.options.Classpath) {
		return errors.New("the shared class paths do not match")
	}

	if base != nil {
		if h.BaseHeaderCRC != int32(base.CRC) {
			return errors.Newf("dynamic archive was built over a different base archive: header checksum %#x != %#x",
				uint32(h.BaseHeaderCRC), base.CRC)
		}
		for i, crc := range h.BaseRegionCRC {
			if crc != base.Regions[i].CRC {
				return errors.Newf("dynamic archive was built over a different base archive: %s region checksum %#x != %#x",
					RegionName(i, false), uint32(crc), uint32(base.Regions[i].CRC))
			}
		}
	}

	return nil
}

// ReadRegion reads the used bytes of a region from the file
func (f *FileMapInfo) ReadRegion(index int) ([]byte, error) {
	if f.file == nil {
		return nil, errors.Newf("%s is not open", f.path)
	}
	region := f.header.Regions[index]
	data := make([]byte, region.Used)
	_, err := f.file.ReadAt(data, int64(region.FileOffset))
	if err != nil && !(errors.Is(err, io.EOF) && len(data) == 0) {
		return nil, errors.Wrapf(err, "unable to read the %s region", RegionName(index, f.header.IsDynamic()))
	}
	return data, nil
}

// ReadBitmap reads the relocation bitmap
func (f *FileMapInfo) ReadBitmap() (*bitmap.Bitmap, error) {
	if f.state != StateValidated && f.state != StateRegionsMapped {
		return nil, stateError("ReadBitmap", StateValidated, f.state)
	}

	bits := int(f.header.PtrmapSizeInBits)
	size := memutils.WordsToBytes((bits + 63) / 64)
	var data []byte
	var err error
	if f.header.IsDynamic() {
		data, err = f.ReadRegion(RegionBM)
	} else {
		md := f.header.Regions[RegionMD]
		offset := memutils.AlignUp(int64(md.FileOffset+md.Used), f.alignment())
		data = make([]byte, size)
		_, err = f.file.ReadAt(data, offset)
	}
	if err != nil {
		return nil, f.disable(errors.Wrap(err, "unable to read the relocation bitmap"))
	}
	if len(data) < size {
		return nil, f.disable(errors.Newf("relocation bitmap holds %d bytes, expected %d", len(data), size))
	}

	bm, err := bitmap.FromBytes(data[:size], bits)
	if err != nil {
		return nil, f.disable(errors.Wrap(err, "unable to decode the relocation bitmap"))
	}
	return bm, nil
}

// MapRegions reserves one contiguous range for the rw, ro and md regions, preferably at the requested
// base, and maps each region into it writable so it can be relocated. It returns the mapped base.
func (f *FileMapInfo) MapRegions() (uintptr, error) {
	if f.state != StateValidated {
		return 0, stateError("MapRegions", StateValidated, f.state)
	}

	h := &f.header
	size := int(h.MappedSize())
	requested := uintptr(h.Regions[RegionRW].BaseAddress)
	rs, err := vmem.Reserve(f.logger, size, int(h.Alignment), requested)
	if err != nil {
		return 0, f.disable(errors.Wrapf(err, "unable to reserve %d bytes for the shared archive", size))
	}

	for _, index := range []int{RegionRW, RegionRO, RegionMD} {
		region := h.Regions[index]
		if region.Used == 0 {
			continue
		}
		addr := rs.Base() + uintptr(region.BaseAddress-uint64(requested))
		err = vmem.MapFile(rs, f.file, int64(region.FileOffset), addr,
			memutils.AlignUp(int(region.Used), vmem.PageSize()), vmem.ProtRead|vmem.ProtWrite)
		if err != nil {
			_ = rs.Release()
			return 0, f.disable(errors.Wrapf(err, "unable to map the %s region", RegionName(index, h.IsDynamic())))
		}
	}

	f.mapped = rs
	f.mappedBase = rs.Base()
	f.state = StateRegionsMapped
	f.logger.LogAttrs(context.Background(), slog.LevelInfo, "Mapped shared archive",
		slog.String("Path", f.path),
		slog.String("Requested", fmt.Sprintf("%#x", requested)),
		slog.String("Mapped", fmt.Sprintf("%#x", f.mappedBase)),
		slog.Int("Size", size),
	)
	return f.mappedBase, nil
}

// MappedBase is the address the rw region was mapped at
func (f *FileMapInfo) MappedBase() uintptr {
	return f.mappedBase
}

// ProtectRegions drops write access from the read-only regions once relocation is done
func (f *FileMapInfo) ProtectRegions() error {
	if f.state != StateRegionsMapped {
		return stateError("ProtectRegions", StateRegionsMapped, f.state)
	}

	requested := f.header.Regions[RegionRW].BaseAddress
	for _, index := range []int{RegionRW, RegionRO, RegionMD} {
		region := f.header.Regions[index]
		if region.Used == 0 || !region.ReadOnly {
			continue
		}
		err := vmem.Protect(f.mappedBase+uintptr(region.BaseAddress-requested), int(region.Used), vmem.ProtRead)
		if err != nil {
			return err
		}
	}
	return nil
}

// Unmap releases the mapped regions
func (f *FileMapInfo) Unmap() error {
	if f.mapped == nil {
		return nil
	}
	err := f.mapped.Release()
	f.mapped = nil
	f.mappedBase = 0
	if f.file == nil {
		f.state = StateClosed
	} else {
		f.state = StateValidated
	}
	return err
}
