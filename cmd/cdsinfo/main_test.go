package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/cds/filemap"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/vmem"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout))
}

func writeArchive(t *testing.T) string {
	page := vmem.PageSize()
	path := filepath.Join(t.TempDir(), "classes.jsa")
	requested := uintptr(0x800000000)

	info := filemap.New(testLogger(), filemap.Options{JVMIdent: "test build", Classpath: []byte("app.jar")})
	require.NoError(t, info.OpenForWrite(path, filemap.Header{
		Magic:         filemap.StaticMagic,
		Alignment:     uint32(page),
		RequestedBase: uint64(requested),
	}))
	info.SetRegion(filemap.RegionRW, make([]byte, 64), requested, page, false, false)
	info.SetRegion(filemap.RegionRO, make([]byte, 32), requested+uintptr(page), page, true, false)
	info.SetRegion(filemap.RegionMD, make([]byte, 16), requested+uintptr(2*page), page, false, false)
	info.SetRegion(filemap.RegionMC, nil, requested+uintptr(3*page), 0, false, true)
	info.SetBitmap(nil)
	require.NoError(t, info.WriteHeader())
	require.NoError(t, info.WriteRegions())
	require.NoError(t, info.Close())
	return path
}

type printedHeader struct {
	Dynamic    bool
	JVMIdent   string
	Classpath  string
	MappedSize int
	Regions    map[string]struct {
		Used     int
		ReadOnly bool
	}
	Validation *struct {
		Valid bool
		Error string
	}
}

func TestPrintHeader(t *testing.T) {
	path := writeArchive(t)
	header, err := readHeader(testLogger(), path)
	require.NoError(t, err)

	var printed printedHeader
	require.NoError(t, json.Unmarshal(printHeader(header, nil, false), &printed))
	require.False(t, printed.Dynamic)
	require.Equal(t, "test build", printed.JVMIdent)
	require.Equal(t, "app.jar", printed.Classpath)
	require.Equal(t, 3*vmem.PageSize(), printed.MappedSize)
	require.Equal(t, 64, printed.Regions["rw"].Used)
	require.True(t, printed.Regions["ro"].ReadOnly)
	require.Contains(t, printed.Regions, "mc")
	require.Nil(t, printed.Validation)
}

func TestValidate(t *testing.T) {
	path := writeArchive(t)
	header, err := readHeader(testLogger(), path)
	require.NoError(t, err)

	require.NoError(t, validate(testLogger(), config{archive: path}, header))

	err = validate(testLogger(), config{archive: path, ident: "another build"}, header)
	require.Error(t, err)
	require.True(t, errors.Is(err, filemap.ErrSharingDisabled))

	var printed printedHeader
	require.NoError(t, json.Unmarshal(printHeader(header, err, true), &printed))
	require.NotNil(t, printed.Validation)
	require.False(t, printed.Validation.Valid)
	require.NotEmpty(t, printed.Validation.Error)
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-validate", "-ident", "build", "classes.jsa"})
	require.NoError(t, err)
	require.True(t, cfg.validate)
	require.Equal(t, "build", cfg.ident)
	require.Equal(t, "classes.jsa", cfg.archive)

	_, err = parseFlags([]string{"-validate"})
	require.Error(t, err)
}

func TestRunMissingArchive(t *testing.T) {
	require.Equal(t, 1, run([]string{filepath.Join(t.TempDir(), "missing.jsa")}))
	require.Equal(t, 2, run(nil))
}
