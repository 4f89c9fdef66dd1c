package cds

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/cds/filemap"
)

var (
	// ErrFatal marks errors that abort a dump, or the startup of a process that requires sharing
	ErrFatal = filemap.ErrFatal
	// ErrSharingDisabled marks errors that only turn class data sharing off
	ErrSharingDisabled = filemap.ErrSharingDisabled
	// ErrBuilderActive is returned by NewArchiveBuilder while another builder is alive
	ErrBuilderActive = errors.New("an archive builder is already active")
)

// OutOfSpaceError is raised, as a panic, when a dump region reaches the end of the archive buffer.
// Dump reports it as a fatal error.
type OutOfSpaceError struct {
	Region    string
	Needed    int
	Available int
}

func (e *OutOfSpaceError) Error() string {
	return fmt.Sprintf("out of space in the %s region: %d bytes needed, %d bytes available; the archive buffer is too small",
		e.Region, e.Needed, e.Available)
}

func (e *OutOfSpaceError) Is(target error) bool {
	return target == ErrFatal
}

func fatalf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrFatal)
}

func fatalWrapf(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrFatal)
}
