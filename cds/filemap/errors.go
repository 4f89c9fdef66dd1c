package filemap

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrFatal marks errors after which the dump or the required mapping cannot continue
	ErrFatal = errors.New("fatal class data sharing error")
	// ErrSharingDisabled marks errors that turn sharing off for this process and nothing more
	ErrSharingDisabled = errors.New("class data sharing disabled")
)

func fatalf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrFatal)
}

func fatalWrapf(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrFatal)
}

// stateError reports a FileMapInfo call made in the wrong state. It is a programming error and carries
// no mark.
func stateError(op string, want State, have State) error {
	return errors.Newf("FileMapInfo.%s requires state %s, have %s", op, want, have)
}
