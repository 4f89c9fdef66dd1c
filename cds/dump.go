package cds

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/cds/filemap"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
	"golang.org/x/exp/slog"
)

// DumpOptions configures Dump
type DumpOptions struct {
	BuilderOptions
	// File carries the build identity and classpath written into the header
	File filemap.Options
}

// Dump builds an archive from the objects reachable from roots and writes it to path. A failure in
// any step is returned marked ErrFatal; a partially written file is removed.
func Dump(logger *slog.Logger, path string, roots []metaobj.MetaspaceObj, options DumpOptions) (stats *AllocStats, err error) {
	builder, err := NewArchiveBuilder(logger, options.BuilderOptions)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeErr := builder.Close()
		if err == nil && closeErr != nil {
			err = closeErr
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			panicErr, ok := r.(error)
			if !ok || !errors.Is(panicErr, ErrFatal) {
				panic(r)
			}
			logger.LogAttrs(context.Background(), slog.LevelError, "Archive dump failed",
				slog.String("Path", path), slog.String("Error", panicErr.Error()))
			stats = nil
			err = panicErr
		}
	}()

	steps := []func() error{
		func() error { return builder.GatherSourceObjs(roots) },
		builder.SortMetadataObjs,
		builder.ReserveBuffer,
		builder.DumpRWRegion,
		builder.DumpRORegion,
		builder.RelocateEmbeddedPointers,
		builder.RelocateRoots,
		builder.MakeClassesShareable,
		builder.WriteSerializedTables,
		builder.RelocateToRequested,
		func() error { return builder.WriteArchive(path, options.File) },
	}
	for _, step := range steps {
		err = step()
		if err != nil {
			return nil, errors.Mark(err, ErrFatal)
		}
	}

	builder.Stats().log(logger)
	return builder.Stats(), nil
}
