// Command cdsinfo prints the header and region table of a class data sharing archive as JSON.
//
//	cdsinfo [-validate] [-base base.jsa] [-ident build] [-classpath path] archive.jsa
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/cds/filemap"
	"golang.org/x/exp/slog"
)

type config struct {
	archive   string
	base      string
	validate  bool
	ident     string
	classpath string
	verbose   bool
}

func parseFlags(args []string) (config, error) {
	var cfg config
	flags := flag.NewFlagSet("cdsinfo", flag.ContinueOnError)
	flags.BoolVar(&cfg.validate, "validate", false, "validate the header and region checksums")
	flags.StringVar(&cfg.base, "base", "", "base archive of a dynamic archive, used for validation")
	flags.StringVar(&cfg.ident, "ident", "", "build identity expected when validating; defaults to the archive's own")
	flags.StringVar(&cfg.classpath, "classpath", "", "class path expected when validating; defaults to the archive's own")
	flags.BoolVar(&cfg.verbose, "v", false, "log what is being read")
	err := flags.Parse(args)
	if err != nil {
		return cfg, err
	}
	if flags.NArg() != 1 {
		return cfg, errors.New("expected exactly one archive path")
	}
	cfg.archive = flags.Arg(0)
	return cfg, nil
}

// readHeader reads the header of the archive at path without validating it
func readHeader(logger *slog.Logger, path string) (*filemap.Header, error) {
	info := filemap.New(logger, filemap.Options{})
	err := info.OpenForRead(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = info.Close() }()

	err = info.ReadHeader()
	if err != nil {
		return nil, err
	}
	header := *info.Header()
	return &header, nil
}

func validate(logger *slog.Logger, cfg config, header *filemap.Header) error {
	options := filemap.Options{
		VerifySharedSpaces: true,
		JVMIdent:           header.JVMIdent,
		Classpath:          header.Classpath,
	}
	if cfg.ident != "" {
		options.JVMIdent = cfg.ident
	}
	if cfg.classpath != "" {
		options.Classpath = []byte(cfg.classpath)
	}

	var base *filemap.Header
	if header.IsDynamic() {
		basePath := cfg.base
		if basePath == "" {
			basePath = header.BaseArchivePath
		}
		var err error
		base, err = readHeader(logger, basePath)
		if err != nil {
			return errors.Wrapf(err, "unable to read the base archive %s", basePath)
		}
	}

	info := filemap.New(logger, options)
	err := info.OpenForRead(cfg.archive)
	if err != nil {
		return err
	}
	defer func() { _ = info.Close() }()

	err = info.ReadHeader()
	if err != nil {
		return err
	}
	return info.Validate(base)
}

func printRegion(json jwriter.ObjectState, region filemap.SpaceInfo) {
	json.Name("CRC").String(fmt.Sprintf("%#08x", uint32(region.CRC)))
	json.Name("FileOffset").Int(int(region.FileOffset))
	json.Name("BaseAddress").String(fmt.Sprintf("%#x", region.BaseAddress))
	json.Name("Capacity").Int(int(region.Capacity))
	json.Name("Used").Int(int(region.Used))
	json.Name("ReadOnly").Bool(region.ReadOnly)
	json.Name("AllowExec").Bool(region.AllowExec)
}

func printHeader(header *filemap.Header, validationErr error, validated bool) []byte {
	writer := jwriter.NewWriter()
	root := writer.Object()

	root.Name("Magic").String(fmt.Sprintf("%#x", header.Magic))
	root.Name("Dynamic").Bool(header.IsDynamic())
	root.Name("Version").Int(int(header.Version))
	root.Name("CRC").String(fmt.Sprintf("%#08x", header.CRC))
	root.Name("Alignment").Int(int(header.Alignment))
	root.Name("ObjectAlignment").Int(int(header.ObjAlignment))
	root.Name("JVMIdent").String(header.JVMIdent)
	root.Name("RequestedBase").String(fmt.Sprintf("%#x", header.RequestedBase))
	root.Name("MappedSize").Int(int(header.MappedSize()))
	root.Name("PtrmapSizeInBits").Int(int(header.PtrmapSizeInBits))
	root.Name("SerializedDataOffset").Int(int(header.SerializedDataOffset))
	root.Name("HeaderSize").Int(int(header.HeaderSize))
	root.Name("Classpath").String(string(header.Classpath))
	if header.IsDynamic() {
		root.Name("BaseArchivePath").String(header.BaseArchivePath)
		root.Name("BaseHeaderCRC").String(fmt.Sprintf("%#08x", uint32(header.BaseHeaderCRC)))
	}

	regions := root.Name("Regions").Object()
	for i, region := range header.Regions {
		obj := regions.Name(filemap.RegionName(i, header.IsDynamic())).Object()
		printRegion(obj, region)
		obj.End()
	}
	regions.End()

	if validated {
		validation := root.Name("Validation").Object()
		validation.Name("Valid").Bool(validationErr == nil)
		if validationErr != nil {
			validation.Name("Error").String(validationErr.Error())
		}
		validation.End()
	}

	root.End()
	return writer.Bytes()
}

func run(args []string) int {
	cfg, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))

	header, err := readHeader(logger, cfg.archive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cfg.archive, err)
		return 1
	}

	var validationErr error
	if cfg.validate {
		validationErr = validate(logger, cfg, header)
	}

	fmt.Println(string(printHeader(header, validationErr, cfg.validate)))
	if validationErr != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:]))
}
