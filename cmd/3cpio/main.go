// Command 3cpio inspects, lists, extracts, and creates Linux kernel
// initramfs images: one or more concatenated "newc"/"crc" cpio archives,
// any trailing one of which may be compressed.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	cpio "github.com/bdrung/3cpio"
)

const version = "3cpio 1.0.0"

var (
	countFlag   bool
	examineFlag bool
	listFlag    bool
	extractFlag bool
	createFlag  bool
	versionFlag bool
	helpFlag    bool

	dirFlag      string
	preserveFlag bool
	subdirFlag   string
	forceFlag    bool
	verboseFlag  bool
	debugFlag    bool
	filterFlag   string
	partsFlag    string
)

func registerFlags(fs *flag.FlagSet) {
	fs.BoolVar(&countFlag, "count", false, "print decimal count of archives")

	fs.BoolVar(&examineFlag, "e", false, "print per-segment offset and kind")
	fs.BoolVar(&examineFlag, "examine", false, "print per-segment offset and kind")

	fs.BoolVar(&listFlag, "t", false, "list the contents of the cpio archives")
	fs.BoolVar(&listFlag, "list", false, "list the contents of the cpio archives")

	fs.BoolVar(&extractFlag, "x", false, "extract the cpio archives to disk")
	fs.BoolVar(&extractFlag, "extract", false, "extract the cpio archives to disk")

	fs.BoolVar(&createFlag, "c", false, "read a manifest on stdin, write an archive")
	fs.BoolVar(&createFlag, "create", false, "read a manifest on stdin, write an archive")

	fs.BoolVar(&versionFlag, "V", false, "print version number and exit")
	fs.BoolVar(&versionFlag, "version", false, "print version number and exit")

	fs.BoolVar(&helpFlag, "h", false, "print help message")
	fs.BoolVar(&helpFlag, "help", false, "print help message")

	fs.StringVar(&dirFlag, "C", "", "change to `dir` before extracting")

	fs.BoolVar(&preserveFlag, "p", false, "preserve permissions recorded in the archive")
	fs.BoolVar(&preserveFlag, "preserve-permissions", false, "preserve permissions recorded in the archive")

	fs.StringVar(&subdirFlag, "s", "", "extract each segment under `name`N")
	fs.StringVar(&subdirFlag, "subdir", "", "extract each segment under `name`N")

	fs.BoolVar(&forceFlag, "force", false, "replace existing files instead of failing")

	fs.BoolVar(&verboseFlag, "v", false, "with -t, list in ls -l style; otherwise print each entry's name as it is processed")
	fs.BoolVar(&verboseFlag, "verbose", false, "with -t, list in ls -l style; otherwise print each entry's name as it is processed")

	fs.BoolVar(&debugFlag, "debug", false, "with -t, list in ls -l style with inode numbers; otherwise print a detailed line per entry to stderr")

	fs.StringVar(&filterFlag, "f", "", "restrict to names matching shell `glob`")
	fs.StringVar(&filterFlag, "filter", "", "restrict to names matching shell `glob`")

	fs.StringVar(&partsFlag, "parts", "", "restrict to segments matching `range`")
}

func printHelp(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stdout, `Usage: 3cpio [--count|-e|-t|-x|-c] [options] [FILE]

Invocation modes:
  --count FILE          print decimal count of archives
  -e, --examine FILE    print per-segment offset and kind
  -t, --list FILE       list the contents of the cpio archives
  -x, --extract FILE    extract the cpio archives to disk
  -c, --create [FILE]   read a manifest on stdin, write an archive
  -V, --version         print version number and exit
  -h, --help            print this help message

Options:
`)
	fs.PrintDefaults()
}

func main() {
	fs := flag.NewFlagSet("3cpio", flag.ContinueOnError)
	fs.Usage = func() { printHelp(fs) }
	registerFlags(fs)

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if helpFlag {
		printHelp(fs)
		return
	}
	if versionFlag {
		fmt.Println(version)
		return
	}

	if err := run(fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "3cpio: %s\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	modes := 0
	for _, set := range []bool{countFlag, examineFlag, listFlag, extractFlag, createFlag} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return fmt.Errorf("exactly one of --count, -e, -t, -x, -c must be given")
	}

	if createFlag {
		var out string
		if len(args) > 0 {
			out = args[0]
		}
		return runCreate(out)
	}

	if len(args) == 0 {
		return fmt.Errorf("missing argument FILE")
	}
	name := args[0]

	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	switch {
	case countFlag:
		return runCount(f)
	case examineFlag:
		return runExamine(f)
	case listFlag:
		return runList(f)
	case extractFlag:
		return runExtract(f)
	}
	return nil
}

func runCount(f *os.File) error {
	sc := cpio.NewScanner(f)
	count := 0
	for {
		if _, err := sc.Next(); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		count++
	}
	fmt.Println(count)
	return nil
}

func runExamine(f *os.File) error {
	sc := cpio.NewScanner(f)
	for {
		seg, err := sc.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		fmt.Printf("%d\t%s\n", seg.Offset, seg.Kind.Kind())
	}
	return nil
}

func runList(f *os.File) error {
	mode := cpio.ListPlain
	if debugFlag {
		mode = cpio.ListDebug
	} else if verboseFlag {
		mode = cpio.ListVerbose
	}
	lister := &cpio.Lister{Mode: mode, Pattern: filterFlag, Now: time.Now()}
	return cpio.ListArchive(f, lister, os.Stdout)
}

func runExtract(f *os.File) error {
	var parts *cpio.Ranges
	if partsFlag != "" {
		r, err := cpio.ParseRanges(partsFlag)
		if err != nil {
			return err
		}
		parts = &r
	}

	opts := cpio.ExtractOptions{
		Dir:      dirFlag,
		Preserve: preserveFlag,
		Force:    forceFlag,
		Pattern:  filterFlag,
		Parts:    parts,
		Subdir:   subdirFlag,
	}
	if verboseFlag {
		opts.Verbose = os.Stdout
	}
	if debugFlag {
		opts.Debug = os.Stderr
	}
	return cpio.Extract(f, opts)
}

func runCreate(out string) error {
	debug := io.Writer(nil)
	if debugFlag {
		debug = os.Stderr
	}

	m, err := cpio.ParseManifest(os.Stdin, debug)
	if err != nil {
		return err
	}

	var verbose io.Writer
	if verboseFlag {
		verbose = os.Stdout
	}

	epoch := cpio.SourceDateEpochFromEnv()

	if out == "" {
		bw := bufio.NewWriterSize(os.Stdout, 64*1024)
		if err := m.WriteArchive(bw, nil, epoch, verbose, debug); err != nil {
			return err
		}
		return bw.Flush()
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, 64*1024)
	if err := m.WriteArchive(bw, f, epoch, verbose, debug); err != nil {
		return err
	}
	return bw.Flush()
}
