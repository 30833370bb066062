package cpio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// hardlinkKey identifies the (inode, device) pair a "newc"/"crc" header's
// nlink>1 entries share; the first entry seen for a key becomes the link
// target for every later entry with the same key.
type hardlinkKey struct {
	ino               uint32
	devMajor, devMinor uint32
}

// ExtractOptions configures Extract.
type ExtractOptions struct {
	// Dir is the destination directory. Extract creates it if absent.
	// Empty means the current directory.
	Dir string

	// MakeDirectories creates an entry's parent directories if they don't
	// already exist, rather than failing.
	MakeDirectories bool

	// Preserve chmods to the archive's recorded mode even when not running
	// as uid 0. Ownership (chown) is applied only when running as uid 0,
	// with or without Preserve.
	Preserve bool

	// Force unlinks an existing target before creating a replacement,
	// instead of failing with AlreadyExists.
	Force bool

	// Pattern restricts extraction to entries whose name matches this
	// shell glob. Empty matches everything.
	Pattern string

	// Parts restricts which concatenated segments (1-based) are visited.
	// Nil means every segment.
	Parts *Ranges

	// Subdir, if set, extracts each segment's contents into "NAMEi"
	// (i starting at 0) below Dir instead of directly into Dir.
	Subdir string

	// Output, if set, redirects every regular file's content to this
	// writer instead of creating files on disk; no other side effects
	// (directories, links, devices, permissions) occur in this mode.
	Output io.Writer

	// Verbose, if non-nil, receives one line per extracted entry's name.
	Verbose io.Writer

	// Debug, if non-nil, receives one summary line per entry encountered,
	// including entries skipped by Pattern.
	Debug io.Writer
}

// Extract reads a concatenated, optionally compressed newc/crc cpio stream
// from r and extracts it under opts.Dir, or (if opts.Output is set) copies
// matching regular files' content to opts.Output.
func Extract(r io.Reader, opts ExtractOptions) error {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	if opts.Output == nil {
		if err := os.MkdirAll(dir, os.FileMode(DefaultMkdirPerm)); err != nil {
			return err
		}
	}

	br := bufio.NewReaderSize(r, 64*1024)
	count := 0
	for {
		count++
		la, err := PeekLookahead(br)
		if err != nil {
			return err
		}
		if la.EOF() {
			return nil
		}

		if opts.Parts != nil && !opts.Parts.Contains(count) {
			if la == CpioFile && opts.Parts.HasMore(count) {
				if err := skipCpioSegment(br); err != nil {
					return err
				}
				continue
			}
			return nil
		}

		segDir := dir
		if opts.Subdir != "" {
			segDir = filepath.Join(dir, fmt.Sprintf("%s%d", opts.Subdir, count-1))
			if opts.Output == nil {
				if err := os.MkdirAll(segDir, os.FileMode(DefaultMkdirPerm)); err != nil {
					return err
				}
			}
		}

		switch {
		case la == CpioFile:
			ex, err := newExtractor(opts, segDir)
			if err != nil {
				return err
			}
			consumed, err := ex.run(br)
			if err != nil {
				return err
			}
			if err := discardSegmentPadding(br, consumed); err != nil {
				return err
			}

		case la.Compression():
			kind, err := kindFromLookahead(la)
			if err != nil {
				return err
			}
			dec, err := decompressReader(Compression{Kind: kind}, br)
			if err != nil {
				return err
			}
			ex, err := newExtractor(opts, segDir)
			if err != nil {
				dec.Close()
				return err
			}
			_, runErr := ex.run(dec)
			closeErr := dec.Close()
			if runErr != nil {
				return runErr
			}
			return closeErr

		default:
			return &UnknownFormat{}
		}
	}
}

// skipCpioSegment advances past one uncompressed segment (header, payload,
// trailer, and its 512-byte padding) without extracting anything, reusing
// the scanner's own segment-boundary bookkeeping.
func skipCpioSegment(br *bufio.Reader) error {
	sc := &Scanner{br: br}
	_, err := sc.Next()
	return err
}

// discardSegmentPadding consumes the NUL padding left after a segment of
// consumed bytes, bringing br up to the next 512-byte boundary relative to
// that segment's own start, mirroring Scanner.Next's own resync so a later
// segment (cpio or compressed) is peeked at the position the kernel/Scanner
// expect.
func discardSegmentPadding(br *bufio.Reader, consumed int64) error {
	pad := alignPaddingFromStart(0, consumed, segmentBoundary)
	if pad == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, br, pad)
	if err != nil && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// extractor holds the state scoped to one cpio segment: the hardlink
// table, the deferred directory mtimes, and the path-traversal guard's
// canonical base directory.
type extractor struct {
	opts ExtractOptions
	dir  string

	baseAbs        string // canonicalized Dir, empty when opts.Output is set
	lastCheckedDir string

	seen   map[hardlinkKey]string
	mtimes map[string]int64
}

func newExtractor(opts ExtractOptions, dir string) (*extractor, error) {
	ex := &extractor{
		opts:   opts,
		dir:    dir,
		seen:   make(map[hardlinkKey]string),
		mtimes: make(map[string]int64),
	}
	if opts.Output == nil {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		canon, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, err
		}
		ex.baseAbs = canon
	}
	return ex, nil
}

func (ex *extractor) matches(name string) bool {
	if ex.opts.Pattern == "" {
		return true
	}
	ok, err := filepath.Match(ex.opts.Pattern, name)
	return err == nil && ok
}

func (ex *extractor) target(name string) string {
	return filepath.Join(ex.dir, name)
}

// run extracts every entry from one segment's EntryReader, returning the
// number of bytes the segment occupied so the caller can resynchronize a
// shared underlying reader at the next 512-byte boundary.
func (ex *extractor) run(r io.Reader) (int64, error) {
	er := NewEntryReader(r)

	for {
		h, err := er.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return er.consumed(), err
		}

		if ex.opts.Debug != nil {
			fmt.Fprintf(ex.opts.Debug, "ino=%d mode=%o uid=%d gid=%d nlink=%d mtime=%d size=%d %s\n",
				h.Ino, uint32(h.Mode), h.Uid, h.Gid, h.Nlink, h.Mtime, h.Filesize, h.Name)
		}

		if !ex.matches(h.Name) {
			continue
		}

		if ex.opts.Verbose != nil {
			fmt.Fprintln(ex.opts.Verbose, h.Name)
		}

		var workErr error
		if ex.opts.Output != nil {
			workErr = ex.writeToOutput(er, h)
		} else {
			workErr = ex.writeToDisk(er, h)
		}
		if workErr != nil {
			return er.consumed(), workErr
		}
	}

	if ex.opts.Output == nil {
		if err := ex.applyDeferredMtimes(); err != nil {
			return er.consumed(), err
		}
	}
	return er.consumed(), nil
}

func (ex *extractor) writeToOutput(er *EntryReader, h *Header) error {
	if h.Filesize == 0 || !h.Mode.IsRegular() {
		return nil
	}
	_, err := er.WriteTo(ex.opts.Output)
	return err
}

func (ex *extractor) writeToDisk(er *EntryReader, h *Header) error {
	if err := ex.checkPath(h.Name); err != nil {
		return err
	}
	path := ex.target(h.Name)

	switch {
	case h.Mode.IsDir():
		return ex.writeDirectory(h, path)
	case h.Mode.IsSymlink():
		return ex.writeSymlink(er, h, path)
	case h.Mode.IsRegular():
		return ex.writeFile(er, h, path)
	case h.Mode.IsBlockDevice(), h.Mode.IsCharDevice(), h.Mode.IsFIFO(), h.Mode.IsSocket():
		return ex.writeSpecial(h, path)
	default:
		return &UnsupportedEntryType{Mode: h.Mode}
	}
}

// checkPath enforces the path-traversal defense: the entry's absolute
// parent directory, once symlinks are resolved, must still be Dir or a
// descendant of it. The previously checked directory is cached, since
// canonicalizing is the expensive part of every call and consecutive
// entries usually share a parent.
func (ex *extractor) checkPath(name string) error {
	if name == "." || name == "" {
		return nil
	}

	parent := filepath.Dir(ex.target(name))
	if parent == ex.lastCheckedDir {
		return nil
	}

	if ex.opts.MakeDirectories {
		if err := os.MkdirAll(parent, os.FileMode(DefaultMkdirPerm)); err != nil {
			return err
		}
	}

	abs, err := filepath.Abs(parent)
	if err != nil {
		return err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return err
	}
	if !isWithinBase(ex.baseAbs, canon) {
		return &PathTraversal{Name: name}
	}
	ex.lastCheckedDir = parent
	return nil
}

// isWithinBase reports whether target is base itself or a descendant of
// it, using component-wise comparison so a sibling directory with base as
// a string prefix (e.g. base "/x/ab" vs target "/x/abc") is rejected.
func isWithinBase(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[0] == '.' && rel[1] == '.' && rel[2] == filepath.Separator
}

func (ex *extractor) deferMtime(path string, mtime uint32) {
	ex.mtimes[path] = int64(mtime)
}

// applyDeferredMtimes reapplies directory mtimes in reverse lexical
// order once every entry is written, undoing the bump the kernel gives a
// directory's mtime each time something is created inside it.
func (ex *extractor) applyDeferredMtimes() error {
	if len(ex.mtimes) == 0 {
		return nil
	}
	paths := make([]string, 0, len(ex.mtimes))
	for p := range ex.mtimes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for i := len(paths) - 1; i >= 0; i-- {
		path := paths[i]
		if err := ex.applyMtime(path, uint32(ex.mtimes[path]), false); err != nil {
			return err
		}
	}
	return nil
}

func (ex *extractor) applyMtime(path string, mtime uint32, symlink bool) error {
	ts := unix.NsecToTimespec(int64(mtime) * 1e9)
	flags := 0
	if symlink {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, []unix.Timespec{ts, ts}, flags)
}

func (ex *extractor) shouldChown() bool { return unix.Geteuid() == 0 }
func (ex *extractor) shouldChmod() bool { return ex.opts.Preserve || unix.Geteuid() == 0 }

func (ex *extractor) writeDirectory(h *Header, path string) error {
	if h.Filesize != 0 {
		return fmt.Errorf("cpio: invalid size for directory %q: %d bytes instead of 0", h.Name, h.Filesize)
	}
	if err := ex.mkdirIgnoreExisting(path, h.Mode); err != nil {
		return err
	}
	if ex.shouldChown() {
		if err := wrapPermission(path, unix.Chown(path, int(h.Uid), int(h.Gid))); err != nil {
			return err
		}
	}
	if ex.shouldChmod() {
		if err := unix.Chmod(path, uint32(h.Mode.Perms())); err != nil {
			return err
		}
	}
	ex.deferMtime(path, h.Mtime)
	return nil
}

func (ex *extractor) mkdirIgnoreExisting(path string, mode Mode) error {
	err := unix.Mkdir(path, uint32(mode.Perms()))
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return err
	}
	info, statErr := os.Lstat(path)
	if statErr != nil {
		return statErr
	}
	if info.IsDir() {
		return nil
	}
	if !ex.opts.Force {
		return &AlreadyExists{Name: path}
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	return unix.Mkdir(path, uint32(mode.Perms()))
}

func (ex *extractor) writeFile(er *EntryReader, h *Header, path string) error {
	key := hardlinkKey{ino: h.Ino, devMajor: h.DevMajor, devMinor: h.DevMinor}

	if h.Nlink > 1 {
		if target, ok := ex.seen[key]; ok {
			if err := createOrReplace(ex, path, func() (struct{}, error) {
				return struct{}{}, unix.Link(target, path)
			}); err != nil {
				return err
			}
			fd, err := unix.Open(path, unix.O_WRONLY, 0)
			if err != nil {
				return err
			}
			f := os.NewFile(uintptr(fd), path)
			defer f.Close()
			return ex.writeFileContent(er, h, f, path)
		}
	}

	fd, err := createOrReplace(ex, path, func() (int, error) {
		return unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL, uint32(h.Mode.Perms()))
	})
	if err != nil {
		return err
	}
	ex.seen[key] = path
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	return ex.writeFileContent(er, h, f, path)
}

func (ex *extractor) writeFileContent(er *EntryReader, h *Header, f *os.File, path string) error {
	n, err := er.WriteTo(f)
	if err != nil {
		return err
	}
	if uint64(n) != uint64(h.Filesize) {
		return &SizeMismatch{Location: path, Declared: int64(h.Filesize), Actual: n}
	}
	if ex.shouldChown() {
		if err := wrapPermission(path, unix.Fchown(int(f.Fd()), int(h.Uid), int(h.Gid))); err != nil {
			return err
		}
	}
	if ex.shouldChmod() {
		if err := unix.Fchmod(int(f.Fd()), uint32(h.Mode.Perms())); err != nil {
			return err
		}
	}
	return ex.applyMtime(path, h.Mtime, false)
}

func (ex *extractor) writeSymlink(er *EntryReader, h *Header, path string) error {
	buf := make([]byte, h.Filesize)
	if _, err := io.ReadFull(er, buf); err != nil {
		return err
	}
	target := string(buf)

	if h.Mode.Perms() != 0o777 {
		return fmt.Errorf("cpio: symlink %q has mode %o, but only mode 777 is supported", h.Name, h.Mode.Perms())
	}

	if err := createOrReplace(ex, path, func() (struct{}, error) {
		return struct{}{}, unix.Symlink(target, path)
	}); err != nil {
		return err
	}

	if ex.shouldChown() {
		if err := wrapPermission(path, unix.Lchown(path, int(h.Uid), int(h.Gid))); err != nil {
			return err
		}
	}
	return ex.applyMtime(path, h.Mtime, true)
}

func (ex *extractor) writeSpecial(h *Header, path string) error {
	if h.Filesize != 0 {
		return fmt.Errorf("cpio: invalid size for %q: %d bytes instead of 0", h.Name, h.Filesize)
	}

	var typeBit uint32
	switch {
	case h.Mode.IsFIFO():
		typeBit = unix.S_IFIFO
	case h.Mode.IsBlockDevice():
		typeBit = unix.S_IFBLK
	case h.Mode.IsCharDevice():
		typeBit = unix.S_IFCHR
	case h.Mode.IsSocket():
		typeBit = unix.S_IFSOCK
	default:
		return &UnsupportedEntryType{Mode: h.Mode}
	}

	mode := typeBit | uint32(h.Mode.Perms())
	dev := int(unix.Mkdev(h.RDevMajor, h.RDevMinor))

	if err := createOrReplace(ex, path, func() (struct{}, error) {
		return struct{}{}, wrapPermission(path, unix.Mknod(path, mode, dev))
	}); err != nil {
		return err
	}

	if ex.shouldChown() {
		if err := wrapPermission(path, unix.Chown(path, int(h.Uid), int(h.Gid))); err != nil {
			return err
		}
	}
	if ex.shouldChmod() {
		if err := unix.Chmod(path, uint32(h.Mode.Perms())); err != nil {
			return err
		}
	}
	return ex.applyMtime(path, h.Mtime, false)
}

// createOrReplace runs create, and on a "file exists" failure either fails
// with AlreadyExists or (with --force) removes the existing path and
// retries once. Methods cannot carry their own type parameters in Go, so
// this takes ex explicitly rather than being a method of *extractor.
func createOrReplace[T any](ex *extractor, path string, create func() (T, error)) (T, error) {
	v, err := create()
	if err == nil {
		return v, nil
	}
	var zero T
	if !errors.Is(err, fs.ErrExist) {
		return zero, err
	}
	if !ex.opts.Force {
		return zero, &AlreadyExists{Name: path}
	}
	if rmErr := os.Remove(path); rmErr != nil {
		return zero, rmErr
	}
	return create()
}

func wrapPermission(path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) {
		return &PermissionDenied{Name: path}
	}
	return err
}
