package cpio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// entryKind is the file type named or inferred for one manifest line.
type entryKind int

const (
	kindRegular entryKind = iota
	kindDirectory
	kindBlockDevice
	kindCharDevice
	kindSymlink
	kindFifo
	kindSocket
)

// statKey identifies the (device, inode) pair that groups manifest
// entries referring to the same on-disk file into one hardlinked member.
type statKey struct {
	dev, ino uint64
}

// hardlinkGroup collects every entry sharing one statKey: the location
// used to read the single copy of data actually written, its declared
// size, and how many entries reference it.
type hardlinkGroup struct {
	location   string
	filesize   uint32
	references uint32
}

// manifestEntry is one resolved manifest line, ready to become a Header.
type manifestEntry struct {
	kind  entryKind
	name  string
	mode  Mode
	uid   uint32
	gid   uint32
	mtime uint32

	major, minor uint32
	target       string

	hasHardlinkKey bool
	hardlinkKey    statKey
	hardlinkIndex  uint32
}

// manifestArchive is one "#cpio"-delimited section: the entries that
// become one cpio segment, its compression choice, and the hardlink
// groups discovered while parsing its entries.
type manifestArchive struct {
	compression Compression
	entries     []*manifestEntry
	hardlinks   map[statKey]*hardlinkGroup
}

func newManifestArchive() *manifestArchive {
	return &manifestArchive{hardlinks: make(map[statKey]*hardlinkGroup)}
}

func (a *manifestArchive) isEmpty() bool { return len(a.entries) == 0 }

// Manifest is a parsed build recipe for one or more cpio segments.
type Manifest struct {
	archives []*manifestArchive
	umask    uint32
}

// ParseManifest reads the tab-separated manifest format described in
// §4.H: "#cpio" (optionally "#cpio: compressor [-level]") starts a new
// segment, other "#"-prefixed lines are comments, blank lines are
// ignored, and every other line is a tab-separated entry. debug, if
// non-nil, receives one line per directive and entry line read; comments
// and blank lines are not reported.
func ParseManifest(r io.Reader, debug io.Writer) (*Manifest, error) {
	first := newManifestArchive()
	m := &Manifest{archives: []*manifestArchive{first}}
	current := first

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if !strings.HasPrefix(line, "#cpio") {
				continue
			}
			if debug != nil {
				fmt.Fprintf(debug, "parsing line %d: %s\n", lineNo, line)
			}
			if !current.isEmpty() {
				current = newManifestArchive()
				m.archives = append(m.archives, current)
			}
			if rest, ok := strings.CutPrefix(line, "#cpio:"); ok {
				c, err := ParseDirective(rest)
				if err != nil {
					return nil, fmt.Errorf("manifest line %d: %w", lineNo, err)
				}
				current.compression = c
			} else if line != "#cpio" {
				return nil, &ManifestSyntax{Line: lineNo, Text: line}
			}
			continue
		}

		if debug != nil {
			fmt.Fprintf(debug, "parsing line %d: %s\n", lineNo, line)
		}
		entry, mask, err := parseManifestLine(line, lineNo, current.hardlinks)
		if err != nil {
			return nil, err
		}
		current.entries = append(current.entries, entry)
		m.umask |= mask
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// fieldOrUnspecified normalizes a manifest field: both a missing field
// and a literal "-" or "" mean "derive from the filesystem".
func fieldOrUnspecified(raw string) string {
	if raw == "-" {
		return ""
	}
	return raw
}

// lazyStat lstats location at most once, the first time a field needs to
// be resolved from the filesystem.
type lazyStat struct {
	location string
	have     bool
	st       unix.Stat_t
}

func (lz *lazyStat) stat() (*unix.Stat_t, error) {
	if lz.have {
		return &lz.st, nil
	}
	if lz.location == "" {
		return nil, errors.New("no location given to derive this field from")
	}
	if err := unix.Lstat(lz.location, &lz.st); err != nil {
		return nil, fmt.Errorf("%s: %w", lz.location, err)
	}
	lz.have = true
	return &lz.st, nil
}

func parseManifestLine(line string, lineNo int, hardlinks map[statKey]*hardlinkGroup) (*manifestEntry, uint32, error) {
	fields := strings.Split(line, "\t")
	idx := 0
	next := func() string {
		var raw string
		if idx < len(fields) {
			raw = fields[idx]
		}
		idx++
		return fieldOrUnspecified(raw)
	}

	location := next()
	name := next()
	if name == "" {
		if location == "" {
			return nil, 0, &ManifestSyntax{Line: lineNo, Text: line}
		}
		name = sanitizeManifestPath(location)
	}

	typeField := next()
	if typeField == "" && location == "" {
		return nil, 0, &ManifestMissingType{Line: lineNo}
	}

	lz := &lazyStat{location: location}

	kind, err := parseManifestFiletype(typeField, lz)
	if err != nil {
		return nil, 0, fmt.Errorf("manifest line %d: %w", lineNo, err)
	}
	mode, err := parseManifestMode(next(), lz)
	if err != nil {
		return nil, 0, fmt.Errorf("manifest line %d: %w", lineNo, err)
	}
	uid, err := parseManifestUint(next(), lz, func(st *unix.Stat_t) uint32 { return st.Uid })
	if err != nil {
		return nil, 0, fmt.Errorf("manifest line %d: %w", lineNo, err)
	}
	gid, err := parseManifestUint(next(), lz, func(st *unix.Stat_t) uint32 { return st.Gid })
	if err != nil {
		return nil, 0, fmt.Errorf("manifest line %d: %w", lineNo, err)
	}
	mtime, err := parseManifestMtime(next(), lz)
	if err != nil {
		return nil, 0, fmt.Errorf("manifest line %d: %w", lineNo, err)
	}

	e := &manifestEntry{kind: kind, name: name, mode: mode, uid: uid, gid: gid, mtime: mtime}
	var umask uint32

	switch kind {
	case kindRegular:
		filesize, err := parseManifestFilesize(next(), lz, location)
		if err != nil {
			return nil, 0, fmt.Errorf("manifest line %d: %w", lineNo, err)
		}
		if filesize > 0 {
			st, err := lz.stat()
			if err != nil {
				return nil, 0, fmt.Errorf("manifest line %d: %w", lineNo, err)
			}
			umask = determineUmask(uint32(st.Mode))

			key := statKey{dev: uint64(st.Dev), ino: uint64(st.Ino)}
			group, ok := hardlinks[key]
			if !ok {
				group = &hardlinkGroup{location: location, filesize: filesize, references: 1}
				hardlinks[key] = group
			} else {
				group.references++
			}
			e.hasHardlinkKey = true
			e.hardlinkKey = key
			e.hardlinkIndex = group.references
		}

	case kindBlockDevice, kindCharDevice:
		major, err := parseManifestUint(next(), lz, func(st *unix.Stat_t) uint32 { return unix.Major(uint64(st.Rdev)) })
		if err != nil {
			return nil, 0, fmt.Errorf("manifest line %d: %w", lineNo, err)
		}
		minor, err := parseManifestUint(next(), lz, func(st *unix.Stat_t) uint32 { return unix.Minor(uint64(st.Rdev)) })
		if err != nil {
			return nil, 0, fmt.Errorf("manifest line %d: %w", lineNo, err)
		}
		e.major, e.minor = major, minor

	case kindSymlink:
		target, err := parseManifestSymlink(next(), location)
		if err != nil {
			return nil, 0, fmt.Errorf("manifest line %d: %w", lineNo, err)
		}
		e.target = target
	}

	return e, umask, nil
}

func parseManifestFiletype(field string, lz *lazyStat) (entryKind, error) {
	switch field {
	case "file":
		return kindRegular, nil
	case "dir":
		return kindDirectory, nil
	case "block":
		return kindBlockDevice, nil
	case "char":
		return kindCharDevice, nil
	case "link":
		return kindSymlink, nil
	case "fifo":
		return kindFifo, nil
	case "sock":
		return kindSocket, nil
	case "":
		st, err := lz.stat()
		if err != nil {
			return 0, err
		}
		switch Mode(st.Mode).FileType() {
		case ModeFile:
			return kindRegular, nil
		case ModeDir:
			return kindDirectory, nil
		case ModeBlockDevice:
			return kindBlockDevice, nil
		case ModeCharDevice:
			return kindCharDevice, nil
		case ModeSymlink:
			return kindSymlink, nil
		case ModeFIFO:
			return kindFifo, nil
		case ModeSocket:
			return kindSocket, nil
		default:
			return 0, fmt.Errorf("%s: unsupported file type", lz.location)
		}
	default:
		return 0, fmt.Errorf("unknown filetype %q", field)
	}
}

func parseManifestMode(field string, lz *lazyStat) (Mode, error) {
	if field == "" {
		st, err := lz.stat()
		if err != nil {
			return 0, err
		}
		return Mode(st.Mode).Perms(), nil
	}
	n, err := strconv.ParseUint(field, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", field, err)
	}
	return Mode(n), nil
}

func parseManifestUint(field string, lz *lazyStat, fromStat func(*unix.Stat_t) uint32) (uint32, error) {
	if field == "" {
		st, err := lz.stat()
		if err != nil {
			return 0, err
		}
		return fromStat(st), nil
	}
	n, err := strconv.ParseUint(field, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q: %w", field, err)
	}
	return uint32(n), nil
}

func parseManifestMtime(field string, lz *lazyStat) (uint32, error) {
	if field == "" {
		st, err := lz.stat()
		if err != nil {
			return 0, err
		}
		sec := st.Mtim.Sec
		if sec < 0 || sec > math.MaxUint32 {
			return 0, fmt.Errorf("mtime %d outside of supported range from 0 to 4,294,967,295", sec)
		}
		return uint32(sec), nil
	}
	n, err := strconv.ParseUint(field, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mtime %q: %w", field, err)
	}
	return uint32(n), nil
}

func parseManifestFilesize(field string, lz *lazyStat, location string) (uint32, error) {
	if field == "" {
		st, err := lz.stat()
		if err != nil {
			return 0, err
		}
		if st.Size < 0 || st.Size > math.MaxUint32 {
			return 0, fmt.Errorf("file %q exceeds file size limit of 4 GiB", location)
		}
		return uint32(st.Size), nil
	}
	n, err := strconv.ParseUint(field, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid filesize %q: %w", field, err)
	}
	return uint32(n), nil
}

func parseManifestSymlink(field, location string) (string, error) {
	if field != "" {
		return field, nil
	}
	if location == "" {
		return "", errors.New("neither symlink target nor location specified")
	}
	return os.Readlink(location)
}

// sanitizeManifestPath derives a cpio member name from a manifest
// location when no explicit name field is given: a leading "./" or "/"
// is stripped, and the bare root becomes ".".
func sanitizeManifestPath(path string) string {
	if p, ok := strings.CutPrefix(path, "./"); ok {
		if p == "" {
			return "."
		}
		return p
	}
	if p, ok := strings.CutPrefix(path, "/"); ok {
		if p == "" {
			return "."
		}
		return p
	}
	return path
}

// determineUmask derives the bits that should be masked from the output
// archive file's own permissions because a source regular file was not
// equally open: the permission bits missing from mode's "other" class,
// mirrored into the "group" position too, since a source file's group may
// not match the archive writer's group.
func determineUmask(mode uint32) uint32 {
	other := ^mode & 0o7
	return (other << 3) | other
}

// applyUmask reduces f's permissions by the union of every data-bearing
// regular file's determineUmask contribution seen while parsing, so the
// generated archive never appears more open than its least-readable
// source file.
func (m *Manifest) applyUmask(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	mode := uint32(info.Mode().Perm())
	newMode := mode &^ m.umask
	if newMode == mode {
		return nil
	}
	return f.Chmod(os.FileMode(newMode))
}

// generateHeader computes this entry's Header. For a hardlink-grouped
// regular file, every entry sharing a key reuses the first one's ino and
// nlink is the group's total reference count; only the last-seen
// reference carries the (nonzero) filesize, so writeData emits the data
// exactly once.
func (e *manifestEntry) generateHeader(nextFreeIno uint32, hardlinks map[statKey]*hardlinkGroup, hardlink2ino map[statKey]uint32) (*Header, uint32) {
	nlink := uint32(1)
	var filesize, rmajor, rminor uint32
	ino := nextFreeIno
	nextIno := nextFreeIno + 1
	var filetype Mode

	switch e.kind {
	case kindRegular:
		filetype = ModeFile
		if e.hasHardlinkKey {
			if existing, ok := hardlink2ino[e.hardlinkKey]; ok {
				ino = existing
				nextIno = nextFreeIno
			} else {
				hardlink2ino[e.hardlinkKey] = ino
			}
			group := hardlinks[e.hardlinkKey]
			nlink = group.references
			if e.hardlinkIndex == nlink {
				filesize = group.filesize
			}
		}
	case kindDirectory:
		filetype = ModeDir
		nlink = 2
	case kindBlockDevice:
		filetype = ModeBlockDevice
		rmajor, rminor = e.major, e.minor
	case kindCharDevice:
		filetype = ModeCharDevice
		rmajor, rminor = e.major, e.minor
	case kindSymlink:
		filetype = ModeSymlink
		filesize = uint32(len(e.target))
	case kindFifo:
		filetype = ModeFIFO
	case kindSocket:
		filetype = ModeSocket
	}

	h := &Header{
		Ino:       ino,
		Mode:      filetype | e.mode.Perms(),
		Uid:       e.uid,
		Gid:       e.gid,
		Nlink:     nlink,
		Mtime:     e.mtime,
		Filesize:  filesize,
		RDevMajor: rmajor,
		RDevMinor: rminor,
		Name:      e.name,
	}
	return h, nextIno
}

func (e *manifestEntry) writeData(iw *Writer, hardlinks map[statKey]*hardlinkGroup) error {
	switch e.kind {
	case kindRegular:
		if !e.hasHardlinkKey {
			return nil
		}
		group := hardlinks[e.hardlinkKey]
		if e.hardlinkIndex != group.references {
			return nil
		}
		return writeLocationContent(iw, group.location, group.filesize)
	case kindSymlink:
		_, err := iw.Write([]byte(e.target))
		return err
	default:
		return nil
	}
}

func writeLocationContent(iw *Writer, location string, filesize uint32) error {
	f, err := os.Open(location)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := iw.ReadFrom(f)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if uint64(n) != uint64(filesize) {
		return &SizeMismatch{Location: location, Declared: int64(filesize), Actual: n}
	}
	return nil
}

func (a *manifestArchive) write(iw *Writer, sourceDateEpoch *uint32, verbose, debug io.Writer) error {
	nextIno := uint32(1)
	hardlink2ino := make(map[statKey]uint32)

	for _, e := range a.entries {
		h, next := e.generateHeader(nextIno, a.hardlinks, hardlink2ino)
		nextIno = next

		if sourceDateEpoch != nil && h.Mtime > *sourceDateEpoch {
			h.Mtime = *sourceDateEpoch
		}
		if verbose != nil {
			fmt.Fprintln(verbose, h.Name)
		}
		if debug != nil {
			fmt.Fprintf(debug, "ino=%d mode=%o uid=%d gid=%d nlink=%d mtime=%d size=%d %s\n",
				h.Ino, uint32(h.Mode), h.Uid, h.Gid, h.Nlink, h.Mtime, h.Filesize, h.Name)
		}
		if err := iw.WriteHeader(h); err != nil {
			return err
		}
		if err := e.writeData(iw, a.hardlinks); err != nil {
			return err
		}
	}
	return iw.WriteTrailer()
}

// WriteArchive encodes every section of m to w. If f is non-nil, it is
// the just-created destination file backing w, and has the umask derived
// while parsing applied to it once all output has been written.
// sourceDateEpoch, if set, clamps every entry's mtime to it and disables
// multithreading in any spawned compressor for reproducibility.
func (m *Manifest) WriteArchive(w io.Writer, f *os.File, sourceDateEpoch *uint32, verbose, debug io.Writer) error {
	iw := NewWriter(w)
	reproducible := sourceDateEpoch != nil

	for _, a := range m.archives {
		if a.compression.Kind != Uncompressed {
			if err := iw.StartCompression(a.compression, reproducible); err != nil {
				return err
			}
		}
		if err := a.write(iw, sourceDateEpoch, verbose, debug); err != nil {
			return err
		}
		if a.compression.Kind == Uncompressed {
			if err := iw.PadToSegmentBoundary(); err != nil {
				return err
			}
		}
	}
	if err := iw.Close(); err != nil {
		return err
	}
	if f != nil {
		return m.applyUmask(f)
	}
	return nil
}

// SourceDateEpochFromEnv reads and parses the SOURCE_DATE_EPOCH
// environment variable, returning nil if it is unset or does not parse
// as a non-negative integer, per §4.H.
func SourceDateEpochFromEnv() *uint32 {
	s, ok := os.LookupEnv("SOURCE_DATE_EPOCH")
	if !ok {
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil
	}
	v := uint32(n)
	return &v
}
