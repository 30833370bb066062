package cpio

import (
	"errors"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// Writer emits a concatenated, optionally externally-compressed,
// bit-reproducible cpio stream.
type Writer struct {
	w io.Writer

	closed     bool
	compressed bool

	curW io.Writer
	sink *compressorSink

	mkdirs    map[string]struct{}
	nextInode uint32

	written       int64
	fileRemaining int64
}

var ErrAlreadyCompressed = errors.New("cpio: writer compression is already being applied")

// writeBufferSize is the buffered output capacity the writer's destination
// is expected to have (§4.I); Writer itself does no buffering.
const writeBufferSize = 64 * 1024

// NewWriter returns a Writer that emits a cpio stream to w, which should
// itself be buffered with at least writeBufferSize of capacity for the
// intended performance profile.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:         w,
		curW:      w,
		mkdirs:    make(map[string]struct{}),
		nextInode: 1,
	}
}

func (iw *Writer) skipFileRemaining() error {
	if n := iw.fileRemaining; n > 0 {
		iw.fileRemaining = 0
		return iw.writePad(n)
	}
	return nil
}

// Write writes file data for the entry most recently started with
// WriteHeader, up to its declared Filesize.
func (iw *Writer) Write(buf []byte) (int, error) {
	if iw.closed {
		return 0, os.ErrClosed
	}

	rem := iw.fileRemaining
	if rem == 0 {
		return 0, io.EOF
	}

	var (
		n   int
		err error
	)
	if rem < int64(len(buf)) {
		n, err = iw.write(buf[:rem])
		if err == nil {
			err = io.EOF
		}
	} else {
		n, err = iw.write(buf)
	}

	if n > 0 {
		iw.fileRemaining -= int64(n)
	}
	return n, err
}

// ReadFrom reads file data from r for the entry most recently started with
// WriteHeader. A short read (fewer bytes than the declared Filesize) is the
// caller's responsibility to detect; this only ever copies up to the
// declared size.
func (iw *Writer) ReadFrom(r io.Reader) (int64, error) {
	if iw.closed {
		return 0, os.ErrClosed
	}

	rem := iw.fileRemaining
	if rem == 0 {
		return 0, io.EOF
	}
	n, err := io.CopyN(iw.curW, r, rem)
	if n > 0 {
		iw.written += n
		iw.fileRemaining -= n
	}
	return n, err
}

func (iw *Writer) write(p []byte) (int, error) {
	if iw.closed {
		return 0, os.ErrClosed
	}
	n, err := iw.curW.Write(p)
	if n > 0 {
		iw.written += int64(n)
	}
	return n, err
}

// Close flushes any pending padding, finishes and waits for an active
// compressor if one was started, and closes the underlying writer if it
// implements io.Closer.
func (iw *Writer) Close() error {
	if iw.closed {
		return os.ErrClosed
	}

	errs := [3]error{iw.skipFileRemaining(), nil, nil}
	if iw.sink != nil {
		errs[1] = iw.sink.Close()
	}
	if closer, ok := iw.w.(io.Closer); ok {
		errs[2] = closer.Close()
	}

	iw.closed = true
	return errors.Join(errs[:]...)
}

// StartCompression switches the writer to emit the remainder of its output
// through an external compressor, chosen and configured by c. It is not
// possible to end a compressed stream other than by reaching the end of
// the file, so all remaining output from the writer will be compressed;
// the compressed segment must be the last one written.
func (iw *Writer) StartCompression(c Compression, reproducible bool) error {
	if iw.closed {
		return os.ErrClosed
	}
	if iw.compressed {
		return ErrAlreadyCompressed
	}
	if err := iw.skipFileRemaining(); err != nil {
		return err
	}
	if err := iw.writeAlignment(segmentBoundary); err != nil {
		return err
	}

	sink, err := newCompressorSink(c, reproducible, iw.w)
	if err != nil {
		return err
	}

	iw.curW = sink
	iw.sink = sink
	iw.compressed = true
	iw.written = 0
	return nil
}

var zeroPadding [512]byte

func (iw *Writer) writePad(n int64) error {
	for n > 0 {
		k := min(n, int64(len(zeroPadding)))
		m, err := iw.write(zeroPadding[:k])
		if err != nil {
			return err
		}
		n -= int64(m)
	}
	return nil
}

func alignFill(n, to int64) int64 {
	if rem := n % to; rem > 0 {
		return to - rem
	}
	return 0
}

func (iw *Writer) writeAlignment(alignTo int64) error {
	return iw.writePad(alignFill(iw.written, alignTo))
}

// DefaultMkdirPerm is the permission applied to directories implicitly
// created to hold another entry's parent path.
const DefaultMkdirPerm Mode = 0o755

func splitPathPrefixes(s string) iter.Seq2[int, string] {
	return func(yield func(index int, prefix string) bool) {
		if !yield(0, ".") {
			return
		}
		for i := range s {
			if i > 0 && s[i] == '/' {
				if !yield(i, s[:i]) {
					return
				}
			}
		}
		if !yield(len(s), s) {
			return
		}
	}
}

func (iw *Writer) mkdir(path string, perm Mode) error {
	if path == "" || path == "." {
		return nil
	}
	if _, ok := iw.mkdirs[path]; ok {
		return nil
	}

	h := &Header{Mode: ModeDir | perm.Perms(), Nlink: 2, Name: path}
	iw.mkdirs[path] = struct{}{}
	return iw.writeHeader(h)
}

// MkdirAll adds a directory entry named path, along with any necessary
// parents, to the archive. Directories already added are skipped.
func (iw *Writer) MkdirAll(path string, perm Mode) error {
	if iw.closed {
		return os.ErrClosed
	}
	if perm == 0 {
		perm = DefaultMkdirPerm
	}

	path = strings.TrimPrefix(path, "/")
	if path == "" {
		path = "."
	}
	if _, ok := iw.mkdirs[path]; ok {
		return nil
	}

	for _, prefix := range splitPathPrefixes(path) {
		if err := iw.mkdir(prefix, perm); err != nil {
			return err
		}
	}
	return nil
}

// WriteHeader starts a new entry, writing hdr after first ensuring its
// parent directories exist in the archive. hdr is normalized before being
// written: a blank Magic becomes MagicNewc, Nlink is raised to a minimum
// of 1, and a zero Ino (on a non-trailer entry) is assigned the next
// synthetic inode number.
func (iw *Writer) WriteHeader(hdr *Header) error {
	if iw.closed {
		return os.ErrClosed
	}

	name := strings.TrimPrefix(hdr.Name, "/")
	if name == "" {
		name = "."
	}
	hdr.Name = name

	if hdr.Mode.IsDir() {
		iw.mkdirs[name] = struct{}{}
	}

	if hdr.IsTrailer() {
		clear(iw.mkdirs)
	} else if err := iw.MkdirAll(filepath.Dir(name), 0); err != nil {
		return err
	}

	return iw.writeHeader(hdr)
}

func (iw *Writer) writeHeader(hdr *Header) error {
	if err := iw.skipFileRemaining(); err != nil {
		return err
	}

	if hdr.Magic == "" {
		hdr.Magic = MagicNewc
	}
	if hdr.Nlink == 0 {
		hdr.Nlink = 1
	}
	if hdr.Ino == 0 && !hdr.IsTrailer() {
		hdr.Ino = iw.nextInode
	}
	iw.nextInode = max(iw.nextInode, hdr.Ino) + 1

	if err := iw.writeAlignment(cpioAlignment); err != nil {
		return err
	}

	n, err := hdr.WriteTo(iw.curW)
	if err != nil {
		return err
	}
	iw.written += n

	if err := iw.writeAlignment(cpioAlignment); err != nil {
		return err
	}

	iw.fileRemaining = int64(hdr.Filesize)
	return nil
}

// WriteTrailer writes the end-of-archive sentinel entry.
func (iw *Writer) WriteTrailer() error { return iw.WriteHeader(&trailerHeader) }

// PadToSegmentBoundary pads the stream with NUL bytes to the next
// 512-byte boundary. Called after a trailer so a later segment (whether
// concatenated raw or compressed) starts where the scanner expects it.
func (iw *Writer) PadToSegmentBoundary() error {
	if iw.closed {
		return os.ErrClosed
	}
	return iw.writeAlignment(segmentBoundary)
}
