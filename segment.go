package cpio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// segmentBoundary is the byte boundary the kernel requires each
// sub-archive to begin on, measured from that archive's own start.
const segmentBoundary = 512

// Segment describes one sub-archive located within a concatenated
// initramfs stream.
type Segment struct {
	Offset int64
	End    int64 // -1 until known; EOF for a trailing compressed segment
	Kind   Lookahead
}

// GarbageAfterArchive is returned when a non-zero, non-magic byte is found
// where the scanner expects either a new segment or end of stream.
type GarbageAfterArchive struct {
	Offset int64
}

func (e *GarbageAfterArchive) Error() string {
	return fmt.Sprintf("cpio: garbage data found after archive at offset %d", e.Offset)
}

// Scanner walks a concatenated initramfs stream, one Segment at a time.
// Only the final segment may carry a non-cpio Kind, and scanning a
// compressed final segment never recurses into it; the entry iterator is
// responsible for re-applying the scanner to a decompressed byte stream if
// that stream itself concatenates further cpios.
type Scanner struct {
	br     *bufio.Reader
	offset int64
	done   bool
}

// NewScanner returns a Scanner reading segments from r, which must be
// positioned at the start of the stream.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next Segment, or io.EOF once the stream is exhausted.
func (s *Scanner) Next() (Segment, error) {
	if s.done {
		return Segment{}, io.EOF
	}

	offset := s.offset
	la, err := PeekLookahead(s.br)
	if err != nil {
		return Segment{}, err
	}
	if la.EOF() {
		s.done = true
		return Segment{}, io.EOF
	}

	if la.Compression() {
		s.done = true
		return Segment{Offset: offset, End: -1, Kind: la}, nil
	}

	if la != CpioFile {
		return Segment{}, &GarbageAfterArchive{Offset: offset}
	}

	end, err := s.skipCpioArchive()
	if err != nil {
		return Segment{}, err
	}
	s.offset = end

	if pad := alignPaddingFromStart(offset, end, segmentBoundary); pad > 0 {
		if _, err := io.CopyN(io.Discard, s.br, pad); err != nil && !errors.Is(err, io.EOF) {
			return Segment{}, err
		}
		s.offset += pad
	}

	return Segment{Offset: offset, End: end, Kind: CpioFile}, nil
}

// skipCpioArchive reads headers (discarding payloads) until the trailer,
// returning the stream offset just past the trailer's data and padding.
func (s *Scanner) skipCpioArchive() (int64, error) {
	for {
		h, err := ReadHeader(s.br, s.offset)
		if err != nil {
			return 0, err
		}
		s.offset = h.DataOffset

		if h.IsTrailer() {
			return s.offset, nil
		}

		padded := int64(h.Filesize) + alignPadding(int64(h.Filesize), cpioAlignment)
		if _, err := io.CopyN(io.Discard, s.br, padded); err != nil {
			return 0, err
		}
		s.offset += padded
	}
}

// alignPaddingFromStart returns the padding needed, counting from start,
// to bring pos up to the next multiple of align bytes past start.
func alignPaddingFromStart(start, pos, align int64) int64 {
	rel := pos - start
	return alignPadding(rel, align)
}
