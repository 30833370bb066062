package cpio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Identify what kind of data comes next in a stream by looking ahead a few
// bytes and identifying magic values.
//
// Recognizes the difference between cpio archive member file headers, zero
// padding and various compression schemes. See the RD_ and
// INITRAMFS_COMPRESSION_ config options in [Linux kernel usr/Kconfig].
//
// [Linux kernel usr/Kconfig]: https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git/tree/usr/Kconfig
type Lookahead int

const (
	UnknownLookahead Lookahead = iota
	EOF                        // End of file
	Padding                    // Zero padding
	CpioFile                   // Start of cpio archive member file header
	Gzip                       // Start of Gzip compressed data
	Bzip2                      // Start of Bzip2 compressed data
	Lzma                       // Start of LZMA compressed data
	Xz                         // Start of XZ compressed data
	Lzo                        // Start of LZO compressed data
	Lz4                        // Start of LZ4 compressed data
	Zstd                       // Start of Zstd compressed data
)

var (
	magicNewc = []byte(MagicNewc)
	magicCRC  = []byte(MagicCRC)
	lzopMagic = []byte{0x89, 0x4C, 0x5A, 0x4F, 0x00, 0x0D, 0x0A, 0x1A, 0x0A}
)

// Uses [bufio.Reader.Peek] to determine what kind of data follows. Does not
// consume the input. Only returns non-EOF errors.
func PeekLookahead(br *bufio.Reader) (la Lookahead, err error) {
	peek, err := br.Peek(2)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return EOF, nil
		}

		return UnknownLookahead, err
	}

	if peek[0] == 0 {
		return Padding, nil
	}

	var m = Magic(peek[0])<<8 | Magic(peek[1])
	switch m {
	case CpioFileMagic:
		if peek, err = br.Peek(6); err != nil && !errors.Is(err, io.EOF) {
			return UnknownLookahead, err
		} else if bytes.Equal(peek, magicNewc) || bytes.Equal(peek, magicCRC) {
			return CpioFile, nil
		}

	case GzipMagic1:
		return Gzip, nil
	case GzipMagic2:
		return Gzip, nil
	case Bzip2Magic:
		return Bzip2, nil
	case LzmaMagic:
		return Lzma, nil
	case XzMagic:
		return Xz, nil
	case LzoMagic:
		if peek, err = br.Peek(9); err != nil && !errors.Is(err, io.EOF) {
			return UnknownLookahead, err
		} else if bytes.Equal(peek, lzopMagic) {
			return Lzo, nil
		}
	case Lz4Magic, Lz4Magic2, Lz4Magic3:
		return Lz4, nil
	case ZstdMagic:
		return Zstd, nil
	}

	return UnknownLookahead, nil
}

// Returns true if and only if the lookahead indicates the start of compressed data.
func (la Lookahead) Compression() bool {
	switch la {
	case Gzip,
		Bzip2,
		Lzma,
		Xz,
		Lzo,
		Lz4,
		Zstd:
		return true
	default:
		return false
	}
}

// If the end of file was reached when looking ahead.
func (la Lookahead) EOF() bool { return la == EOF }

// Kind renders la the way segment and compressor lookups name it: "cpio"
// for a plain archive, the lowercase compressor name otherwise. It panics
// if la is not a concrete format (EOF, padding, or unknown).
func (la Lookahead) Kind() string {
	if la == CpioFile {
		return "cpio"
	}
	if !la.Compression() {
		panic("cpio: Kind called on non-format lookahead " + la.String())
	}
	kind, _ := kindFromLookahead(la)
	return kind.String()
}

func (la Lookahead) String() string {
	switch la {
	case UnknownLookahead:
		return "unknown"
	case EOF:
		return "EOF"
	case Padding:
		return "padding"
	case CpioFile:
		return "cpiofile"
	case Gzip:
		return "gzip"
	case Bzip2:
		return "bzip2"
	case Lzma:
		return "lzma"
	case Xz:
		return "xz"
	case Lzo:
		return "lzo"
	case Lz4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("0x%x", int(la))
	}
}

// Magic byte values used to identify the start of various types of compressed
// data streams.
//
// These match what the kernel uses, see [Linux kernel lib/decompress.c].
//
// [Linux kernel lib/decompress.c]: https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git/tree/lib/decompress.c
type Magic uint16

const (
	CpioFileMagic Magic = 0x30_37 // A cpio archive member file header starts with "07" (either "070701" or "070702")
	GzipMagic1    Magic = 0x1F_8B
	GzipMagic2    Magic = 0x1F_9E
	Bzip2Magic    Magic = 0x42_5A
	LzmaMagic     Magic = 0x5D_00
	XzMagic       Magic = 0xFD_37
	LzoMagic      Magic = 0x89_4C
	Lz4Magic      Magic = 0x02_21 // legacy lz4 frame (v0.1-0.9)
	Lz4Magic2     Magic = 0x03_21 // legacy lz4 frame, later revision
	Lz4Magic3     Magic = 0x04_22 // modern lz4 frame: 04 22 4D 18
	ZstdMagic     Magic = 0x28_B5
)
