package cpio

import (
	"fmt"
	"strconv"
	"strings"
)

// CompressionKind identifies which external (de)compressor, if any, a
// segment's trailing compressed region uses.
type CompressionKind int

const (
	Uncompressed CompressionKind = iota
	CompressionBzip2
	CompressionGzip
	CompressionLz4
	CompressionLzma
	CompressionLzop
	CompressionXz
	CompressionZstd
)

func (k CompressionKind) String() string {
	switch k {
	case Uncompressed:
		return ""
	case CompressionBzip2:
		return "bzip2"
	case CompressionGzip:
		return "gzip"
	case CompressionLz4:
		return "lz4"
	case CompressionLzma:
		return "lzma"
	case CompressionLzop:
		return "lzop"
	case CompressionXz:
		return "xz"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("CompressionKind(%d)", int(k))
	}
}

// kindFromLookahead maps a sniffed magic to the compressor that produced it.
func kindFromLookahead(la Lookahead) (CompressionKind, error) {
	switch la {
	case CpioFile:
		return Uncompressed, nil
	case Gzip:
		return CompressionGzip, nil
	case Bzip2:
		return CompressionBzip2, nil
	case Lzma:
		return CompressionLzma, nil
	case Xz:
		return CompressionXz, nil
	case Lzo:
		return CompressionLzop, nil
	case Lz4:
		return CompressionLz4, nil
	case Zstd:
		return CompressionZstd, nil
	default:
		return Uncompressed, &UnknownFormat{}
	}
}

// UnknownFormat is returned when a byte at a nominal segment boundary is
// neither a recognized compression magic nor cpio magic nor padding.
type UnknownFormat struct {
	Offset int64
}

func (e *UnknownFormat) Error() string {
	return fmt.Sprintf("cpio: unrecognized data at offset %d", e.Offset)
}

// kindFromName maps a manifest directive's compressor name to a kind. The
// empty string means uncompressed.
func kindFromName(name string) (CompressionKind, error) {
	switch name {
	case "":
		return Uncompressed, nil
	case "bzip2":
		return CompressionBzip2, nil
	case "gzip":
		return CompressionGzip, nil
	case "lz4":
		return CompressionLz4, nil
	case "lzma":
		return CompressionLzma, nil
	case "lzop":
		return CompressionLzop, nil
	case "xz":
		return CompressionXz, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return Uncompressed, fmt.Errorf("cpio: unknown compression format %q", name)
	}
}

// levelRange returns the valid compressor level range (inclusive) for kind.
func levelRange(kind CompressionKind) (min, max int) {
	switch kind {
	case CompressionBzip2, CompressionGzip, CompressionLzop:
		return 1, 9
	case CompressionLz4:
		return 1, 12
	case CompressionLzma, CompressionXz:
		return 0, 9
	case CompressionZstd:
		return 1, 19
	default:
		return 0, 0
	}
}

// Compression is a fully-resolved compressor choice: a kind plus an
// optional level, as named in a manifest's "#cpio" directive.
type Compression struct {
	Kind  CompressionKind
	Level *int
}

// ParseDirective parses the text following "#cpio" (or "#cpio:") in a
// manifest section directive: an optional compressor name followed by an
// optional "-<level>" parameter. An empty string means no compression.
func ParseDirective(line string) (Compression, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Compression{Kind: Uncompressed}, nil
	}

	kind, err := kindFromName(fields[0])
	if err != nil {
		return Compression{}, err
	}
	c := Compression{Kind: kind}

	for _, param := range fields[1:] {
		level, ok := strings.CutPrefix(param, "-")
		if !ok {
			continue // unknown parameter, ignored like the original tool
		}
		n, err := strconv.Atoi(level)
		if err != nil {
			continue
		}
		min, max := levelRange(kind)
		if n < min {
			n = min
		} else if n > max {
			n = max
		}
		c.Level = &n
	}
	return c, nil
}

// program returns the binary name used to (de)compress data of this kind.
// lzma is implemented through xz, matching the fixed command-line contract
// below rather than a separate "lzma" binary.
func (c Compression) program() string {
	switch c.Kind {
	case CompressionLzma:
		return "xz"
	default:
		return c.Kind.String()
	}
}

// DecompressArgs returns the full argv (including argv[0]) used to spawn a
// decompressor for this kind.
func (c Compression) DecompressArgs() []string {
	switch c.Kind {
	case Uncompressed:
		return nil
	case CompressionLzma:
		return []string{"xz", "--format=lzma", "-cd"}
	case CompressionZstd:
		return []string{"zstd", "-cdq"}
	default:
		return []string{c.program(), "-cd"}
	}
}

// CompressArgs returns the full argv used to spawn a compressor for this
// kind. reproducible indicates SOURCE_DATE_EPOCH was set, which disables
// multithreading for xz/lzma/zstd so output is deterministic.
func (c Compression) CompressArgs(reproducible bool) []string {
	var args []string
	switch c.Kind {
	case Uncompressed:
		return nil
	case CompressionLzma:
		args = []string{"xz", "--format=lzma"}
	default:
		args = []string{c.program()}
	}

	switch c.Kind {
	case CompressionGzip:
		args = append(args, "-n")
	case CompressionLz4:
		args = append(args, "-l")
	case CompressionXz:
		args = append(args, "--check=crc32")
	case CompressionZstd:
		args = append(args, "-q")
	}

	if c.Level != nil {
		args = append(args, fmt.Sprintf("-%d", *c.Level))
	}

	switch c.Kind {
	case CompressionLzma, CompressionXz:
		if reproducible {
			args = append(args, "-T1")
		} else {
			args = append(args, "-T0")
		}
	case CompressionZstd:
		if reproducible {
			args = append(args, "--threads=1")
		} else {
			args = append(args, "-T0")
		}
	}
	return args
}
