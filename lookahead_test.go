package cpio

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

func TestPeekLookahead(t *testing.T) {
	var testcases = []struct {
		name string
		data []byte
		la   Lookahead
	}{
		{"EOF", nil, EOF},
		{"padding", []byte{0, 0, 0, 0}, Padding},
		{"cpio newc", []byte(MagicNewc + "00000000"), CpioFile},
		{"cpio crc", []byte(MagicCRC + "00000000"), CpioFile},
		{"gzip", []byte{0x1F, 0x8B, 0x08, 0x00}, Gzip},
		{"bzip2", []byte{0x42, 0x5A, 0x68, 0x39}, Bzip2},
		{"lzma", []byte{0x5D, 0x00, 0x00, 0x01}, Lzma},
		{"xz", []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}, Xz},
		{"lzop", []byte{0x89, 0x4C, 0x5A, 0x4F, 0x00, 0x0D, 0x0A, 0x1A, 0x0A}, Lzo},
		{"lz4", []byte{0x04, 0x22, 0x4D, 0x18}, Lz4},
		{"zstd", []byte{0x28, 0xB5, 0x2F, 0xFD}, Zstd},
	}

	for i, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			var r io.Reader
			if tc.data == nil {
				r = &io.LimitedReader{R: nil, N: 0}
			} else {
				r = bytes.NewReader(tc.data)
			}

			br := bufio.NewReader(r)
			la, err := PeekLookahead(br)
			if err != nil {
				t.Fatalf("#%d: error: %s", i, err)
			}

			if la != tc.la {
				t.Fatalf("#%d: expected %s, got %s", i, tc.la, la)
			}
		})
	}
}

func TestLookaheadCompression(t *testing.T) {
	for _, la := range []Lookahead{Gzip, Bzip2, Lzma, Xz, Lzo, Lz4, Zstd} {
		if !la.Compression() {
			t.Errorf("%s: expected Compression() true", la)
		}
	}
	for _, la := range []Lookahead{UnknownLookahead, EOF, Padding, CpioFile} {
		if la.Compression() {
			t.Errorf("%s: expected Compression() false", la)
		}
	}
}

func TestLookaheadKind(t *testing.T) {
	if got := CpioFile.Kind(); got != "cpio" {
		t.Errorf("CpioFile.Kind() = %q, want cpio", got)
	}
	if got := Zstd.Kind(); got != "zstd" {
		t.Errorf("Zstd.Kind() = %q, want zstd", got)
	}
}
