package cpio

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func buildCpioEntry(buf *bytes.Buffer, name string, mode Mode, data []byte) {
	h := &Header{
		Magic:    MagicNewc,
		Mode:     mode,
		Nlink:    1,
		Filesize: uint32(len(data)),
		Name:     name,
	}
	h.WriteTo(buf)
	buf.Write(data)
	if pad := alignPadding(int64(len(data)), cpioAlignment); pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

func buildCpioArchive(entries func(*bytes.Buffer), padTo512 bool) []byte {
	var buf bytes.Buffer
	entries(&buf)
	buildCpioEntry(&buf, TrailerName, 0, nil)
	if padTo512 {
		if pad := alignPadding(int64(buf.Len()), segmentBoundary); pad > 0 {
			buf.Write(make([]byte, pad))
		}
	}
	return buf.Bytes()
}

func TestScannerSingleArchive(t *testing.T) {
	data := buildCpioArchive(func(buf *bytes.Buffer) {
		buildCpioEntry(buf, "path/file", ModeFile|0o644, []byte("content\n"))
	}, true)

	sc := NewScanner(bytes.NewReader(data))
	seg, err := sc.Next()
	if err != nil {
		t.Fatalf("Next: %s", err)
	}
	if seg.Offset != 0 || seg.Kind != CpioFile {
		t.Fatalf("unexpected segment: %+v", seg)
	}

	if _, err := sc.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestScannerConcatenation(t *testing.T) {
	first := buildCpioArchive(func(buf *bytes.Buffer) {
		buildCpioEntry(buf, "path/file", ModeFile|0o644, []byte("content\n"))
	}, true)

	// A trailing compressed segment is identified by magic but not
	// decoded by the scanner itself.
	second := append([]byte{0x28, 0xB5, 0x2F, 0xFD}, "fakezstddata"...)

	data := append(append([]byte{}, first...), second...)

	sc := NewScanner(bytes.NewReader(data))
	seg1, err := sc.Next()
	if err != nil {
		t.Fatalf("Next (1): %s", err)
	}
	if seg1.Kind != CpioFile || seg1.Offset != 0 {
		t.Fatalf("unexpected first segment: %+v", seg1)
	}

	seg2, err := sc.Next()
	if err != nil {
		t.Fatalf("Next (2): %s", err)
	}
	if seg2.Kind != Zstd || seg2.Offset != int64(len(first)) {
		t.Fatalf("unexpected second segment: %+v", seg2)
	}

	if _, err := sc.Next(); err != io.EOF {
		t.Fatalf("expected EOF after compressed trailing segment, got %v", err)
	}
}

func TestScannerGarbageAfterArchive(t *testing.T) {
	first := buildCpioArchive(func(buf *bytes.Buffer) {
		buildCpioEntry(buf, "a", ModeFile|0o644, []byte("x"))
	}, true)

	data := append(append([]byte{}, first...), 0x01, 0x02, 0x03, 0x04)

	sc := NewScanner(bytes.NewReader(data))
	if _, err := sc.Next(); err != nil {
		t.Fatalf("Next (1): %s", err)
	}
	_, err := sc.Next()
	var ga *GarbageAfterArchive
	if err == nil {
		t.Fatal("expected GarbageAfterArchive error")
	}
	if !errors.As(err, &ga) {
		t.Fatalf("expected *GarbageAfterArchive, got %v (%T)", err, err)
	}
}
