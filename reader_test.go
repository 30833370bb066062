package cpio

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEntryReaderPlain(t *testing.T) {
	data := buildCpioArchive(func(buf *bytes.Buffer) {
		buildCpioEntry(buf, ".", ModeDir|0o755, nil)
		buildCpioEntry(buf, "path", ModeDir|0o755, nil)
		buildCpioEntry(buf, "path/file", ModeFile|0o644, []byte("content\n"))
	}, false)

	r := NewEntryReader(bytes.NewReader(data))
	var names []string
	for {
		h, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %s", err)
		}
		names = append(names, h.Name)
	}

	want := []string{".", "path", "path/file"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestEntryReaderReadsPayload(t *testing.T) {
	data := buildCpioArchive(func(buf *bytes.Buffer) {
		buildCpioEntry(buf, "file", ModeFile|0o644, []byte("hello"))
	}, false)

	r := NewEntryReader(bytes.NewReader(data))
	if _, err := r.Next(); err != nil {
		t.Fatalf("Next: %s", err)
	}

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %s", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestEntryReaderWriteToEmptyPayload(t *testing.T) {
	data := buildCpioArchive(func(buf *bytes.Buffer) {
		buildCpioEntry(buf, "empty", ModeFile|0o644, nil)
	}, false)

	r := NewEntryReader(bytes.NewReader(data))
	if _, err := r.Next(); err != nil {
		t.Fatalf("Next: %s", err)
	}

	var out bytes.Buffer
	n, err := r.WriteTo(&out)
	if err != nil {
		t.Fatalf("WriteTo: %s", err)
	}
	if n != 0 || out.Len() != 0 {
		t.Fatalf("WriteTo: got n=%d len=%d, want 0, 0", n, out.Len())
	}
}

func buildCrcCpioEntry(buf *bytes.Buffer, name string, data []byte, checksum uint32) {
	h := &Header{
		Magic:    MagicCRC,
		Mode:     ModeFile | 0o644,
		Nlink:    1,
		Filesize: uint32(len(data)),
		Checksum: checksum,
		Name:     name,
	}
	h.WriteTo(buf)
	buf.Write(data)
	if pad := alignPadding(int64(len(data)), cpioAlignment); pad > 0 {
		buf.Write(make([]byte, pad))
	}
}

func TestEntryReaderChecksumOK(t *testing.T) {
	content := []byte("hello")
	var sum uint32
	for _, b := range content {
		sum += uint32(b)
	}

	var buf bytes.Buffer
	buildCrcCpioEntry(&buf, "file", content, sum)
	buildCpioEntry(&buf, TrailerName, 0, nil)

	r := NewEntryReader(&buf)
	if _, err := r.Next(); err != nil {
		t.Fatalf("Next: %s", err)
	}
	// Advancing past this entry (without explicitly reading it) must drain
	// and checksum its payload.
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestEntryReaderChecksumMismatch(t *testing.T) {
	content := []byte("hello")

	var buf bytes.Buffer
	buildCrcCpioEntry(&buf, "file", content, 1) // deliberately wrong
	buildCpioEntry(&buf, TrailerName, 0, nil)

	r := NewEntryReader(&buf)
	if _, err := r.Next(); err != nil {
		t.Fatalf("Next: %s", err)
	}

	_, err := r.Next()
	var mismatch *ChecksumMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *ChecksumMismatch, got %v", err)
	}
}

func TestEntryReaderCompressedAhead(t *testing.T) {
	var buf bytes.Buffer
	buildCpioEntry(&buf, "a", ModeFile|0o644, []byte("x"))
	buf.Write([]byte{0x1F, 0x8B, 0x08, 0x00})

	r := NewEntryReader(&buf)
	if _, err := r.Next(); err != nil {
		t.Fatalf("Next (1): %s", err)
	}
	if _, err := r.Next(); err != ErrCompressedContentAhead {
		t.Fatalf("expected ErrCompressedContentAhead, got %v", err)
	}
}
