package cpio

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteHeader(&Header{Mode: ModeDir, Name: "."}); err != nil {
		t.Fatalf("WriteHeader(.): %s", err)
	}
	if err := w.WriteHeader(&Header{Mode: ModeFile | 0o644, Name: "a/b", Filesize: 5}); err != nil {
		t.Fatalf("WriteHeader(a/b): %s", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %s", err)
	}
	if err := w.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %s", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}

	br := bufio.NewReader(&buf)
	r := NewEntryReader(br)

	var names []string
	for {
		h, err := r.Next()
		if err != nil {
			break
		}
		names = append(names, h.Name)
	}

	want := []string{".", "a", "a/b"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestWriterAutoMkdirAll(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteHeader(&Header{Mode: ModeFile | 0o644, Name: "x/y/z"}); err != nil {
		t.Fatalf("WriteHeader: %s", err)
	}
	if err := w.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %s", err)
	}
	w.Close()

	br := bufio.NewReader(&buf)
	r := NewEntryReader(br)

	var names []string
	for {
		h, err := r.Next()
		if err != nil {
			break
		}
		names = append(names, h.Name)
	}

	want := []string{".", "x", "x/y", "x/y/z"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestWriterInodeAssignment(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteHeader(&Header{Mode: ModeFile | 0o644, Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteHeader(&Header{Mode: ModeFile | 0o644, Name: "b"}); err != nil {
		t.Fatal(err)
	}
	w.WriteTrailer()
	w.Close()

	br := bufio.NewReader(&buf)
	r := NewEntryReader(br)

	var inodes []uint32
	for {
		h, err := r.Next()
		if err != nil {
			break
		}
		inodes = append(inodes, h.Ino)
	}
	if len(inodes) != 2 || inodes[0] == 0 || inodes[1] == 0 || inodes[0] == inodes[1] {
		t.Fatalf("expected two distinct nonzero inodes, got %v", inodes)
	}
}
