package cpio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// rawHeader builds the 110-byte fixed portion of a cpio header plus its
// NUL-terminated name, for use as a test fixture.
func rawHeader(magic HeaderMagic, ino, mode, uid, gid, nlink, mtime, filesize, major, minor, rmajor, rminor, check uint32, name string) []byte {
	namesize := uint32(len(name) + 1)
	s := fmt.Sprintf("%s%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X",
		magic, ino, mode, uid, gid, nlink, mtime, filesize, major, minor, rmajor, rminor, namesize, check)
	buf := []byte(s)
	buf = append(buf, name...)
	buf = append(buf, 0)
	for len(buf)%cpioAlignment != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func TestReadHeader(t *testing.T) {
	raw := rawHeader(MagicNewc, 4, 0o100_600, 0, 0, 1, 1576629600, 76166, 0, 0, 0, 0, 0,
		"kernel/x86/microcode/AuthenticAMD.bin")

	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := ReadHeader(br, 0)
	if err != nil {
		t.Fatalf("ReadHeader: %s", err)
	}

	want := &Header{
		Magic:        MagicNewc,
		Ino:          4,
		Mode:         0o100_600,
		Nlink:        1,
		Mtime:        1576629600,
		Filesize:     76166,
		Name:         "kernel/x86/microcode/AuthenticAMD.bin",
		HeaderOffset: 0,
		DataOffset:   int64(len(raw)),
	}
	if *h != *want {
		t.Fatalf("mismatch:\n got  %+v\n want %+v", h, want)
	}
}

func TestReadHeaderDeviceEntry(t *testing.T) {
	raw := rawHeader(MagicNewc, 21, 0o020_620, 122, 5, 1, 1710404548, 0, 0, 5, 4, 1, 0, "/dev/tty1")

	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := ReadHeader(br, 0)
	if err != nil {
		t.Fatalf("ReadHeader: %s", err)
	}
	if h.RDevMajor != 4 || h.RDevMinor != 1 || h.DevMinor != 5 {
		t.Fatalf("device fields mismatch: %+v", h)
	}
	if h.Mode.FileType() != ModeCharDevice {
		t.Fatalf("expected char device, got %s", h.Mode)
	}
}

func TestReadHeaderBadMagic(t *testing.T) {
	raw := append([]byte("XXXXXX"), make([]byte, HeaderSize-6)...)
	br := bufio.NewReader(bytes.NewReader(raw))
	_, err := ReadHeader(br, 17)

	var bm *BadMagic
	if !errors.As(err, &bm) {
		t.Fatalf("expected *BadMagic, got %v", err)
	}
	if bm.Offset != 17 {
		t.Fatalf("expected offset 17, got %d", bm.Offset)
	}
}

func TestReadHeaderBadHex(t *testing.T) {
	raw := rawHeader(MagicNewc, 1, 0o100_644, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, "a")
	raw[8] = 'Z' // corrupt a byte inside the ino field
	br := bufio.NewReader(bytes.NewReader(raw))
	_, err := ReadHeader(br, 0)

	var bh *BadHex
	if !errors.As(err, &bh) {
		t.Fatalf("expected *BadHex, got %v", err)
	}
}

func TestReadHeaderNameNotTerminated(t *testing.T) {
	namesize := uint32(4)
	s := fmt.Sprintf("%s%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X%08X",
		MagicNewc, 1, 0o100_644, 0, 0, 1, 0, 0, 0, 0, 0, 0, namesize, 0)
	buf := []byte(s)
	buf = append(buf, 'a', 'b', 'c', 'd') // no terminating NUL

	br := bufio.NewReader(bytes.NewReader(buf))
	_, err := ReadHeader(br, 0)
	if !errors.Is(err, ErrNameNotTerminated) {
		t.Fatalf("expected ErrNameNotTerminated, got %v", err)
	}
}

func TestHeaderWriteToRoundTrip(t *testing.T) {
	h := &Header{
		Magic:    MagicNewc,
		Ino:      7,
		Mode:     ModeFile | 0o644,
		Uid:      1000,
		Gid:      1000,
		Nlink:    1,
		Mtime:    1577836800,
		Filesize: 3,
		Name:     "a/b/c",
	}

	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %s", err)
	}

	br := bufio.NewReader(&buf)
	got, err := ReadHeader(br, 0)
	if err != nil {
		t.Fatalf("ReadHeader: %s", err)
	}

	got.HeaderOffset, got.DataOffset = 0, 0
	want := *h
	if *got != want {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, want)
	}
}

func TestModeString(t *testing.T) {
	var testcases = []struct {
		mode Mode
		want string
	}{
		{ModeDir | 0o755, "drwxr-xr-x"},
		{ModeFile | 0o644, "-rw-r--r--"},
		{ModeSymlink | 0o777, "lrwxrwxrwx"},
		{ModeFile | ModeSUID | 0o755, "-rwsr-xr-x"},
		{ModeFile | ModeSUID | 0o644, "-rwSr--r--"},
		{ModeFile | ModeSGID | 0o645, "-rw-r-Sr-x"},
		{ModeDir | ModeSticky | 0o1777, "drwxrwxrwt"},
		{ModeFIFO | 0o600, "prw-------"},
		{ModeCharDevice | 0o666, "crw-rw-rw-"},
		{ModeBlockDevice | 0o660, "brw-rw----"},
		{ModeSocket | 0o755, "srwxr-xr-x"},
	}

	for _, tc := range testcases {
		if got := tc.mode.String(); got != tc.want {
			t.Errorf("Mode(%o).String() = %q, want %q", uint32(tc.mode), got, tc.want)
		}
	}
}

func TestComputeChecksum(t *testing.T) {
	got := ComputeChecksum(0, []byte("hello"))
	var want uint32
	for _, b := range []byte("hello") {
		want += uint32(b)
	}
	if got != want {
		t.Errorf("ComputeChecksum = %d, want %d", got, want)
	}
}

func TestNameTooLong(t *testing.T) {
	h := &Header{Name: string(make([]byte, maxNameSize))}
	var buf bytes.Buffer
	_, err := h.WriteTo(&buf)

	var ntl *NameTooLong
	if !errors.As(err, &ntl) {
		t.Fatalf("expected *NameTooLong, got %v", err)
	}
}
