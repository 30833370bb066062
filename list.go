package cpio

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"time"
)

// sixMonths is coreutils ls's threshold for switching an mtime column
// between "Mon DD HH:MM" and "Mon DD  YYYY": an average Gregorian year,
// halved.
const sixMonths = 15778476 // seconds

// ListMode selects how much detail Lister prints per entry.
type ListMode int

const (
	ListPlain   ListMode = iota // just the name
	ListVerbose                 // ls -l style columns
	ListDebug                   // verbose, plus the numeric inode
)

// Lister formats entries read from an EntryReader.
type Lister struct {
	Mode    ListMode
	Pattern string // shell-glob filter; empty matches everything
	Now     time.Time
}

func (l *Lister) matches(name string) bool {
	if l.Pattern == "" {
		return true
	}
	ok, err := filepath.Match(l.Pattern, name)
	return err == nil && ok
}

// List reads every entry from r and writes formatted lines to out,
// skipping entries that don't match l.Pattern. Entries not selected by the
// pattern still have their payload (and, for "crc" magic, checksum)
// consumed, matching how EntryReader.Next always drains the previous
// entry.
func (l *Lister) List(r *EntryReader, out io.Writer) error {
	now := l.Now
	if now.IsZero() {
		now = time.Now()
	}

	var lastMtime uint32
	var timeString string
	haveTime := false

	for {
		h, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if !l.matches(h.Name) {
			continue
		}

		if l.Mode == ListPlain {
			if _, err := fmt.Fprintln(out, h.Name); err != nil {
				return err
			}
			continue
		}

		if !haveTime || h.Mtime != lastMtime {
			lastMtime = h.Mtime
			timeString = formatTime(h.Mtime, now)
			haveTime = true
		}

		if err := l.printLong(r, h, timeString, out); err != nil {
			return err
		}
	}
}

func (l *Lister) printLong(r *EntryReader, h *Header, timeString string, out io.Writer) error {
	user := names.UserName(h.Uid)
	group := names.GroupName(h.Gid)

	var inode string
	if l.Mode == ListDebug {
		inode = fmt.Sprintf("%4d ", h.Ino)
	}

	switch h.Mode.FileType() {
	case ModeSymlink:
		target, err := readSymlinkTarget(r, h)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s%s %3d %-8s %-8s %8d %s %s -> %s\n",
			inode, h.Mode, h.Nlink, user, group, h.Filesize, timeString, h.Name, target)
		return err

	case ModeBlockDevice, ModeCharDevice:
		_, err := fmt.Fprintf(out, "%s%s %3d %-8s %-8s %3d, %3d %s %s\n",
			inode, h.Mode, h.Nlink, user, group, h.RDevMajor, h.RDevMinor, timeString, h.Name)
		return err

	default:
		_, err := fmt.Fprintf(out, "%s%s %3d %-8s %-8s %8d %s %s\n",
			inode, h.Mode, h.Nlink, user, group, h.Filesize, timeString, h.Name)
		return err
	}
}

// ListArchive walks a concatenated, optionally compressed newc/crc cpio
// stream from r, listing every segment's entries through l. It mirrors
// Extract's own segment-walking loop, since both operations need to
// transparently cross from one segment into the next, decompressing as
// needed.
func ListArchive(r io.Reader, l *Lister, out io.Writer) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		la, err := PeekLookahead(br)
		if err != nil {
			return err
		}
		if la.EOF() {
			return nil
		}

		if la == CpioFile {
			er := NewEntryReader(br)
			if err := l.List(er, out); err != nil {
				return err
			}
			if err := discardSegmentPadding(br, er.consumed()); err != nil {
				return err
			}
			continue
		}

		if !la.Compression() {
			return &UnknownFormat{}
		}

		kind, err := kindFromLookahead(la)
		if err != nil {
			return err
		}
		dec, err := decompressReader(Compression{Kind: kind}, br)
		if err != nil {
			return err
		}
		listErr := l.List(NewEntryReader(dec), out)
		closeErr := dec.Close()
		if listErr != nil {
			return listErr
		}
		return closeErr
	}
}

func readSymlinkTarget(r *EntryReader, h *Header) (string, error) {
	buf := make([]byte, h.Filesize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func formatTime(timestamp uint32, now time.Time) string {
	t := time.Unix(int64(timestamp), 0).UTC()
	recent := now.Unix()-int64(timestamp) <= sixMonths
	if recent {
		return t.Format("Jan _2 15:04")
	}
	return t.Format("Jan _2  2006")
}
