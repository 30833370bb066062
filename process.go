package cpio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// stderrTailLimit bounds how much of a failed (de)compressor's stderr is
// kept for the error message.
const stderrTailLimit = 4096

// CompressorMissing is returned when the external binary for a compression
// kind cannot be found on PATH.
type CompressorMissing struct {
	Program string
}

func (e *CompressorMissing) Error() string {
	return fmt.Sprintf("program %q not found in PATH", e.Program)
}

// CompressorFailed is returned when a spawned (de)compressor exits with a
// non-zero status.
type CompressorFailed struct {
	Kind       CompressionKind
	Status     int
	StderrTail string
}

func (e *CompressorFailed) Error() string {
	msg := fmt.Sprintf("cpio: %s exited with status %d", e.Kind, e.Status)
	if e.StderrTail != "" {
		msg += ": " + e.StderrTail
	}
	return msg
}

// tailWriter keeps only the last limit bytes written to it, matching what
// a terminal would show of a long-running compressor's chatter.
type tailWriter struct {
	buf   []byte
	limit int
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailWriter) String() string {
	return string(bytes.TrimSpace(t.buf))
}

// decompressFile spawns the decompressor for c with src wired directly as
// the child's stdin (no pipe), and returns a ReadCloser over its stdout.
// Closing the returned ReadCloser waits for the child and, if it has not
// already exited, kills it first.
//
// Nothing in this package calls decompressFile; Extract and ListArchive
// use decompressReader.
func decompressFile(c Compression, src *os.File) (io.ReadCloser, error) {
	args := c.DecompressArgs()
	if len(args) == 0 {
		return nil, errors.New("cpio: decompressFile called with Uncompressed kind")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = src

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var tail tailWriter
	tail.limit = stderrTailLimit
	cmd.Stderr = &tail

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &CompressorMissing{Program: args[0]}
		}
		return nil, err
	}

	return &childPipe{kind: c.Kind, cmd: cmd, stdout: stdout, stderr: &tail}, nil
}

// decompressReader is like decompressFile but streams an arbitrary reader
// into the child's stdin through a pump goroutine. Extract and ListArchive
// use it for every compressed segment, passing their shared buffered
// reader, even when the input is a real file.
func decompressReader(c Compression, src io.Reader) (io.ReadCloser, error) {
	args := c.DecompressArgs()
	if len(args) == 0 {
		return nil, errors.New("cpio: decompressReader called with Uncompressed kind")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var tail tailWriter
	tail.limit = stderrTailLimit
	cmd.Stderr = &tail

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &CompressorMissing{Program: args[0]}
		}
		return nil, err
	}

	go func() {
		io.Copy(stdin, src)
		stdin.Close()
	}()

	return &childPipe{kind: c.Kind, cmd: cmd, stdout: stdout, stderr: &tail}, nil
}

// childPipe is the compressed-segment reader variant of the entry
// iterator's tagged reader: a child process's stdout, closing/killing the
// child on Close so a cancelled read never leaks a process.
type childPipe struct {
	kind   CompressionKind
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailWriter
}

func (p *childPipe) Read(b []byte) (int, error) { return p.stdout.Read(b) }

func (p *childPipe) Close() error {
	// The child may still be running or writing. It is killed before its
	// stdout is closed, so a child that had not exited yet ends by this
	// SIGKILL, which is not reported as a failure below.
	killed := p.cmd.Process.Kill() == nil
	p.stdout.Close()
	err := p.cmd.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && killed && ws.Signaled() && ws.Signal() == syscall.SIGKILL {
			return nil
		}
		return &CompressorFailed{Kind: p.kind, Status: exitErr.ExitCode(), StderrTail: p.stderr.String()}
	}
	return err
}

// compressorSink is the Writer-side half of the compression pump: callers
// write plain cpio bytes directly to its Write method, which forwards them
// to the compressor's stdin, while a background goroutine drains the
// compressor's stdout into dst. Both directions must progress or the pipe
// deadlocks once either buffer fills.
type compressorSink struct {
	kind    CompressionKind
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *tailWriter
	drainErr chan error
}

// newCompressorSink spawns the compressor for c and returns a sink whose
// Write calls feed it; its compressed output is copied to dst as it is
// produced.
func newCompressorSink(c Compression, reproducible bool, dst io.Writer) (*compressorSink, error) {
	args := c.CompressArgs(reproducible)
	if len(args) == 0 {
		return nil, errors.New("cpio: newCompressorSink called with Uncompressed kind")
	}

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var tail tailWriter
	tail.limit = stderrTailLimit
	cmd.Stderr = &tail

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &CompressorMissing{Program: args[0]}
		}
		return nil, err
	}

	s := &compressorSink{kind: c.Kind, cmd: cmd, stdin: stdin, stderr: &tail, drainErr: make(chan error, 1)}
	go func() {
		_, err := io.Copy(dst, stdout)
		s.drainErr <- err
	}()
	return s, nil
}

func (s *compressorSink) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Close closes the compressor's stdin, waits for the drain goroutine to
// finish copying its stdout, and waits for the child to exit, reporting
// the first failure seen.
func (s *compressorSink) Close() error {
	stdinErr := s.stdin.Close()
	drainErr := <-s.drainErr
	waitErr := s.cmd.Wait()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &CompressorFailed{Kind: s.kind, Status: exitErr.ExitCode(), StderrTail: s.stderr.String()}
		}
		return waitErr
	}
	if drainErr != nil {
		return drainErr
	}
	return stdinErr
}
