package ftrace

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Facility is the kernel tracing interface the Sampler brackets.
type Facility interface {
	// SetSchedSwitch arms or disarms the sched:sched_switch event class.
	SetSchedSwitch(on bool) error
	// SetTracing flips the global tracing_on switch.
	SetTracing(on bool) error
	// OpenPipe opens the consuming trace line stream.
	OpenPipe() (Pipe, error)
}

// Pipe is a consuming stream of trace lines.
type Pipe interface {
	// Wait blocks until a line can be read or timeout elapses. A zero
	// timeout polls without blocking.
	Wait(timeout time.Duration) (bool, error)
	// Next returns the next complete line. ok is false when no complete
	// line is available yet.
	Next() (line string, ok bool, err error)
	Close() error
}

// DefaultRoots are the tracefs mount points probed when none is configured.
var DefaultRoots = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

// ErrNoTracefs is returned by DetectRoot when no tracefs mount is usable.
var ErrNoTracefs = errors.New("tracefs not found")

// DetectRoot returns the first candidate directory that holds a trace_pipe.
func DetectRoot(candidates []string) (string, error) {
	for _, dir := range candidates {
		if _, err := os.Stat(filepath.Join(dir, "trace_pipe")); err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w in %v", ErrNoTracefs, candidates)
}

// Tracefs is the Facility backed by a tracefs mount.
type Tracefs struct {
	Root string
}

func (t Tracefs) SetSchedSwitch(on bool) error {
	return writeFlag(filepath.Join(t.Root, "events", "sched", "sched_switch", "enable"), on)
}

func (t Tracefs) SetTracing(on bool) error {
	return writeFlag(filepath.Join(t.Root, "tracing_on"), on)
}

func (t Tracefs) OpenPipe() (Pipe, error) {
	path := filepath.Join(t.Root, "trace_pipe")
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &fdPipe{fd: fd, chunk: make([]byte, 64*1024)}, nil
}

func writeFlag(path string, on bool) error {
	v := []byte("0")
	if on {
		v = []byte("1")
	}
	return os.WriteFile(path, v, 0)
}

// fdPipe reads trace_pipe through a non-blocking descriptor so readiness can
// be awaited with poll(2) under a deadline.
type fdPipe struct {
	fd    int
	buf   []byte
	chunk []byte
}

func (p *fdPipe) Wait(timeout time.Duration) (bool, error) {
	if bytes.IndexByte(p.buf, '\n') >= 0 {
		return true, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline).Milliseconds())
		if ms < 0 {
			ms = 0
		}
		fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("poll trace_pipe: %w", err)
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

func (p *fdPipe) Next() (string, bool, error) {
	if line, ok := p.cut(); ok {
		return line, true, nil
	}

	n, err := unix.Read(p.fd, p.chunk)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read trace_pipe: %w", err)
	}
	p.buf = append(p.buf, p.chunk[:n]...)

	line, ok := p.cut()
	return line, ok, nil
}

func (p *fdPipe) cut() (string, bool) {
	i := bytes.IndexByte(p.buf, '\n')
	if i < 0 {
		return "", false
	}
	line := string(p.buf[:i])
	p.buf = p.buf[i+1:]
	return line, true
}

func (p *fdPipe) Close() error {
	return unix.Close(p.fd)
}
