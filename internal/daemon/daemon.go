// Package daemon owns procmgrd's listening socket and the serial
// accept → decode → dispatch → respond loop.
//
// Exactly one command is in flight at any time. The trace sampler drives
// process-wide kernel state without a lock of its own and relies on this.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/doughall/procmgr/internal/audit"
	"github.com/doughall/procmgr/internal/ftrace"
	"github.com/doughall/procmgr/internal/proc"
	"github.com/doughall/procmgr/internal/protocol"
)

// ProcessController applies scheduling changes to other processes.
type ProcessController interface {
	SetNice(ctx context.Context, pid, value int) int
	SetAffinity(ctx context.Context, pid int, cpus []int) int
	SetSchedulingPolicy(pid int, policy proc.Policy, priority int) int
}

// TraceSampler runs one bounded sched_switch capture.
type TraceSampler interface {
	Capture(d time.Duration) (ftrace.Report, error)
}

// Journal records handled commands.
type Journal interface {
	Append(r *audit.Record) error
}

// Options configures the listener and per-connection limits.
type Options struct {
	SocketPath      string
	SocketMode      os.FileMode
	SocketGroup     string
	MaxRequestBytes int
	RequestTimeout  time.Duration
	WriteTimeout    time.Duration
	MaxTrace        time.Duration
}

// Accept failures such as EMFILE are retried with exponential backoff.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

const readChunk = 4096

// ErrNotInitialized is returned by Serve before Init succeeded.
var ErrNotInitialized = errors.New("daemon not initialized")

// Daemon is the single per-process server context.
type Daemon struct {
	opts       Options
	controller ProcessController
	sampler    TraceSampler
	journal    Journal
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New creates a daemon. sampler may be nil when no tracefs is available, in
// which case ftrace requests fail with an error status.
func New(opts Options, controller ProcessController, sampler TraceSampler, logger *slog.Logger) *Daemon {
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = protocol.DefaultMaxRequestBytes
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.MaxTrace <= 0 {
		opts.MaxTrace = time.Minute
	}
	return &Daemon{
		opts:       opts,
		controller: controller,
		sampler:    sampler,
		logger:     logger.With(slog.String("component", "daemon")),
	}
}

// SetJournal sets the audit journal. Optional - if not set, commands are only logged.
func (d *Daemon) SetJournal(j Journal) {
	d.journal = j
}

// Init creates the listening socket. A stale socket left by a previous run
// is removed first; any other kind of file at the path is an error.
func (d *Daemon) Init() error {
	path := d.opts.SocketPath

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&fs.ModeSocket == 0 {
			return fmt.Errorf("refusing to replace non-socket file %s", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
		d.logger.Info("removed stale socket", slog.String("socket", path))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat socket path: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}

	if err := d.applyPermissions(path); err != nil {
		listener.Close()
		return err
	}

	d.mu.Lock()
	d.listener = listener
	d.closed = false
	d.mu.Unlock()

	d.logger.Info("listening",
		slog.String("socket", path),
		slog.String("mode", fmt.Sprintf("%#o", d.opts.SocketMode)),
		slog.String("group", d.opts.SocketGroup),
	)
	return nil
}

func (d *Daemon) applyPermissions(path string) error {
	if d.opts.SocketGroup != "" {
		grp, err := user.LookupGroup(d.opts.SocketGroup)
		if err != nil {
			return fmt.Errorf("failed to look up socket group: %w", err)
		}
		gid, err := strconv.Atoi(grp.Gid)
		if err != nil {
			return fmt.Errorf("invalid gid %q for group %s", grp.Gid, d.opts.SocketGroup)
		}
		if err := os.Chown(path, -1, gid); err != nil {
			return fmt.Errorf("failed to set socket group: %w", err)
		}
	}

	if err := os.Chmod(path, d.opts.SocketMode); err != nil {
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return nil
}

// Serve accepts and handles connections one at a time until a shutdown
// command is received or ctx is cancelled. Both are clean exits.
func (d *Daemon) Serve(ctx context.Context) error {
	d.mu.Lock()
	listener := d.listener
	d.mu.Unlock()
	if listener == nil {
		return ErrNotInitialized
	}

	stop := context.AfterFunc(ctx, func() {
		d.closeListener()
	})
	defer stop()

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if d.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			d.logger.Error("accept error",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		if d.handle(ctx, conn) {
			d.logger.Info("shutdown requested by client")
			d.closeListener()
			return nil
		}
	}
}

// Shutdown closes the listener and removes the socket file.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.closeListener()
	if err := os.Remove(d.opts.SocketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove socket: %w", err)
	}
	return nil
}

// Healthy reports whether the listener is open.
func (d *Daemon) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listener != nil && !d.closed
}

func (d *Daemon) closeListener() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil || d.closed {
		return
	}
	d.closed = true
	if err := d.listener.Close(); err != nil {
		d.logger.Warn("failed to close listener", slog.String("error", err.Error()))
	}
}

func (d *Daemon) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// handle serves one connection fully. It reports whether the client asked
// the daemon to stop.
func (d *Daemon) handle(ctx context.Context, conn net.Conn) bool {
	defer conn.Close()
	started := time.Now()

	cmd, err := d.readRequest(conn)
	if err != nil {
		d.logger.Warn("rejected request", slog.String("error", err.Error()))
		d.record(started, nil, protocol.Status(proc.StatusError), err)
		d.respond(conn, protocol.Status(proc.StatusError))
		return false
	}

	if _, ok := cmd.(protocol.Shutdown); ok {
		d.record(started, cmd, protocol.Status(proc.StatusOK), nil)
		d.respond(conn, protocol.Status(proc.StatusOK))
		return true
	}

	d.logger.Debug("dispatching command", slog.String("command", cmd.Name()))
	result, err := d.dispatch(ctx, cmd)
	d.record(started, cmd, result, err)
	d.respond(conn, result)
	return false
}

// readRequest reads until the buffered bytes form a complete request, the
// client half-closes, the size limit is exceeded, or the request timeout
// passes with some data received. A framed buffer that fails to decode only
// because it is truncated keeps the read going.
func (d *Daemon) readRequest(conn net.Conn) (protocol.Command, error) {
	if err := conn.SetReadDeadline(time.Now().Add(d.opts.RequestTimeout)); err != nil {
		return nil, err
	}

	limit := d.opts.MaxRequestBytes
	buf := make([]byte, 0, min(limit+1, readChunk))
	chunk := make([]byte, readChunk)
	for {
		n, err := conn.Read(chunk[:min(readChunk, limit+1-len(buf))])
		buf = append(buf, chunk[:n]...)
		if len(buf) > limit {
			return protocol.DecodeLimit(buf, limit)
		}
		if n > 0 && protocol.Framed(buf) {
			cmd, derr := protocol.DecodeLimit(buf, limit)
			if derr == nil || !protocol.Incomplete(derr) {
				return cmd, derr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || (errors.Is(err, os.ErrDeadlineExceeded) && len(buf) > 0) {
				return protocol.DecodeLimit(buf, limit)
			}
			return nil, err
		}
	}
}

// dispatch routes a decoded command to the controller or sampler.
func (d *Daemon) dispatch(ctx context.Context, cmd protocol.Command) (protocol.Result, error) {
	switch c := cmd.(type) {
	case protocol.SetNice:
		return protocol.Status(d.controller.SetNice(ctx, c.PID, c.Value)), nil

	case protocol.SetAffinity:
		return protocol.Status(d.controller.SetAffinity(ctx, c.PID, c.CPUs)), nil

	case protocol.SetSchedulingPolicy:
		return protocol.Status(d.controller.SetSchedulingPolicy(c.PID, c.Policy, c.Priority)), nil

	case protocol.Ftrace:
		return d.ftrace(c)

	default:
		return protocol.Status(proc.StatusError), fmt.Errorf("no handler for command %q", cmd.Name())
	}
}

func (d *Daemon) ftrace(c protocol.Ftrace) (protocol.Result, error) {
	if d.sampler == nil {
		err := errors.New("tracing unavailable")
		d.logger.Warn("ftrace rejected", slog.String("error", err.Error()))
		return protocol.Status(proc.StatusError), err
	}
	if c.Duration > d.opts.MaxTrace {
		err := fmt.Errorf("capture of %v exceeds limit %v", c.Duration, d.opts.MaxTrace)
		d.logger.Warn("ftrace rejected", slog.String("error", err.Error()))
		return protocol.Status(proc.StatusError), err
	}

	report, err := d.sampler.Capture(c.Duration)
	if err != nil {
		d.logger.Error("ftrace capture failed", slog.String("error", err.Error()))
		return protocol.Status(proc.StatusError), err
	}
	return protocol.TraceReport{Report: report}, nil
}

// respond writes result under the write timeout. Failures are logged and
// the connection is closed by the caller without retry.
func (d *Daemon) respond(conn net.Conn, result protocol.Result) {
	if err := conn.SetWriteDeadline(time.Now().Add(d.opts.WriteTimeout)); err != nil {
		d.logger.Warn("failed to set write deadline", slog.String("error", err.Error()))
	}
	if err := protocol.WriteResult(conn, result); err != nil {
		d.logger.Error("failed to send response", slog.String("error", err.Error()))
	}
}
