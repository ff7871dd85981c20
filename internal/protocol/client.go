// client.go provides a client for issuing commands to procmgrd over its Unix socket.
package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/doughall/procmgr/internal/ftrace"
	"github.com/doughall/procmgr/internal/proc"
)

// maxResponseBytes bounds how much of a response the client will buffer.
const maxResponseBytes = 64 << 20

// ErrStatus is returned when the daemon answers with a non-zero status.
var ErrStatus = errors.New("daemon returned error status")

// Client talks to procmgrd.
type Client struct {
	socketPath  string
	dialTimeout time.Duration
}

// NewClient creates a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath:  socketPath,
		dialTimeout: 5 * time.Second,
	}
}

// Available returns true if the daemon socket accepts connections.
// The probe connection is closed without sending a request.
func (c *Client) Available() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// request is the client-side request document.
type request struct {
	Name     string   `yaml:"name"`
	PID      *int     `yaml:"pid,omitempty"`
	Nice     *int     `yaml:"nice,omitempty"`
	CPUs     []int    `yaml:"cpus,omitempty,flow"`
	Policy   *int     `yaml:"policy,omitempty"`
	Priority *int     `yaml:"priority,omitempty"`
	Sec      *float64 `yaml:"sec,omitempty"`
}

// SetNice asks the daemon to set the niceness of pid.
func (c *Client) SetNice(ctx context.Context, pid, nice int) (int, error) {
	return c.status(ctx, request{Name: NameNice, PID: &pid, Nice: &nice})
}

// SetAffinity asks the daemon to restrict pid to cpus.
func (c *Client) SetAffinity(ctx context.Context, pid int, cpus []int) (int, error) {
	return c.status(ctx, request{Name: NameCPUAffinity, PID: &pid, CPUs: cpus})
}

// SetSchedulingPolicy asks the daemon to change the scheduling class of pid.
// The returned status is the kernel's raw result.
func (c *Client) SetSchedulingPolicy(ctx context.Context, pid int, policy proc.Policy, priority int) (int, error) {
	p := int(policy)
	return c.status(ctx, request{Name: NameSchedulingPolicy, PID: &pid, Policy: &p, Priority: &priority})
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown(ctx context.Context) (int, error) {
	return c.status(ctx, request{Name: NameShutdown})
}

// Raw sends an arbitrary request name with no fields and returns the status.
// It exists for probing how the daemon treats unsupported commands.
func (c *Client) Raw(ctx context.Context, name string) (int, error) {
	return c.status(ctx, request{Name: name})
}

// Ftrace asks the daemon for a sched_switch capture of the given length.
func (c *Client) Ftrace(ctx context.Context, d time.Duration) (ftrace.Report, error) {
	sec := d.Seconds()
	resp, err := c.roundTrip(ctx, request{Name: NameFtrace, Sec: &sec})
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(resp)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		code, err := parseStatus(trimmed)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d", ErrStatus, code)
	}
	return DecodeTraceReport(trimmed)
}

func (c *Client) status(ctx context.Context, req request) (int, error) {
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return 0, err
	}
	return parseStatus(bytes.TrimSpace(resp))
}

func parseStatus(data []byte) (int, error) {
	code, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid status response %q: %w", data, err)
	}
	return code, nil
}

// roundTrip sends one request, half-closes, and reads until the daemon closes.
func (c *Client) roundTrip(ctx context.Context, req request) ([]byte, error) {
	payload, err := yaml.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon not available: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return nil, fmt.Errorf("failed to finish request: %w", err)
		}
	}

	resp, err := io.ReadAll(io.LimitReader(conn, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(resp) == 0 {
		return nil, errors.New("empty response")
	}
	return resp, nil
}
