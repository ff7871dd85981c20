package daemon

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/doughall/procmgr/internal/audit"
	"github.com/doughall/procmgr/internal/protocol"
)

// record appends one audit entry for a handled connection. cmd is nil when
// the request never decoded.
func (d *Daemon) record(started time.Time, cmd protocol.Command, result protocol.Result, cause error) {
	if d.journal == nil {
		return
	}

	r := &audit.Record{
		ReceivedAt: started,
		Command:    "invalid",
		DurationMs: time.Since(started).Milliseconds(),
	}
	if cmd != nil {
		r.Command = cmd.Name()
		r.PID, r.Args = describe(cmd)
	}
	switch res := result.(type) {
	case protocol.Status:
		r.Status = int(res)
	case protocol.TraceReport:
		r.Events = res.Report.Len()
	}
	if cause != nil {
		r.Error = cause.Error()
	}

	if err := d.journal.Append(r); err != nil {
		d.logger.Warn("failed to append audit record",
			slog.String("command", r.Command),
			slog.String("error", err.Error()),
		)
	}
}

// describe returns the target pid and a compact argument summary.
func describe(cmd protocol.Command) (int, string) {
	switch c := cmd.(type) {
	case protocol.SetNice:
		return c.PID, fmt.Sprintf("nice=%d", c.Value)
	case protocol.SetAffinity:
		return c.PID, fmt.Sprintf("cpus=%v", c.CPUs)
	case protocol.SetSchedulingPolicy:
		return c.PID, fmt.Sprintf("policy=%s priority=%d", c.Policy, c.Priority)
	case protocol.Ftrace:
		return 0, fmt.Sprintf("duration=%v", c.Duration)
	default:
		return 0, ""
	}
}
