// Package ftrace captures scheduler context switches from the kernel's
// tracefs and turns them into per-CPU event sequences.
//
// A capture brackets process-wide kernel state: it arms sched_switch and the
// global tracing switch, drains trace_pipe for a bounded time, and always
// disarms both again in reverse order before returning. Nothing in this
// package locks the facility; callers must not run captures concurrently.
package ftrace

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// maxDrainLines bounds a drain so a facility left running by another agent
// cannot keep a drain going forever.
const maxDrainLines = 1 << 20

// Sampler runs sched_switch captures.
type Sampler struct {
	facility Facility
	now      func() time.Time
	logger   *slog.Logger
}

// NewSampler creates a Sampler over the given facility.
func NewSampler(facility Facility, logger *slog.Logger) *Sampler {
	return &Sampler{
		facility: facility,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "ftrace")),
	}
}

// Capture records context switches for duration d and returns them per CPU.
//
// Tracing is disabled before Capture returns, whether or not the capture
// itself failed; teardown errors are joined into the returned error.
func (s *Sampler) Capture(d time.Duration) (report Report, err error) {
	if d < 0 {
		return nil, fmt.Errorf("negative capture duration %v", d)
	}
	start := s.now()

	pipe, err := s.facility.OpenPipe()
	if err != nil {
		return nil, fmt.Errorf("open trace pipe: %w", err)
	}
	defer func() {
		if cerr := pipe.Close(); cerr != nil {
			s.logger.Warn("failed to close trace pipe", slog.String("error", cerr.Error()))
		}
	}()

	if n, err := s.drain(pipe); err != nil {
		return nil, fmt.Errorf("flush stale trace lines: %w", err)
	} else if n > 0 {
		s.logger.Debug("discarded stale trace lines", slog.Int("lines", n))
	}

	if err := s.arm(); err != nil {
		return nil, errors.Join(err, s.disarm())
	}

	report, err = s.collect(pipe, d)
	if derr := s.disarm(); derr != nil {
		err = errors.Join(err, derr)
	}
	if _, derr := s.drain(pipe); derr != nil {
		err = errors.Join(err, fmt.Errorf("flush residual trace lines: %w", derr))
	}
	if err != nil {
		return nil, err
	}

	report.sortByOffset()
	s.logger.Info("ftrace capture complete",
		slog.Duration("requested", d),
		slog.Duration("elapsed", s.now().Sub(start)),
		slog.Int("cpus", len(report)),
		slog.Int("events", report.Len()),
	)
	return report, nil
}

// arm enables the event class before the master switch.
func (s *Sampler) arm() error {
	if err := s.facility.SetSchedSwitch(true); err != nil {
		return fmt.Errorf("enable sched_switch: %w", err)
	}
	if err := s.facility.SetTracing(true); err != nil {
		return fmt.Errorf("enable tracing: %w", err)
	}
	return nil
}

// disarm mirrors arm: master switch first, then the event class. Both steps
// are always attempted.
func (s *Sampler) disarm() error {
	var errs []error
	if err := s.facility.SetTracing(false); err != nil {
		errs = append(errs, fmt.Errorf("disable tracing: %w", err))
	}
	if err := s.facility.SetSchedSwitch(false); err != nil {
		errs = append(errs, fmt.Errorf("disable sched_switch: %w", err))
	}
	return errors.Join(errs...)
}

// collect reads lines until d has elapsed or the pipe stays quiet for the
// rest of the window. Offsets are relative to the first event read; events
// timestamped before it are dropped.
func (s *Sampler) collect(pipe Pipe, d time.Duration) (Report, error) {
	report := make(Report)
	deadline := s.now().Add(d)
	limit := d.Seconds()

	var first float64
	seen := false
	skipped, early := 0, 0

	for {
		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			break
		}

		ready, err := pipe.Wait(remaining)
		if err != nil {
			return nil, err
		}
		if !ready {
			break
		}

		line, ok, err := pipe.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		smp, ok := parseLine(line)
		if !ok {
			skipped++
			continue
		}
		if !seen {
			first = smp.timestamp
			seen = true
		}

		offset := smp.timestamp - first
		if offset < 0 {
			early++
			continue
		}
		if offset > limit {
			break
		}
		report.Add(Event{CPU: smp.cpu, PID: smp.pid, Offset: offset})
	}

	if skipped > 0 {
		s.logger.Debug("skipped non sched_switch lines", slog.Int("lines", skipped))
	}
	if early > 0 {
		s.logger.Debug("dropped events older than the first", slog.Int("events", early))
	}
	return report, nil
}

// drain discards everything currently buffered in the pipe.
func (s *Sampler) drain(pipe Pipe) (int, error) {
	n := 0
	for n < maxDrainLines {
		ready, err := pipe.Wait(0)
		if err != nil {
			return n, err
		}
		if !ready {
			return n, nil
		}
		_, ok, err := pipe.Next()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
	return n, nil
}
