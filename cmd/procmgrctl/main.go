// procmgrctl is the command-line client for procmgrd.
//
// Usage:
//
//	procmgrctl [flags] nice PID VALUE
//	procmgrctl [flags] affinity PID CPU[,CPU...]
//	procmgrctl [flags] policy PID other|fifo|rr PRIORITY
//	procmgrctl [flags] ftrace SECONDS
//	procmgrctl [flags] shutdown
//	procmgrctl [flags] ping
//
// Status commands print the daemon's integer status and exit non-zero when
// it is not 0.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/doughall/procmgr/internal/config"
	"github.com/doughall/procmgr/internal/ftrace"
	"github.com/doughall/procmgr/internal/proc"
	"github.com/doughall/procmgr/internal/protocol"
	"github.com/doughall/procmgr/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("procmgrctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "configuration file to read socket_path from")
	socket := fs.String("socket", "", "daemon socket path (overrides -config)")
	timeout := fs.Duration("timeout", 10*time.Second, "time allowed for the request, excluding ftrace capture time")
	asJSON := fs.Bool("json", false, "print ftrace reports as JSON")
	showVersion := fs.Bool("version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(stdout, version.Info("procmgrctl"))
		return 0
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	path := *socket
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "procmgrctl: %v\n", err)
			return 1
		}
		path = cfg.SocketPath
	}

	c := protocol.NewClient(path)
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	if cmd == protocol.NameFtrace {
		return runFtrace(c, rest, *timeout, *asJSON, stdout, stderr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status, err := runStatus(ctx, c, cmd, rest)
	if err != nil {
		fmt.Fprintf(stderr, "procmgrctl: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, status)
	if status != 0 {
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func runStatus(ctx context.Context, c *protocol.Client, cmd string, args []string) (int, error) {
	switch cmd {
	case "nice":
		ints, err := atois(args, 2)
		if err != nil {
			return 0, fmt.Errorf("nice PID VALUE: %w", err)
		}
		return c.SetNice(ctx, ints[0], ints[1])

	case "affinity":
		if len(args) != 2 {
			return 0, fmt.Errorf("affinity PID CPU[,CPU...]: %w", errUsage)
		}
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return 0, fmt.Errorf("invalid pid %q", args[0])
		}
		cpus, err := parseCPUList(args[1])
		if err != nil {
			return 0, err
		}
		return c.SetAffinity(ctx, pid, cpus)

	case "policy":
		if len(args) != 3 {
			return 0, fmt.Errorf("policy PID other|fifo|rr PRIORITY: %w", errUsage)
		}
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return 0, fmt.Errorf("invalid pid %q", args[0])
		}
		policy, err := parsePolicy(args[1])
		if err != nil {
			return 0, err
		}
		prio, err := strconv.Atoi(args[2])
		if err != nil {
			return 0, fmt.Errorf("invalid priority %q", args[2])
		}
		return c.SetSchedulingPolicy(ctx, pid, policy, prio)

	case "shutdown":
		return c.Shutdown(ctx)

	case "ping":
		if !c.Available() {
			return 0, errors.New("daemon not available")
		}
		return 0, nil

	default:
		return 0, fmt.Errorf("unknown command %q", cmd)
	}
}

func runFtrace(c *protocol.Client, args []string, timeout time.Duration, asJSON bool, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "procmgrctl: ftrace SECONDS")
		return 2
	}
	sec, err := strconv.ParseFloat(args[0], 64)
	if err != nil || sec < 0 {
		fmt.Fprintf(stderr, "procmgrctl: invalid duration %q\n", args[0])
		return 2
	}
	d := time.Duration(sec * float64(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), d+timeout)
	defer cancel()

	report, err := c.Ftrace(ctx, d)
	if err != nil {
		fmt.Fprintf(stderr, "procmgrctl: %v\n", err)
		return 1
	}

	if asJSON {
		if err := protocol.WriteTraceReport(stdout, report); err != nil {
			fmt.Fprintf(stderr, "procmgrctl: %v\n", err)
			return 1
		}
		return 0
	}
	printReport(stdout, report)
	return 0
}

// printReport writes one "cpu offset pid" line per event, ordered by CPU.
func printReport(w io.Writer, report ftrace.Report) {
	cpus := make([]int, 0, len(report))
	for cpu := range report {
		cpus = append(cpus, cpu)
	}
	slices.Sort(cpus)

	fmt.Fprintf(w, "%-4s %12s %8s\n", "CPU", "OFFSET", "PID")
	for _, cpu := range cpus {
		for _, ev := range report[cpu] {
			fmt.Fprintf(w, "%-4d %12.6f %8d\n", cpu, ev.Offset, ev.PID)
		}
	}
}

func atois(args []string, n int) ([]int, error) {
	if len(args) != n {
		return nil, errUsage
	}
	out := make([]int, n)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", a)
		}
		out[i] = v
	}
	return out, nil
}

// parseCPUList accepts comma separated CPU numbers and inclusive ranges,
// e.g. "0,2-3".
func parseCPUList(s string) ([]int, error) {
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid cpu %q", part)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil || last < first {
				return nil, fmt.Errorf("invalid cpu range %q", part)
			}
		}
		if last >= proc.MaxCPUs {
			return nil, fmt.Errorf("cpu %d out of range", last)
		}
		for cpu := first; cpu <= last; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

func parsePolicy(s string) (proc.Policy, error) {
	switch strings.ToLower(s) {
	case "other", "normal":
		return proc.PolicyOther, nil
	case "fifo":
		return proc.PolicyFIFO, nil
	case "rr":
		return proc.PolicyRR, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", proc.ErrInvalidPolicy, s)
	}
	return proc.ParsePolicy(n)
}
