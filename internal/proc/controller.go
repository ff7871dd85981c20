// Package proc applies scheduling attributes to other processes.
//
// Every direct kernel call made on behalf of a client lives behind the Kernel
// interface in this package. Operations are stateless single attempts: each
// returns a status code for the client and never retries.
//
// Status conventions:
//   - SetNice and SetAffinity return StatusOK or StatusError.
//   - SetSchedulingPolicy returns the raw sched_setscheduler result: 0 on
//     success, the negated errno otherwise.
package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// Status codes returned to clients.
const (
	StatusOK    = 0
	StatusError = -1
)

// MaxCPUs is the number of CPU indices representable in an affinity mask.
const MaxCPUs = len(unix.CPUSet{}) * 64

// Controller applies niceness, affinity and scheduling class changes.
type Controller struct {
	kernel    Kernel
	lookup    func(ctx context.Context, pid int32) (*process.Process, error)
	missingOK bool
	logger    *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithKernel replaces the kernel call implementation.
func WithKernel(k Kernel) Option {
	return func(c *Controller) { c.kernel = k }
}

// WithAffinityMissingOK controls whether SetAffinity on an exited process
// reports success (the default) or StatusError.
func WithAffinityMissingOK(ok bool) Option {
	return func(c *Controller) { c.missingOK = ok }
}

// NewController creates a Controller backed by the running kernel.
func NewController(logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		kernel:    SystemKernel{},
		lookup:    process.NewProcessWithContext,
		missingOK: true,
		logger:    logger.With(slog.String("component", "proc")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// resolve turns pid into a live process handle.
func (c *Controller) resolve(ctx context.Context, pid int) (*process.Process, error) {
	if pid <= 0 || pid > math.MaxInt32 {
		return nil, fmt.Errorf("pid %d out of range", pid)
	}
	return c.lookup(ctx, int32(pid))
}

// SetNice sets the niceness of pid.
func (c *Controller) SetNice(ctx context.Context, pid, value int) int {
	p, err := c.resolve(ctx, pid)
	if err != nil {
		c.logger.Warn("nice target not found",
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
		return StatusError
	}

	if err := c.kernel.Setpriority(pid, value); err != nil {
		c.logger.Warn("setpriority rejected",
			slog.Int("pid", pid),
			slog.Int("nice", value),
			slog.String("error", err.Error()),
		)
		return StatusError
	}

	c.logger.Info("nice applied",
		slog.Int("pid", pid),
		slog.String("name", processName(ctx, p)),
		slog.Int("nice", value),
	)
	return StatusOK
}

// SetAffinity restricts pid to the given CPUs. A process that exited before
// the request arrived is not an error unless configured otherwise.
func (c *Controller) SetAffinity(ctx context.Context, pid int, cpus []int) int {
	p, err := c.resolve(ctx, pid)
	if errors.Is(err, process.ErrorProcessNotRunning) && c.missingOK {
		c.logger.Info("affinity target already exited, nothing to do",
			slog.Int("pid", pid),
		)
		return StatusOK
	}
	if err != nil {
		c.logger.Warn("affinity target not found",
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
		return StatusError
	}

	set, err := cpuSet(cpus)
	if err != nil {
		c.logger.Warn("invalid affinity mask",
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
		return StatusError
	}

	if err := c.kernel.SchedSetaffinity(pid, &set); err != nil {
		c.logger.Warn("sched_setaffinity rejected",
			slog.Int("pid", pid),
			slog.Any("cpus", cpus),
			slog.String("error", err.Error()),
		)
		return StatusError
	}

	c.logger.Info("affinity applied",
		slog.Int("pid", pid),
		slog.String("name", processName(ctx, p)),
		slog.Any("cpus", cpus),
	)
	return StatusOK
}

// SetSchedulingPolicy changes the scheduling class and static priority of pid.
// Invalid policies, non-positive pids and priorities outside the int32
// sched_param field are rejected before the kernel is called. A pid of 0
// would otherwise change the daemon's own scheduling class.
func (c *Controller) SetSchedulingPolicy(pid int, policy Policy, priority int) int {
	if pid <= 0 || pid > math.MaxInt32 || priority < math.MinInt32 || priority > math.MaxInt32 {
		c.logger.Warn("rejected scheduling request",
			slog.Int("pid", pid),
			slog.Int("priority", priority),
		)
		return StatusError
	}
	if !policy.Valid() {
		c.logger.Warn("rejected scheduling policy",
			slog.Int("pid", pid),
			slog.Int("policy", int(policy)),
		)
		return StatusError
	}

	ret := c.kernel.SchedSetscheduler(pid, policy, priority)

	level := slog.LevelInfo
	if ret != 0 {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "sched_setscheduler",
		slog.Int("pid", pid),
		slog.String("policy", policy.String()),
		slog.Int("priority", priority),
		slog.Int("ret", ret),
	)
	return ret
}

// Affinity returns the CPUs pid may run on, in ascending order.
func (c *Controller) Affinity(pid int) ([]int, error) {
	var set unix.CPUSet
	if err := c.kernel.SchedGetaffinity(pid, &set); err != nil {
		return nil, err
	}
	return cpuList(&set), nil
}

func cpuSet(cpus []int) (unix.CPUSet, error) {
	var set unix.CPUSet
	if len(cpus) == 0 {
		return set, errors.New("empty cpu list")
	}
	for _, cpu := range cpus {
		if cpu < 0 || cpu >= MaxCPUs {
			return set, fmt.Errorf("cpu %d out of range [0,%d)", cpu, MaxCPUs)
		}
		set.Set(cpu)
	}
	return set, nil
}

func cpuList(set *unix.CPUSet) []int {
	cpus := make([]int, 0, set.Count())
	for cpu := 0; cpu < MaxCPUs; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus
}

// processName is best effort: the process may exit at any moment.
func processName(ctx context.Context, p *process.Process) string {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}
