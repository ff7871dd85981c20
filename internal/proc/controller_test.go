// controller_test.go tests the process controller against a recording fake
// kernel, plus live checks against a child process owned by the test.
package proc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"slices"
	"testing"

	"golang.org/x/sys/unix"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// missingPID is far above any realistic pid_max.
const missingPID = 999999999

type fakeKernel struct {
	calls       []string
	priorityErr error
	affinityErr error
	schedRet    int
	lastSet     unix.CPUSet
	lastPolicy  Policy
	lastPrio    int
}

func (k *fakeKernel) Setpriority(pid, value int) error {
	k.calls = append(k.calls, "setpriority")
	return k.priorityErr
}

func (k *fakeKernel) SchedSetaffinity(pid int, set *unix.CPUSet) error {
	k.calls = append(k.calls, "sched_setaffinity")
	k.lastSet = *set
	return k.affinityErr
}

func (k *fakeKernel) SchedGetaffinity(pid int, set *unix.CPUSet) error {
	k.calls = append(k.calls, "sched_getaffinity")
	*set = k.lastSet
	return nil
}

func (k *fakeKernel) SchedSetscheduler(pid int, policy Policy, priority int) int {
	k.calls = append(k.calls, "sched_setscheduler")
	k.lastPolicy = policy
	k.lastPrio = priority
	return k.schedRet
}

// startChild runs a sleeping child the test may reschedule freely.
func startChild(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start child process: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
	return cmd.Process.Pid
}

func TestSetNice(t *testing.T) {
	ctx := context.Background()

	t.Run("missing process returns error status without kernel call", func(t *testing.T) {
		k := &fakeKernel{}
		c := NewController(nopLogger(), WithKernel(k))

		if got := c.SetNice(ctx, missingPID, 0); got != StatusError {
			t.Errorf("SetNice(missing) = %d, want %d", got, StatusError)
		}
		if len(k.calls) != 0 {
			t.Errorf("expected no kernel calls, got %v", k.calls)
		}
	})

	t.Run("non-positive pid is rejected", func(t *testing.T) {
		k := &fakeKernel{}
		c := NewController(nopLogger(), WithKernel(k))

		for _, pid := range []int{0, -1} {
			if got := c.SetNice(ctx, pid, 0); got != StatusError {
				t.Errorf("SetNice(%d) = %d, want %d", pid, got, StatusError)
			}
		}
		if len(k.calls) != 0 {
			t.Errorf("expected no kernel calls, got %v", k.calls)
		}
	})

	t.Run("kernel rejection returns error status", func(t *testing.T) {
		k := &fakeKernel{priorityErr: unix.EPERM}
		c := NewController(nopLogger(), WithKernel(k))

		if got := c.SetNice(ctx, os.Getpid(), -20); got != StatusError {
			t.Errorf("SetNice = %d, want %d", got, StatusError)
		}
	})

	t.Run("live child succeeds", func(t *testing.T) {
		pid := startChild(t)
		c := NewController(nopLogger())

		if got := c.SetNice(ctx, pid, 10); got != StatusOK {
			t.Fatalf("SetNice(child, 10) = %d, want %d", got, StatusOK)
		}
	})
}

func TestSetAffinity(t *testing.T) {
	ctx := context.Background()

	t.Run("missing process is a no-op success by default", func(t *testing.T) {
		k := &fakeKernel{}
		c := NewController(nopLogger(), WithKernel(k))

		if got := c.SetAffinity(ctx, missingPID, []int{0}); got != StatusOK {
			t.Errorf("SetAffinity(missing) = %d, want %d", got, StatusOK)
		}
		if len(k.calls) != 0 {
			t.Errorf("expected no kernel calls, got %v", k.calls)
		}
	})

	t.Run("missing process is an error when configured", func(t *testing.T) {
		c := NewController(nopLogger(), WithKernel(&fakeKernel{}), WithAffinityMissingOK(false))

		if got := c.SetAffinity(ctx, missingPID, []int{0}); got != StatusError {
			t.Errorf("SetAffinity(missing) = %d, want %d", got, StatusError)
		}
	})

	t.Run("kernel rejection returns error status", func(t *testing.T) {
		k := &fakeKernel{affinityErr: unix.EINVAL}
		c := NewController(nopLogger(), WithKernel(k))

		if got := c.SetAffinity(ctx, os.Getpid(), []int{0}); got != StatusError {
			t.Errorf("SetAffinity = %d, want %d", got, StatusError)
		}
	})

	t.Run("out of range cpu never reaches the kernel", func(t *testing.T) {
		k := &fakeKernel{}
		c := NewController(nopLogger(), WithKernel(k))

		for _, cpus := range [][]int{{-1}, {MaxCPUs}, {}} {
			if got := c.SetAffinity(ctx, os.Getpid(), cpus); got != StatusError {
				t.Errorf("SetAffinity(%v) = %d, want %d", cpus, got, StatusError)
			}
		}
		if len(k.calls) != 0 {
			t.Errorf("expected no kernel calls, got %v", k.calls)
		}
	})

	t.Run("mask is passed through", func(t *testing.T) {
		k := &fakeKernel{}
		c := NewController(nopLogger(), WithKernel(k))

		if got := c.SetAffinity(ctx, os.Getpid(), []int{3, 1}); got != StatusOK {
			t.Fatalf("SetAffinity = %d, want %d", got, StatusOK)
		}
		cpus, err := c.Affinity(os.Getpid())
		if err != nil {
			t.Fatalf("Affinity failed: %v", err)
		}
		if !slices.Equal(cpus, []int{1, 3}) {
			t.Errorf("Affinity = %v, want [1 3]", cpus)
		}
	})

	t.Run("live child reads back the requested mask", func(t *testing.T) {
		c := NewController(nopLogger())

		allowed, err := c.Affinity(os.Getpid())
		if err != nil || len(allowed) == 0 {
			t.Skipf("cannot read own affinity: %v", err)
		}
		want := allowed[:1]

		pid := startChild(t)
		if got := c.SetAffinity(ctx, pid, want); got != StatusOK {
			t.Fatalf("SetAffinity(child, %v) = %d, want %d", want, got, StatusOK)
		}

		got, err := c.Affinity(pid)
		if err != nil {
			t.Fatalf("Affinity(child) failed: %v", err)
		}
		if !slices.Equal(got, want) {
			t.Errorf("child affinity = %v, want %v", got, want)
		}
	})
}

func TestSetSchedulingPolicy(t *testing.T) {
	t.Run("invalid policy never reaches the kernel", func(t *testing.T) {
		k := &fakeKernel{}
		c := NewController(nopLogger(), WithKernel(k))

		for _, p := range []Policy{-1, 3, 5, 100} {
			if got := c.SetSchedulingPolicy(os.Getpid(), p, 0); got != StatusError {
				t.Errorf("SetSchedulingPolicy(%d) = %d, want %d", p, got, StatusError)
			}
		}
		if len(k.calls) != 0 {
			t.Errorf("expected no kernel calls, got %v", k.calls)
		}
	})

	t.Run("self or out of range arguments never reach the kernel", func(t *testing.T) {
		k := &fakeKernel{}
		c := NewController(nopLogger(), WithKernel(k))

		tests := []struct {
			name     string
			pid      int
			priority int
		}{
			{"pid zero", 0, 0},
			{"negative pid", -1, 0},
			{"pid overflow", math.MaxInt32 + 1, 0},
			{"priority overflow", 1234, math.MaxInt32 + 2},
			{"priority underflow", 1234, math.MinInt32 - 1},
		}
		for _, tt := range tests {
			if got := c.SetSchedulingPolicy(tt.pid, PolicyFIFO, tt.priority); got != StatusError {
				t.Errorf("%s: SetSchedulingPolicy = %d, want %d", tt.name, got, StatusError)
			}
		}
		if len(k.calls) != 0 {
			t.Errorf("expected no kernel calls, got %v", k.calls)
		}
	})

	t.Run("raw kernel result is returned unmodified", func(t *testing.T) {
		k := &fakeKernel{schedRet: -int(unix.EPERM)}
		c := NewController(nopLogger(), WithKernel(k))

		if got := c.SetSchedulingPolicy(1234, PolicyFIFO, 50); got != -int(unix.EPERM) {
			t.Errorf("SetSchedulingPolicy = %d, want %d", got, -int(unix.EPERM))
		}
		if k.lastPolicy != PolicyFIFO || k.lastPrio != 50 {
			t.Errorf("kernel saw policy=%v prio=%d", k.lastPolicy, k.lastPrio)
		}
	})

	t.Run("live child accepts SCHED_OTHER", func(t *testing.T) {
		pid := startChild(t)
		c := NewController(nopLogger())

		if got := c.SetSchedulingPolicy(pid, PolicyOther, 0); got != 0 {
			t.Errorf("SetSchedulingPolicy(OTHER) = %d, want 0", got)
		}
	})

	t.Run("live kernel rejects out of range realtime priority", func(t *testing.T) {
		pid := startChild(t)
		c := NewController(nopLogger())

		if got := c.SetSchedulingPolicy(pid, PolicyFIFO, 200); got != -int(unix.EINVAL) {
			t.Errorf("SetSchedulingPolicy(FIFO, 200) = %d, want %d", got, -int(unix.EINVAL))
		}
	})
}

func TestParsePolicy(t *testing.T) {
	for v, want := range map[int]Policy{0: PolicyOther, 1: PolicyFIFO, 2: PolicyRR} {
		got, err := ParsePolicy(v)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%d) = %v, %v; want %v", v, got, err, want)
		}
	}

	for _, v := range []int{-1, 3, 6} {
		if _, err := ParsePolicy(v); !errors.Is(err, ErrInvalidPolicy) {
			t.Errorf("ParsePolicy(%d) err = %v, want ErrInvalidPolicy", v, err)
		}
	}
}

func TestPolicyString(t *testing.T) {
	if PolicyRR.String() != "SCHED_RR" {
		t.Errorf("PolicyRR.String() = %q", PolicyRR.String())
	}
	if Policy(9).String() != "SCHED_UNKNOWN(9)" {
		t.Errorf("Policy(9).String() = %q", Policy(9).String())
	}
}
