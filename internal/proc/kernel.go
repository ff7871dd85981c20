package proc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel is the set of scheduling syscalls issued on behalf of clients.
type Kernel interface {
	Setpriority(pid, value int) error
	SchedSetaffinity(pid int, set *unix.CPUSet) error
	SchedGetaffinity(pid int, set *unix.CPUSet) error
	// SchedSetscheduler returns the raw syscall result: 0 or -errno.
	SchedSetscheduler(pid int, policy Policy, priority int) int
}

// SystemKernel issues the real syscalls.
type SystemKernel struct{}

type schedParam struct {
	priority int32
}

func (SystemKernel) Setpriority(pid, value int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, value)
}

func (SystemKernel) SchedSetaffinity(pid int, set *unix.CPUSet) error {
	return unix.SchedSetaffinity(pid, set)
}

func (SystemKernel) SchedGetaffinity(pid int, set *unix.CPUSet) error {
	return unix.SchedGetaffinity(pid, set)
}

func (SystemKernel) SchedSetscheduler(pid int, policy Policy, priority int) int {
	param := schedParam{priority: int32(priority)}
	r1, _, errno := unix.Syscall(
		unix.SYS_SCHED_SETSCHEDULER,
		uintptr(pid),
		uintptr(policy),
		uintptr(unsafe.Pointer(&param)),
	)
	if errno != 0 {
		return -int(errno)
	}
	return int(r1)
}
