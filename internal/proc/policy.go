package proc

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Policy is a kernel scheduling class accepted by procmgrd.
type Policy int

// Supported scheduling classes. Values match the kernel's SCHED_* constants.
const (
	PolicyOther Policy = unix.SCHED_NORMAL
	PolicyFIFO  Policy = unix.SCHED_FIFO
	PolicyRR    Policy = unix.SCHED_RR
)

// ErrInvalidPolicy is returned for scheduling classes outside {OTHER, FIFO, RR}.
var ErrInvalidPolicy = errors.New("invalid scheduling policy")

// ParsePolicy converts a wire value into a Policy.
func ParsePolicy(v int) (Policy, error) {
	p := Policy(v)
	if !p.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPolicy, v)
	}
	return p, nil
}

// Valid reports whether p is one of the supported classes.
func (p Policy) Valid() bool {
	switch p {
	case PolicyOther, PolicyFIFO, PolicyRR:
		return true
	default:
		return false
	}
}

func (p Policy) String() string {
	switch p {
	case PolicyOther:
		return "SCHED_OTHER"
	case PolicyFIFO:
		return "SCHED_FIFO"
	case PolicyRR:
		return "SCHED_RR"
	default:
		return fmt.Sprintf("SCHED_UNKNOWN(%d)", int(p))
	}
}
