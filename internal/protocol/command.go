// Package protocol defines the procmgrd wire protocol.
//
// One connection carries exactly one request and one response:
//
//   - The request is a single YAML document (JSON is accepted, being a YAML
//     subset) of at most DefaultMaxRequestBytes. The daemon acts as soon as
//     the bytes received end a line or a flow mapping and decode; the client
//     closing its write side also ends the request. A required "name" field
//     selects the command.
//   - The response is either the decimal ASCII text of an integer status,
//     unframed, or for ftrace a versioned JSON trace report. The daemon closes
//     the connection after writing it.
//
// Decode maps a request onto the closed Command set; it is the only place an
// unknown command name can fail.
package protocol

import (
	"time"

	"github.com/doughall/procmgr/internal/proc"
)

// DefaultMaxRequestBytes is the largest request document accepted.
const DefaultMaxRequestBytes = 4096

// Command names as they appear in the request "name" field.
const (
	NameNice             = "nice"
	NameCPUAffinity      = "cpu_affinity"
	NameSchedulingPolicy = "scheduling_policy"
	NameFtrace           = "ftrace"
	NameShutdown         = "shutdown"
)

// Command is one decoded request. The set of implementations is closed.
type Command interface {
	// Name returns the wire name of the command.
	Name() string
	isCommand()
}

// SetNice changes the niceness of a process.
type SetNice struct {
	PID   int
	Value int
}

// SetAffinity restricts a process to a set of CPUs.
type SetAffinity struct {
	PID  int
	CPUs []int
}

// SetSchedulingPolicy changes the scheduling class and static priority of a process.
type SetSchedulingPolicy struct {
	PID      int
	Policy   proc.Policy
	Priority int
}

// Ftrace requests a sched_switch capture.
type Ftrace struct {
	Duration time.Duration
}

// Shutdown stops the daemon after acknowledging.
type Shutdown struct{}

func (SetNice) Name() string             { return NameNice }
func (SetAffinity) Name() string         { return NameCPUAffinity }
func (SetSchedulingPolicy) Name() string { return NameSchedulingPolicy }
func (Ftrace) Name() string              { return NameFtrace }
func (Shutdown) Name() string            { return NameShutdown }

func (SetNice) isCommand()             {}
func (SetAffinity) isCommand()         {}
func (SetSchedulingPolicy) isCommand() {}
func (Ftrace) isCommand()              {}
func (Shutdown) isCommand()            {}
