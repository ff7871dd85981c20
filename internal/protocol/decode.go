package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/doughall/procmgr/internal/proc"
)

// Decode errors. Every error returned by Decode wraps one of these.
var (
	ErrTooLarge       = errors.New("request too large")
	ErrMalformed      = errors.New("malformed request")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMissingField   = errors.New("missing field")
	ErrInvalidField   = errors.New("invalid field")
)

// errSyntax marks ErrMalformed errors raised by the YAML parser, which is
// what a request cut off mid-document produces.
var errSyntax = errors.New("yaml syntax")

// document is the superset of fields any request may carry. Pointers
// distinguish "absent" from zero values.
type document struct {
	Name     *string  `yaml:"name"`
	PID      *int     `yaml:"pid"`
	Nice     *int     `yaml:"nice"`
	CPUs     *[]int   `yaml:"cpus"`
	Policy   *int     `yaml:"policy"`
	Priority *int     `yaml:"priority"`
	Sec      *float64 `yaml:"sec"`
}

// Decode parses one request document into a Command. It performs no I/O and
// touches no process state.
func Decode(data []byte) (Command, error) {
	return DecodeLimit(data, DefaultMaxRequestBytes)
}

// DecodeLimit is Decode with a caller-chosen size limit.
func DecodeLimit(data []byte, limit int) (Command, error) {
	if len(data) > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return decode(data)
}

func decode(data []byte) (Command, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrMalformed)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %w: %v", ErrMalformed, errSyntax, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: request must be a mapping", ErrMalformed)
	}

	var doc document
	if err := root.Content[0].Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	if doc.Name == nil {
		return nil, fmt.Errorf("%w: name", ErrMissingField)
	}

	switch *doc.Name {
	case NameNice:
		pid, err := require("pid", doc.PID)
		if err != nil {
			return nil, err
		}
		nice, err := require("nice", doc.Nice)
		if err != nil {
			return nil, err
		}
		return SetNice{PID: pid, Value: nice}, nil

	case NameCPUAffinity:
		pid, err := require("pid", doc.PID)
		if err != nil {
			return nil, err
		}
		cpus, err := require("cpus", doc.CPUs)
		if err != nil {
			return nil, err
		}
		if len(cpus) == 0 {
			return nil, fmt.Errorf("%w: cpus must not be empty", ErrInvalidField)
		}
		for _, cpu := range cpus {
			if cpu < 0 {
				return nil, fmt.Errorf("%w: cpu index %d", ErrInvalidField, cpu)
			}
		}
		return SetAffinity{PID: pid, CPUs: cpus}, nil

	case NameSchedulingPolicy:
		pid, err := require("pid", doc.PID)
		if err != nil {
			return nil, err
		}
		if pid <= 0 || pid > math.MaxInt32 {
			return nil, fmt.Errorf("%w: pid %d", ErrInvalidField, pid)
		}
		raw, err := require("policy", doc.Policy)
		if err != nil {
			return nil, err
		}
		policy, err := proc.ParsePolicy(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidField, err)
		}
		priority, err := require("priority", doc.Priority)
		if err != nil {
			return nil, err
		}
		if priority < math.MinInt32 || priority > math.MaxInt32 {
			return nil, fmt.Errorf("%w: priority %d", ErrInvalidField, priority)
		}
		return SetSchedulingPolicy{PID: pid, Policy: policy, Priority: priority}, nil

	case NameFtrace:
		sec, err := require("sec", doc.Sec)
		if err != nil {
			return nil, err
		}
		if sec < 0 || math.IsNaN(sec) || math.IsInf(sec, 0) || sec > math.MaxInt64/float64(time.Second) {
			return nil, fmt.Errorf("%w: sec %v", ErrInvalidField, sec)
		}
		return Ftrace{Duration: time.Duration(sec * float64(time.Second))}, nil

	case NameShutdown:
		return Shutdown{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, *doc.Name)
	}
}

// Framed reports whether data could hold a whole request: it has content
// and ends with a newline or a closing brace.
func Framed(data []byte) bool {
	if len(bytes.TrimSpace(data)) == 0 {
		return false
	}
	if data[len(data)-1] == '\n' {
		return true
	}
	trimmed := bytes.TrimRight(data, " \t\r")
	return len(trimmed) > 0 && trimmed[len(trimmed)-1] == '}'
}

// Incomplete reports whether err from Decode may go away once more of the
// request arrives.
func Incomplete(err error) bool {
	return errors.Is(err, errSyntax) || errors.Is(err, ErrMissingField)
}

func require[T any](field string, v *T) (T, error) {
	if v == nil {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	return *v, nil
}
