package ftrace

import (
	"regexp"
	"sort"
	"strconv"
)

// Event is one context switch observed during a capture.
type Event struct {
	CPU int `json:"-"`
	PID int `json:"pid"`
	// Offset is seconds since the first event of the capture.
	Offset float64 `json:"offset"`
}

// Report maps a CPU index to the context switches observed on it, in
// chronological order.
type Report map[int][]Event

// Add appends ev to its CPU's sequence.
func (r Report) Add(ev Event) {
	r[ev.CPU] = append(r[ev.CPU], ev)
}

// Len returns the total number of events across all CPUs.
func (r Report) Len() int {
	n := 0
	for _, events := range r {
		n += len(events)
	}
	return n
}

// sortByOffset stably orders every CPU's events by offset.
func (r Report) sortByOffset() {
	for _, events := range r {
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Offset < events[j].Offset
		})
	}
}

// switchLine matches the text form of a sched_switch record:
//
//	bash-1234  [001] d..2  5123.456789: sched_switch: prev_comm=bash ... ==> next_comm=sleep next_pid=4321 next_prio=120
var switchLine = regexp.MustCompile(`^.* \[(\d+)\].* (\d+\.\d+): .*==> next_comm=.* next_pid=(\d+) next.*$`)

// sample is a parsed line before it is placed relative to the capture start.
type sample struct {
	cpu       int
	pid       int
	timestamp float64
}

// parseLine extracts the CPU, absolute timestamp and incoming pid from a
// sched_switch line. ok is false for any other line.
func parseLine(line string) (s sample, ok bool) {
	m := switchLine.FindStringSubmatch(line)
	if m == nil {
		return sample{}, false
	}

	cpu, err := strconv.Atoi(m[1])
	if err != nil {
		return sample{}, false
	}
	ts, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return sample{}, false
	}
	pid, err := strconv.Atoi(m[3])
	if err != nil {
		return sample{}, false
	}

	return sample{cpu: cpu, pid: pid, timestamp: ts}, true
}
