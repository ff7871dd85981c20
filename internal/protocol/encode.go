package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/doughall/procmgr/internal/ftrace"
)

// ReportVersion is the schema version of encoded trace reports.
const ReportVersion = 1

// Result is the outcome of one command. The set of implementations is closed.
type Result interface {
	isResult()
}

// Status is a plain integer outcome.
type Status int

// TraceReport is the outcome of an ftrace command.
type TraceReport struct {
	Report ftrace.Report
}

func (Status) isResult()      {}
func (TraceReport) isResult() {}

// reportEnvelope is the versioned wire form of a trace report. CPU indices
// become JSON object keys.
type reportEnvelope struct {
	Version int                    `json:"version"`
	CPUs    map[int][]ftrace.Event `json:"cpus"`
}

// WriteResult encodes r onto w.
func WriteResult(w io.Writer, r Result) error {
	switch r := r.(type) {
	case Status:
		return WriteStatus(w, int(r))
	case TraceReport:
		return WriteTraceReport(w, r.Report)
	default:
		return fmt.Errorf("unsupported result type %T", r)
	}
}

// WriteStatus writes code as decimal ASCII with no framing.
func WriteStatus(w io.Writer, code int) error {
	return writeFull(w, []byte(strconv.Itoa(code)))
}

// WriteTraceReport writes report as a versioned JSON document followed by a
// newline. The payload is fully encoded before the first byte is sent.
func WriteTraceReport(w io.Writer, report ftrace.Report) error {
	env := reportEnvelope{Version: ReportVersion, CPUs: report}
	if env.CPUs == nil {
		env.CPUs = ftrace.Report{}
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(&env); err != nil {
		return fmt.Errorf("encode trace report: %w", err)
	}
	return writeFull(w, buf.Bytes())
}

// writeFull loops until data is written or w fails.
func writeFull(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("write response: %w", io.ErrShortWrite)
		}
		data = data[n:]
	}
	return nil
}

// DecodeTraceReport parses a payload written by WriteTraceReport. Event CPU
// fields are filled from the enclosing key.
func DecodeTraceReport(data []byte) (ftrace.Report, error) {
	var env reportEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode trace report: %w", err)
	}
	if env.Version != ReportVersion {
		return nil, fmt.Errorf("unsupported trace report version %d", env.Version)
	}

	report := make(ftrace.Report, len(env.CPUs))
	for cpu, events := range env.CPUs {
		for i := range events {
			events[i].CPU = cpu
		}
		report[cpu] = events
	}
	return report, nil
}
