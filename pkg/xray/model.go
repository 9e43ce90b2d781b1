// Package xray records decision traces: multi-step workflow executions and the
// individual decisions (steps) taken inside them, with their input, output,
// reasoning and free-form metadata.
package xray

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state shared by traces and steps.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the three known states.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q (want running, completed or failed)", raw)
	}
	return s, nil
}

// TimePrecision is the resolution of recorded timestamps. It is the finest
// resolution every storage backend keeps, so stored traces read back equal.
const TimePrecision = time.Microsecond

// Document is a schema-free JSON object used for input, output and metadata.
// Values read back from storage are decoded with UseNumber, so numbers are
// json.Number.
type Document map[string]any

// Trace is one recorded execution of a multi-step workflow.
type Trace struct {
	TraceID    string     `json:"trace_id"`
	Name       string     `json:"name"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	Status     Status     `json:"status"`
	Metadata   Document   `json:"metadata"`
	Steps      []Step     `json:"steps"`
}

// Step is one decision point inside a trace.
type Step struct {
	StepID     string     `json:"step_id"`
	TraceID    string     `json:"trace_id"`
	Name       string     `json:"name"`
	Order      int        `json:"step_order"`
	Input      Document   `json:"input"`
	Output     Document   `json:"output,omitempty"`
	Reasoning  *string    `json:"reasoning,omitempty"`
	Metadata   Document   `json:"metadata"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	Status     Status     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

// FilterResult is one named pass/fail check inside an evaluation.
type FilterResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// EncodeDocument serializes a document for storage. A nil document encodes as
// an empty object.
func EncodeDocument(d Document) (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(b), nil
}

// DecodeDocument parses stored text back into a document. Empty input yields
// an empty document.
func DecodeDocument(raw string) (Document, error) {
	if raw == "" || raw == "null" {
		return Document{}, nil
	}
	return decodeDocumentBytes([]byte(raw))
}

func decodeDocumentBytes(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var d Document
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if d == nil {
		d = Document{}
	}
	return d, nil
}

// Clone returns a deep copy of d by way of its JSON form.
func (d Document) Clone() (Document, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	return decodeDocumentBytes(b)
}

// Clone returns a deep copy of the step.
func (s Step) Clone() (Step, error) {
	out := s
	var err error
	if out.Input, err = s.Input.Clone(); err != nil {
		return Step{}, err
	}
	if out.Output, err = s.Output.Clone(); err != nil {
		return Step{}, err
	}
	if out.Metadata, err = s.Metadata.Clone(); err != nil {
		return Step{}, err
	}
	if out.Input == nil {
		out.Input = Document{}
	}
	if out.Metadata == nil {
		out.Metadata = Document{}
	}
	out.Reasoning = cloneString(s.Reasoning)
	out.Error = cloneString(s.Error)
	out.EndTime = cloneTime(s.EndTime)
	out.DurationMS = cloneInt64(s.DurationMS)
	return out, nil
}

// Clone returns a deep copy of the trace and its steps.
func (t Trace) Clone() (Trace, error) {
	out := t
	var err error
	if out.Metadata, err = t.Metadata.Clone(); err != nil {
		return Trace{}, err
	}
	if out.Metadata == nil {
		out.Metadata = Document{}
	}
	out.EndTime = cloneTime(t.EndTime)
	out.DurationMS = cloneInt64(t.DurationMS)
	out.Steps = make([]Step, 0, len(t.Steps))
	for _, s := range t.Steps {
		c, err := s.Clone()
		if err != nil {
			return Trace{}, err
		}
		out.Steps = append(out.Steps, c)
	}
	return out, nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
