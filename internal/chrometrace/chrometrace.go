// Package chrometrace reads and writes Chrome's JSON tracing format, used
// to merge per-process profiling data collected during a container build
// into one timeline (spec's promoted action_wrapper profiling component).
package chrometrace

import (
	"encoding/json"
	"io"
)

// Phase is one of Chrome tracing's single-letter event phases; only the
// handful emitted by this codebase's producers are named.
type Phase string

const (
	PhaseBegin    Phase = "B"
	PhaseEnd      Phase = "E"
	PhaseMetadata Phase = "M"
)

// Event is one entry in a Chrome trace's "traceEvents" array. Timestamp is
// in microseconds, matching Chrome's convention.
type Event struct {
	Name      string          `json:"name"`
	Category  string          `json:"cat"`
	Phase     Phase           `json:"ph"`
	Timestamp float64         `json:"ts"`
	ProcessID int64           `json:"pid"`
	ThreadID  int64           `json:"tid"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Trace is the top-level document Chrome's trace viewer consumes.
type Trace struct {
	Events []Event `json:"traceEvents"`
}

// New returns an empty Trace.
func New() *Trace {
	return &Trace{}
}

// Load decodes a Trace from r.
func Load(r io.Reader) (*Trace, error) {
	var t Trace
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Save encodes t to w.
func (t *Trace) Save(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// argsObject decodes an event's Args as a generic map, returning nil for
// events that carry no args or non-object args.
func argsObject(e Event) map[string]interface{} {
	if len(e.Args) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(e.Args, &m); err != nil {
		return nil
	}
	return m
}

// ClockSyncSystemTime returns the "system_time" arg (microseconds since the
// Unix epoch) of a clock_sync metadata event, and whether one was present.
func ClockSyncSystemTime(e Event) (float64, bool) {
	if e.Phase != PhaseMetadata || e.Name != "clock_sync" {
		return 0, false
	}
	obj := argsObject(e)
	if obj == nil {
		return 0, false
	}
	v, ok := obj["system_time"].(float64)
	return v, ok
}

// MustArgs marshals v (expected to be a JSON-object-shaped value, e.g. a
// map[string]interface{}) into an Event's Args field, panicking only on
// values that cannot be marshaled at all -- a programmer error.
func MustArgs(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
