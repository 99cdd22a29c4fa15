// Package event defines the runner's event record: one ordered, durable
// unit of observed execution activity, plus its on-disk/wire JSON codec.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a record describes. The set is closed over the
// event types the child program is known to emit; anything else is kept
// verbatim and reported as unknown rather than rejected, so new child
// versions do not break assembly.
type Kind string

const (
	KindPlaybookStart Kind = "playbook_on_start"
	KindPlayStart     Kind = "playbook_on_play_start"
	KindTaskStart     Kind = "playbook_on_task_start"
	KindRunnerOK      Kind = "runner_on_ok"
	KindRunnerFailed  Kind = "runner_on_failed"
	KindRunnerSkipped Kind = "runner_on_skipped"
	KindUnreachable   Kind = "runner_on_unreachable"
	KindStats         Kind = "playbook_on_stats"
	KindVerbose       Kind = "verbose"
	KindKeepalive     Kind = "keepalive"
	KindEOF           Kind = "EOF"
)

var knownKinds = map[Kind]bool{
	KindPlaybookStart: true,
	KindPlayStart:     true,
	KindTaskStart:     true,
	KindRunnerOK:      true,
	KindRunnerFailed:  true,
	KindRunnerSkipped: true,
	KindUnreachable:   true,
	KindStats:         true,
	KindVerbose:       true,
	KindKeepalive:     true,
	KindEOF:           true,
}

// Known reports whether the kind is part of the closed variant set.
func (k Kind) Known() bool { return knownKinds[k] }

// HostResult reports whether the kind is a per-host task outcome.
func (k Kind) HostResult() bool {
	switch k {
	case KindRunnerOK, KindRunnerFailed, KindRunnerSkipped, KindUnreachable:
		return true
	}
	return false
}

// Record is one observed occurrence during a run.
//
// Counter is assigned at assembly time and defines the total order of a
// run's events; uuids may repeat (some parallel execution strategies
// re-emit them) so ordering is always by counter, never by uuid.
// ParentUUID is a weak back-reference; it may name an event that arrives
// later in the stream, and resolution is a lookup at read time.
type Record struct {
	UUID       string         `json:"uuid"`
	Counter    int            `json:"counter"`
	ParentUUID string         `json:"parent_uuid,omitempty"`
	Event      Kind           `json:"event"`
	EventData  map[string]any `json:"event_data,omitempty"`
	Stdout     string         `json:"stdout"`
	StartLine  int            `json:"start_line"`
	EndLine    int            `json:"end_line"`
	Created    time.Time      `json:"created"`
	PID        int            `json:"pid,omitempty"`
}

// NewVerbose builds a synthetic filler record covering plain output that
// has no structured counterpart. The uuid is freshly generated.
func NewVerbose(stdout string) Record {
	return Record{
		UUID:    uuid.NewString(),
		Event:   KindVerbose,
		Stdout:  stdout,
		Created: time.Now().UTC(),
	}
}

// Host returns the host name for per-host result events, or "".
func (r Record) Host() string {
	if h, ok := r.EventData["host"].(string); ok {
		return h
	}
	return ""
}

// Stats holds the final per-host tallies from a completed run.
type Stats struct {
	OK        map[string]int `json:"ok"`
	Failures  map[string]int `json:"failures"`
	Dark      map[string]int `json:"dark"`
	Skipped   map[string]int `json:"skipped"`
	Processed map[string]int `json:"processed"`
}

// ExtractStats pulls the stats tallies out of a playbook_on_stats record.
// Returns nil when the record is not a stats event.
func ExtractStats(r Record) *Stats {
	if r.Event != KindStats {
		return nil
	}
	s := &Stats{
		OK:        intMap(r.EventData["ok"]),
		Failures:  intMap(r.EventData["failures"]),
		Dark:      intMap(r.EventData["dark"]),
		Skipped:   intMap(r.EventData["skipped"]),
		Processed: intMap(r.EventData["processed"]),
	}
	return s
}

// intMap coerces a decoded JSON object of numeric tallies. JSON numbers
// decode as float64; anything non-numeric is dropped.
func intMap(v any) map[string]int {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]int{}
	}
	out := make(map[string]int, len(m))
	for k, raw := range m {
		switch n := raw.(type) {
		case float64:
			out[k] = int(n)
		case int:
			out[k] = n
		}
	}
	return out
}
