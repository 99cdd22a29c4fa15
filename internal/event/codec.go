package event

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// MalformedEventError reports a record that could not be decoded, naming
// the byte offset of the failure. Consumers treat it as recoverable:
// partial writes happen when a producer crashes mid-stream, and one bad
// record must not poison the surrounding valid ones.
type MalformedEventError struct {
	Offset int64
	Err    error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event at byte %d: %v", e.Offset, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// wireRecord is the JSON shape of a Record. Stdout that is not valid
// UTF-8 cannot survive encoding/json (invalid sequences are replaced
// with U+FFFD), so such fragments travel base64-encoded in StdoutRaw
// instead, keeping the byte stream lossless.
type wireRecord struct {
	UUID       string         `json:"uuid"`
	Counter    int            `json:"counter"`
	ParentUUID string         `json:"parent_uuid,omitempty"`
	Event      Kind           `json:"event"`
	EventData  map[string]any `json:"event_data,omitempty"`
	Stdout     string         `json:"stdout"`
	StdoutRaw  string         `json:"stdout_raw,omitempty"`
	StartLine  int            `json:"start_line"`
	EndLine    int            `json:"end_line"`
	Created    string         `json:"created"`
	PID        int            `json:"pid,omitempty"`
}

// createdFormat matches the original artifact timestamps (UTC, no zone
// suffix, microsecond precision).
const createdFormat = "2006-01-02T15:04:05.000000"

// Encode serializes a record to its durable JSON form. Round-trip
// stable: Decode(Encode(r)) reproduces every field, including empty
// optional ones and binary-unsafe stdout fragments.
func Encode(r Record) ([]byte, error) {
	w := wireRecord{
		UUID:       r.UUID,
		Counter:    r.Counter,
		ParentUUID: r.ParentUUID,
		Event:      r.Event,
		EventData:  r.EventData,
		StartLine:  r.StartLine,
		EndLine:    r.EndLine,
		Created:    r.Created.UTC().Format(createdFormat),
		PID:        r.PID,
	}
	if utf8.ValidString(r.Stdout) {
		w.Stdout = r.Stdout
	} else {
		w.StdoutRaw = base64.StdEncoding.EncodeToString([]byte(r.Stdout))
	}
	return json.Marshal(w)
}

// Decode parses a durable record. Malformed or truncated input yields a
// *MalformedEventError carrying the offending byte offset.
func Decode(data []byte) (Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, &MalformedEventError{Offset: jsonErrorOffset(err, data), Err: err}
	}
	r := Record{
		UUID:       w.UUID,
		Counter:    w.Counter,
		ParentUUID: w.ParentUUID,
		Event:      w.Event,
		EventData:  w.EventData,
		Stdout:     w.Stdout,
		StartLine:  w.StartLine,
		EndLine:    w.EndLine,
		PID:        w.PID,
	}
	if w.StdoutRaw != "" {
		raw, err := base64.StdEncoding.DecodeString(w.StdoutRaw)
		if err != nil {
			return Record{}, &MalformedEventError{Offset: 0, Err: fmt.Errorf("stdout_raw: %w", err)}
		}
		r.Stdout = string(raw)
	}
	if w.Created != "" {
		t, err := parseCreated(w.Created)
		if err != nil {
			return Record{}, &MalformedEventError{Offset: 0, Err: fmt.Errorf("created: %w", err)}
		}
		r.Created = t
	}
	return r, nil
}

// parseCreated accepts the native artifact format plus RFC3339, which
// other producers emit.
func parseCreated(s string) (t time.Time, err error) {
	for _, layout := range []string{createdFormat, "2006-01-02T15:04:05", time.RFC3339Nano} {
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return t, err
}

// jsonErrorOffset extracts a byte offset from encoding/json errors,
// falling back to the end of input for truncated data.
func jsonErrorOffset(err error, data []byte) int64 {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return syn.Offset
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		return typ.Offset
	}
	return int64(len(data))
}
