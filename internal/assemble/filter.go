// Package assemble merges the child's interleaved raw output and
// structured event sidecar data into one strictly ordered sequence of
// event records.
//
// The child embeds each structured event in its output stream as a
// base64 payload bracketed by \x1b[K markers (with \x1b[<n>D cursor
// moves interleaved to keep terminals quiet). The filter extracts those
// payloads, associates each with the span of raw output observed since
// the previous one, and synthesizes "verbose" records for plain output
// that has no structured counterpart, so that concatenating every
// record's stdout fragment in counter order losslessly reconstructs the
// raw stream.
package assemble

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/ansible/ansible-runner/internal/event"
)

// eventDataRE matches one embedded sidecar payload.
var eventDataRE = regexp.MustCompile(`\x1b\[K((?:[A-Za-z0-9+/=]+\x1b\[\d+D)+)\x1b\[K`)

// cursorMoveRE strips the cursor-move sequences mixed into the base64.
var cursorMoveRE = regexp.MustCompile(`\x1b\[\d+D`)

// marker is the payload bracket; its presence in recent output is the
// cheap signal that a full regexp search is worth running.
var marker = []byte("\x1b[K")

// payload is the structured event object the child emits. Apart from
// the fields consumed here its schema is the child's business.
type payload struct {
	UUID       string         `json:"uuid"`
	ParentUUID string         `json:"parent_uuid"`
	Event      string         `json:"event"`
	EventData  map[string]any `json:"event_data"`
	PID        int            `json:"pid"`
	Created    string         `json:"created"`
}

// Emit receives each assembled record in counter order.
type Emit func(event.Record)

// Filter is an io.Writer fed with the child's combined output. It is
// not safe for concurrent writers; the supervisor's read loop is the
// single producer.
type Filter struct {
	emit      Emit
	out       io.Writer // cleaned stdout sink, may be nil
	log       *zap.SugaredLogger
	buf       bytes.Buffer
	tail      []byte
	counter   int
	startLine int
	pending   *payload
	pid       int
	closed    bool
}

// NewFilter builds a filter emitting records to emit and writing the
// event-marker-free output stream to out.
func NewFilter(emit Emit, out io.Writer, log *zap.SugaredLogger) *Filter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Filter{emit: emit, out: out, log: log}
}

// SetPID records the child pid stamped onto synthesized records.
func (f *Filter) SetPID(pid int) { f.pid = pid }

// Write consumes a chunk of raw child output.
func (f *Filter) Write(p []byte) (int, error) {
	f.buf.Write(p)

	// Only run the regexp when a marker just completed. Markers can
	// straddle write boundaries, so the check runs over the last
	// len(marker)-1 bytes of the prior stream plus this chunk.
	window := append(append([]byte{}, f.tail...), p...)
	shouldSearch := bytes.Contains(window, marker)
	if n := len(window) - (len(marker) - 1); n > 0 {
		window = window[n:]
	}
	f.tail = append([]byte{}, window...)

	if shouldSearch {
		for {
			value := f.buf.Bytes()
			loc := eventDataRE.FindSubmatchIndex(value)
			if loc == nil {
				break
			}
			pl := f.decodePayload(value[loc[2]:loc[3]])
			f.emitSpan(string(value[:loc[0]]), pl)

			remainder := append([]byte{}, value[loc[1]:]...)
			f.buf.Reset()
			f.buf.Write(remainder)
		}
		return len(p), nil
	}

	// Plain output outside any event context: emit complete lines as
	// verbose filler, keep the trailing partial buffered.
	if f.pending == nil && bytes.IndexByte(p, '\n') >= 0 {
		data := f.buf.Bytes()
		cut := bytes.LastIndexByte(data, '\n') + 1
		complete := append([]byte{}, data[:cut]...)
		remainder := append([]byte{}, data[cut:]...)
		f.buf.Reset()
		f.buf.Write(remainder)
		f.emitSpan(string(complete), nil)
	}
	return len(p), nil
}

// Close flushes the buffered partial line and any undelivered
// structured event, then emits the stream-complete record. The EOF
// record carries no uuid and is never persisted; it only marks the
// stream as drained.
func (f *Filter) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.buf.Len() > 0 {
		value := f.buf.String()
		f.buf.Reset()
		f.emitSpan(value, nil)
	} else if f.pending != nil {
		f.emitSpan("", nil)
	}
	f.counter++
	f.emit(event.Record{
		Event:   event.KindEOF,
		Counter: f.counter,
		Created: time.Now().UTC(),
		PID:     f.pid,
	})
	return nil
}

// decodePayload unwraps one matched sidecar payload. Corrupt payloads
// are recoverable: log and continue, the surrounding output becomes
// verbose filler and later events are unaffected.
func (f *Filter) decodePayload(b64 []byte) *payload {
	raw, err := base64.StdEncoding.DecodeString(string(cursorMoveRE.ReplaceAll(b64, nil)))
	if err != nil {
		f.log.Warnw("skipping undecodable event payload", "error", err)
		return nil
	}
	var pl payload
	if err := json.Unmarshal(raw, &pl); err != nil {
		f.log.Warnw("skipping malformed event payload", "error", err)
		return nil
	}
	if pl.UUID == "" {
		f.log.Warnw("skipping event payload without uuid", "event", pl.Event)
		return nil
	}
	return &pl
}

// emitSpan turns the buffered output span into records. When an event
// payload is pending, the whole span is that event's stdout fragment;
// otherwise each complete line becomes its own verbose record. The
// next payload (if any) then becomes pending, waiting for its span.
func (f *Filter) emitSpan(span string, next *payload) {
	var records []event.Record

	switch {
	case f.pending != nil:
		records = append(records, f.recordFromPayload(f.pending, span))
		f.pending = nil
	case span != "":
		for _, line := range splitAfterNewline(span) {
			rec := event.NewVerbose(line)
			rec.PID = f.pid
			records = append(records, rec)
		}
	}

	for _, rec := range records {
		f.counter++
		rec.Counter = f.counter
		n := bytes.Count([]byte(rec.Stdout), []byte{'\n'})
		rec.StartLine = f.startLine
		rec.EndLine = f.startLine + n
		f.startLine += n
		if f.out != nil && rec.Stdout != "" {
			_, _ = io.WriteString(f.out, rec.Stdout)
		}
		f.emit(rec)
	}

	f.pending = next
}

// recordFromPayload builds the record for a structured event, stamping
// the output span it covers.
func (f *Filter) recordFromPayload(pl *payload, span string) event.Record {
	rec := event.Record{
		UUID:       pl.UUID,
		ParentUUID: pl.ParentUUID,
		Event:      event.Kind(pl.Event),
		EventData:  pl.EventData,
		Stdout:     span,
		Created:    time.Now().UTC(),
		PID:        pl.PID,
	}
	if rec.PID == 0 {
		rec.PID = f.pid
	}
	if pl.Created != "" {
		if t, err := time.Parse("2006-01-02T15:04:05.000000", pl.Created); err == nil {
			rec.Created = t.UTC()
		}
	}
	return rec
}

// splitAfterNewline splits keeping line terminators, like the spans the
// stdout-completeness property requires.
func splitAfterNewline(s string) []string {
	var out []string
	for len(s) > 0 {
		i := bytes.IndexByte([]byte(s), '\n')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}
