package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ansible/ansible-runner/internal/artifact"
	"github.com/ansible/ansible-runner/internal/event"
	"github.com/ansible/ansible-runner/internal/runner"
	"github.com/ansible/ansible-runner/internal/status"
)

// Processor reassembles a worker's result stream into a local artifact
// directory, mirroring what a local run would have produced: events
// are persisted as they arrive, the stdout stream is rebuilt from
// their fragments, and the final status lands through the same state
// machine a local run uses.
type Processor struct {
	privateDataDir string
	ident          string
	r              io.Reader
	cbs            runner.Callbacks
	log            *zap.SugaredLogger
	machine        *status.Machine
}

// NewProcessor builds a processor writing under privateDataDir. ident
// may be empty, in which case the stream's own ident is adopted.
func NewProcessor(privateDataDir, ident string, r io.Reader, cbs runner.Callbacks, log *zap.SugaredLogger) *Processor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Processor{
		privateDataDir: privateDataDir,
		ident:          ident,
		r:              r,
		cbs:            cbs,
		log:            log,
		machine:        status.NewMachine(cbs.Status, log),
	}
}

// Run consumes the stream to its end and returns the job's terminal
// status and rc. A stream that breaks mid-flight finalizes as failed
// while keeping every event already persisted; partial results beat no
// results when a connection dies.
func (p *Processor) Run() (status.Status, int, error) {
	dec, err := NewDecoder(p.r)
	if err != nil {
		return status.Failed, 0, err
	}
	defer dec.Close()

	var writer *artifact.Writer
	ensureWriter := func() (*artifact.Writer, error) {
		if writer != nil {
			return writer, nil
		}
		if p.ident == "" {
			return nil, fmt.Errorf("stream: events arrived before an ident was known")
		}
		dir := filepath.Join(p.privateDataDir, "artifacts", p.ident)
		w, err := artifact.NewWriter(dir, p.log)
		if err != nil {
			return nil, err
		}
		writer = w
		return writer, nil
	}

	final := status.Status("")
	rc := 0
	sawEOF := false
	var streamErr error

loop:
	for {
		tag, payload, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				streamErr = fmt.Errorf("%w: result stream cut mid-frame", ErrTruncated)
			} else if err != io.EOF {
				streamErr = err
			}
			break
		}
		switch tag {
		case TagStatus:
			var msg StatusMsg
			if err := json.Unmarshal(payload, &msg); err != nil {
				streamErr = fmt.Errorf("stream: bad status frame: %w", err)
				break loop
			}
			if p.ident == "" {
				p.ident = msg.Ident
			}
			st := status.Status(msg.Status)
			if !st.Valid() {
				p.log.Warnw("ignoring unknown status", "status", msg.Status)
				continue
			}
			p.machine.Transition(st)
			if st.Terminal() {
				final, rc = st, msg.RC
			}
		case TagEvent:
			rec, err := event.Decode(payload)
			if err != nil {
				p.log.Warnw("skipping malformed event frame", "error", err)
				continue
			}
			keep := true
			if p.cbs.Event != nil {
				keep = p.cbs.Event(rec)
			}
			if !keep {
				continue
			}
			w, err := ensureWriter()
			if err != nil {
				streamErr = err
				break loop
			}
			if err := w.WriteEvent(rec); err != nil {
				p.log.Errorw("persisting streamed event", "counter", rec.Counter, "error", err)
			}
			if rec.Stdout != "" {
				io.WriteString(w.Stdout(), rec.Stdout)
			}
		case TagDir:
			w, err := ensureWriter()
			if err != nil {
				streamErr = err
				break loop
			}
			// Live events already persisted; the transferred artifact
			// dir only fills in what the stream did not carry.
			if err := recvDir(dec, w.Dir(), true); err != nil {
				streamErr = err
				break loop
			}
		case TagEOF:
			sawEOF = true
			break loop
		default:
			p.log.Warnw("ignoring unexpected frame", "tag", string(tag))
		}
	}

	if !sawEOF && streamErr == nil {
		streamErr = fmt.Errorf("%w: result stream ended early", ErrTruncated)
	}
	if streamErr != nil || final == "" {
		final = status.Failed
		if rc == 0 {
			rc = 1
		}
		p.machine.Transition(status.Failed)
		if streamErr == nil {
			streamErr = fmt.Errorf("%w: no terminal status received", ErrTruncated)
		}
	}

	if writer != nil {
		if err := writer.Finalize(final, rc); err != nil {
			p.log.Errorw("finalizing streamed artifacts", "error", err)
		}
	}
	if p.cbs.Finished != nil {
		p.cbs.Finished(final, rc)
	}
	return final, rc, streamErr
}

// Ident returns the run ident, which may have been adopted from the
// stream.
func (p *Processor) Ident() string { return p.ident }
