package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ansible/ansible-runner/internal/config"
	"github.com/ansible/ansible-runner/internal/event"
	"github.com/ansible/ansible-runner/internal/runner"
	"github.com/ansible/ansible-runner/internal/status"
)

// Worker consumes a transmit stream, executes the job in an ephemeral
// private data dir, and streams status, events, and the final artifact
// directory back. The ephemeral dir is removed when Run returns, so a
// worker host retains nothing.
type Worker struct {
	r   io.Reader
	w   io.Writer
	log *zap.SugaredLogger

	// KeepaliveSeconds overrides the transmitted value when positive.
	KeepaliveSeconds int

	// PrivateDataDir switches the worker to a persistent directory
	// instead of an ephemeral one. Cleanup is then the caller's job
	// unless Delete is set.
	PrivateDataDir string

	// Delete empties a persistent PrivateDataDir before the transmit
	// stream is unpacked and removes it again after the run.
	Delete bool
}

func NewWorker(r io.Reader, w io.Writer, log *zap.SugaredLogger) *Worker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Worker{r: r, w: w, log: log}
}

// Run executes one job from the incoming stream. Stream-level failures
// (truncated transmit, malformed header) are reported back as a failed
// status before the error returns, so the processor side is never left
// guessing.
func (wk *Worker) Run() error {
	dec, err := NewDecoder(wk.r)
	if err != nil {
		return err
	}
	defer dec.Close()
	enc, err := NewEncoder(wk.w)
	if err != nil {
		return err
	}
	defer enc.Close()

	dir := wk.PrivateDataDir
	if dir == "" {
		dir, err = os.MkdirTemp("", ".ansible-runner-worker-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
	} else {
		if wk.Delete {
			if err := os.RemoveAll(dir); err != nil {
				return err
			}
			defer os.RemoveAll(dir)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	hdr, err := wk.receive(dec, dir)
	if err != nil {
		ident := ""
		if hdr != nil {
			ident = hdr.Ident
		}
		wk.sendStatus(enc, nil, ident, status.Failed, 1)
		enc.Encode(TagEOF, nil)
		return err
	}

	cfg := &config.JobConfig{
		PrivateDataDir:   dir,
		Ident:            hdr.Ident,
		Command:          hdr.Command,
		Env:              hdr.Env,
		IdleTimeout:      time.Duration(hdr.IdleTimeoutSecs) * time.Second,
		JobTimeout:       time.Duration(hdr.JobTimeoutSecs) * time.Second,
		KeepaliveSeconds: hdr.KeepaliveSecs,
		SuppressOutput:   hdr.SuppressOutput,
		RotateArtifacts:  hdr.RotateArtifacts,
	}
	if wk.KeepaliveSeconds > 0 {
		cfg.KeepaliveSeconds = wk.KeepaliveSeconds
	}

	var mu sync.Mutex
	cbs := runner.Callbacks{
		Event: func(rec event.Record) bool {
			data, err := event.Encode(rec)
			if err != nil {
				wk.log.Warnw("encoding event for stream", "counter", rec.Counter, "error", err)
				return true
			}
			mu.Lock()
			defer mu.Unlock()
			if err := enc.Encode(TagEvent, data); err != nil {
				wk.log.Warnw("forwarding event", "error", err)
			}
			return true
		},
		Status: func(st status.Status) {
			// Terminal statuses travel once, with the rc, after Run.
			if st.Terminal() {
				return
			}
			wk.sendStatus(enc, &mu, hdr.Ident, st, 0)
		},
	}

	st, rc, runErr := runner.New(cfg, cbs, wk.log).Run()
	wk.sendStatus(enc, &mu, hdr.Ident, st, rc)

	// A job that failed setup has no artifact dir to send.
	if info, err := os.Stat(cfg.ArtifactDir()); err == nil && info.IsDir() {
		if err := sendDir(enc, "artifacts", cfg.ArtifactDir(), nil); err != nil {
			return err
		}
	}
	if err := enc.Encode(TagEOF, nil); err != nil {
		return err
	}
	return runErr
}

// receive drains the transmit stream into dir and returns the job
// header. A stream without a TagEOF frame is truncated and the job
// must not run: a partial private data dir is not a smaller job, it is
// a different one.
func (wk *Worker) receive(dec *Decoder, dir string) (*JobHeader, error) {
	var hdr *JobHeader
	for {
		tag, payload, err := dec.Next()
		if err != nil {
			return hdr, fmt.Errorf("%w: transmit stream ended early", ErrTruncated)
		}
		switch tag {
		case TagJob:
			var h JobHeader
			if err := json.Unmarshal(payload, &h); err != nil {
				return hdr, fmt.Errorf("stream: bad job header: %w", err)
			}
			hdr = &h
		case TagDir:
			if err := recvDir(dec, dir, false); err != nil {
				return hdr, err
			}
		case TagEOF:
			if hdr == nil {
				return nil, errors.New("stream: transmit stream carried no job header")
			}
			if len(hdr.Command) == 0 {
				return hdr, errors.New("stream: job header has no command")
			}
			return hdr, nil
		default:
			return hdr, fmt.Errorf("stream: unexpected %c frame in transmit stream", tag)
		}
	}
}

func (wk *Worker) sendStatus(enc *Encoder, mu *sync.Mutex, ident string, st status.Status, rc int) {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	msg := StatusMsg{Ident: ident, Status: string(st), RC: rc}
	if err := enc.EncodeJSON(TagStatus, msg); err != nil {
		wk.log.Warnw("sending status", "status", st, "error", err)
	}
}
