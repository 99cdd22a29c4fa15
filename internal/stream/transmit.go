package stream

import (
	"errors"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ansible/ansible-runner/internal/config"
)

// Transmitter serializes a job and its private data dir onto a byte
// stream for a remote worker. It never resolves the command binary:
// that happens on the worker, which is where the binary must exist.
type Transmitter struct {
	cfg *config.JobConfig
	w   io.Writer
	log *zap.SugaredLogger
}

func NewTransmitter(cfg *config.JobConfig, w io.Writer, log *zap.SugaredLogger) *Transmitter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Transmitter{cfg: cfg, w: w, log: log}
}

// Run writes the complete job stream: header, private data dir,
// end-of-stream frame.
func (t *Transmitter) Run() error {
	if len(t.cfg.Command) == 0 {
		return errors.New("stream: transmit requires a command")
	}
	if t.cfg.Ident == "" {
		t.cfg.Ident = uuid.NewString()
	}

	enc, err := NewEncoder(t.w)
	if err != nil {
		return err
	}
	defer enc.Close()

	hdr := JobHeader{
		Ident:           t.cfg.Ident,
		Command:         t.cfg.Command,
		Env:             t.cfg.Env,
		IdleTimeoutSecs: int(t.cfg.IdleTimeout.Seconds()),
		JobTimeoutSecs:  int(t.cfg.JobTimeout.Seconds()),
		KeepaliveSecs:   t.cfg.KeepaliveSeconds,
		SuppressOutput:  t.cfg.SuppressOutput,
		RotateArtifacts: t.cfg.RotateArtifacts,
	}
	if err := enc.EncodeJSON(TagJob, hdr); err != nil {
		return err
	}

	if t.cfg.PrivateDataDir != "" {
		if info, err := os.Stat(t.cfg.PrivateDataDir); err == nil && info.IsDir() {
			// Old artifacts and the pidfile are local state, not job
			// input; the worker builds its own.
			skip := func(rel string) bool {
				return rel == "artifacts" || rel == "pid"
			}
			if err := sendDir(enc, "private_data_dir", t.cfg.PrivateDataDir, skip); err != nil {
				return err
			}
			t.log.Debugw("transmitted private data dir", "dir", t.cfg.PrivateDataDir)
		}
	}

	return enc.Encode(TagEOF, nil)
}
