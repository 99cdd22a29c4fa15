// Package artifact persists a run's externally observable results on
// disk: one JSON file per event, the reconstructed stdout stream, and
// the final status and return code. The on-disk layout is the contract
// consumed by the reader, the watcher, and remote processors:
//
//	<dir>/
//	    job_events/<counter>-<uuid>.json
//	    stdout
//	    rc
//	    status
//
// Every file lands via write-to-temp-then-rename, so a concurrent
// reader never observes a partial file.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/ansible/ansible-runner/internal/event"
	"github.com/ansible/ansible-runner/internal/status"
)

const (
	eventsDirName  = "job_events"
	stdoutFileName = "stdout"
	rcFileName     = "rc"
	statusFileName = "status"

	dirMode  = 0o700
	fileMode = 0o600
)

// Writer owns one artifact directory for the duration of a run.
type Writer struct {
	dir       string
	eventsDir string
	log       *zap.SugaredLogger

	mu        sync.Mutex
	stdout    *os.File
	finalized bool
}

// NewWriter creates the artifact directory tree and opens the stdout
// file. dir is the run's artifact directory, typically
// <private_data_dir>/artifacts/<ident>.
func NewWriter(dir string, log *zap.SugaredLogger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	eventsDir := filepath.Join(dir, eventsDirName)
	if err := os.MkdirAll(eventsDir, dirMode); err != nil {
		return nil, fmt.Errorf("artifact: create %s: %w", eventsDir, err)
	}
	stdout, err := os.OpenFile(filepath.Join(dir, stdoutFileName),
		os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode)
	if err != nil {
		return nil, fmt.Errorf("artifact: open stdout: %w", err)
	}
	return &Writer{dir: dir, eventsDir: eventsDir, log: log, stdout: stdout}, nil
}

// Dir returns the artifact directory this writer owns.
func (w *Writer) Dir() string { return w.dir }

// Stdout is the sink for the reconstructed output stream.
func (w *Writer) Stdout() io.Writer { return w.stdout }

// WriteEvent persists one event record. Records without a uuid (the
// stream-complete marker, keepalives) are transient by contract and are
// not written.
func (w *Writer) WriteEvent(rec event.Record) error {
	if rec.UUID == "" {
		return nil
	}
	data, err := event.Encode(rec)
	if err != nil {
		return fmt.Errorf("artifact: encode event %d: %w", rec.Counter, err)
	}
	name := fmt.Sprintf("%d-%s.json", rec.Counter, rec.UUID)
	return writeAtomic(w.eventsDir, name, data)
}

// Finalize records the run's terminal status and return code and closes
// the stdout file. Calling it again is a no-op, so racing finishers
// cannot clobber the first outcome.
func (w *Writer) Finalize(st status.Status, rc int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return nil
	}
	w.finalized = true

	if err := w.stdout.Close(); err != nil {
		w.log.Warnw("closing stdout artifact", "error", err)
	}
	if err := writeAtomic(w.dir, rcFileName, []byte(strconv.Itoa(rc))); err != nil {
		return err
	}
	// status is written last: its presence tells watchers the artifact
	// directory is complete.
	if err := writeAtomic(w.dir, statusFileName, []byte(string(st))); err != nil {
		return err
	}
	w.log.Debugw("artifacts finalized", "dir", w.dir, "status", st, "rc", rc)
	return nil
}

// writeAtomic writes name under dir through a temp file and a rename.
func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("artifact: temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("artifact: write %s: %w", name, err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifact: rename %s: %w", name, err)
	}
	return nil
}
