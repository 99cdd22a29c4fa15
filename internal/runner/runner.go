// Package runner drives one job from configuration to finalized
// artifacts: it prepares the private data dir, supervises the child,
// assembles the event stream, tracks the status state machine, and
// persists everything through the artifact writer.
package runner

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ansible/ansible-runner/internal/artifact"
	"github.com/ansible/ansible-runner/internal/assemble"
	"github.com/ansible/ansible-runner/internal/config"
	"github.com/ansible/ansible-runner/internal/event"
	"github.com/ansible/ansible-runner/internal/status"
	"github.com/ansible/ansible-runner/internal/supervise"
)

// EventHandler observes each assembled record before persistence.
// Returning false drops the record from the artifact store while still
// counting it; handlers that forward events elsewhere use this to avoid
// double storage.
type EventHandler func(event.Record) bool

// Callbacks are the observation points a caller can hook. All fields
// are optional.
type Callbacks struct {
	Event    EventHandler
	Status   status.Handler
	Finished func(st status.Status, rc int)

	// Cancel is polled during the run; returning true stops the child.
	Cancel func() bool
}

// Runner executes one configured job. A Runner is single-use.
type Runner struct {
	cfg *config.JobConfig
	cbs Callbacks
	log *zap.SugaredLogger

	canceled atomic.Bool
	machine  *status.Machine

	mu    sync.Mutex // serializes emit between read loop and keepalive
	ioErr error      // first storage failure, guarded by mu
}

func New(cfg *config.JobConfig, cbs Callbacks, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Runner{cfg: cfg, cbs: cbs, log: log}
	r.machine = status.NewMachine(cbs.Status, log)
	return r
}

// Cancel requests a cooperative stop. Safe from any goroutine; the
// supervisor notices within its poll tick.
func (r *Runner) Cancel() { r.canceled.Store(true) }

// Status returns the current lifecycle state.
func (r *Runner) Status() status.Status { return r.machine.Current() }

// ArtifactDir returns the run's artifact directory. Valid after Run
// started preparing.
func (r *Runner) ArtifactDir() string { return r.cfg.ArtifactDir() }

// Run executes the job to completion and returns its terminal status
// and return code. A non-nil error means the run never started or the
// supervisor itself failed, not that the child exited unhappily.
func (r *Runner) Run() (status.Status, int, error) {
	r.machine.Transition(status.Starting)

	// Settings load before Prepare so the file's timeouts are still
	// distinguishable from the unset zero values Prepare defaults.
	if r.cfg.PrivateDataDir != "" {
		if err := config.LoadInto(r.cfg); err != nil {
			r.machine.Transition(status.Failed)
			return status.Failed, 0, err
		}
	}
	if err := r.cfg.Prepare(); err != nil {
		r.machine.Transition(status.Failed)
		return status.Failed, 0, err
	}

	if err := artifact.Rotate(r.cfg.ArtifactsRoot(), r.cfg.RotateArtifacts, r.log); err != nil {
		r.log.Warnw("artifact rotation failed", "error", err)
	}

	writer, err := artifact.NewWriter(r.cfg.ArtifactDir(), r.log)
	if err != nil {
		r.machine.Transition(status.Failed)
		return status.Failed, 0, err
	}

	filter := assemble.NewFilter(r.emitTo(writer), writer.Stdout(), r.log)

	stopKeepalive := r.startKeepalive(writer)
	defer stopKeepalive()

	r.machine.Transition(status.Running)

	res := supervise.Run(supervise.Spec{
		Command:     r.cfg.Command,
		Cwd:         r.cfg.Cwd,
		Env:         r.cfg.BuildEnv(),
		Passwords:   r.cfg.Passwords,
		IdleTimeout: r.cfg.IdleTimeout,
		JobTimeout:  r.cfg.JobTimeout,
		Output:      &lockedWriter{mu: &r.mu, w: filter},
		OnStart:     filter.SetPID,
		CancelRequested: func() bool {
			r.mu.Lock()
			aborted := r.ioErr != nil
			r.mu.Unlock()
			if aborted || r.canceled.Load() {
				return true
			}
			return r.cbs.Cancel != nil && r.cbs.Cancel()
		},
		Log: r.log,
	})

	// The child is gone; flush the partial line and the pending event
	// before the terminal status lands, so cancellation never loses
	// output that was already read.
	stopKeepalive()
	r.mu.Lock()
	filter.Close()
	r.mu.Unlock()

	// A storage failure stopped the child through the cancel poll, but
	// the run itself failed; it was not canceled by anyone.
	r.mu.Lock()
	ioErr := r.ioErr
	r.mu.Unlock()
	if ioErr != nil && res.Err == nil {
		res.Err = ioErr
	}

	final := status.Resolve(res.RC, res.TimedOut, res.Canceled && ioErr == nil, res.Err != nil)
	r.machine.Transition(final)
	if err := writer.Finalize(final, res.RC); err != nil {
		r.log.Errorw("finalizing artifacts", "error", err)
	}

	if r.cbs.Finished != nil {
		r.cbs.Finished(final, res.RC)
	}
	return final, res.RC, res.Err
}

// emitTo builds the record sink shared by the filter and the keepalive
// ticker. The caller's handler sees every record; persistence skips
// records the handler declined. Runs with r.mu held by the caller.
func (r *Runner) emitTo(writer *artifact.Writer) assemble.Emit {
	return func(rec event.Record) {
		keep := true
		if r.cbs.Event != nil {
			keep = r.cbs.Event(rec)
		}
		if !keep {
			return
		}
		if err := writer.WriteEvent(rec); err != nil {
			r.log.Errorw("persisting event", "counter", rec.Counter, "error", err)
			// Dropping events silently is worse than killing the run.
			if r.ioErr == nil {
				r.ioErr = err
			}
		}
	}
}

// lockedWriter serializes the supervisor's output path against the
// keepalive ticker, so the two record producers never interleave.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// startKeepalive emits synthetic keepalive records at the configured
// interval so a remote consumer can tell a quiet child from a dead
// link. The records are transient: no uuid, never persisted. Returns
// an idempotent stop.
func (r *Runner) startKeepalive(writer *artifact.Writer) func() {
	if r.cfg.KeepaliveSeconds <= 0 {
		return func() {}
	}
	emit := r.emitTo(writer)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		interval := time.Duration(r.cfg.KeepaliveSeconds) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.mu.Lock()
				emit(event.Record{
					Event:   event.KindKeepalive,
					Created: time.Now().UTC(),
				})
				r.mu.Unlock()
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
