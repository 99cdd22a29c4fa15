package runner

import (
	"context"
	"io"
	"time"

	"github.com/ansible/ansible-runner/internal/config"
	"github.com/ansible/ansible-runner/internal/event"
	"github.com/ansible/ansible-runner/internal/runner"
	"github.com/ansible/ansible-runner/internal/status"
	"github.com/ansible/ansible-runner/internal/stream"
)

// Event is the SDK view of one assembled event record.
type Event struct {
	UUID      string
	Counter   int
	Kind      string
	Stdout    string
	StartLine int
	EndLine   int
	Data      map[string]any
	Created   time.Time
}

// Result is a finished run.
type Result struct {
	Ident       string
	Status      string
	RC          int
	ArtifactDir string
}

// Run executes a job to completion. Canceling ctx cancels the run; the
// child is terminated and the artifacts finalize as canceled.
func Run(ctx context.Context, opts ...Option) (*Result, error) {
	job, err := RunAsync(opts...)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		job.Cancel()
		<-job.Done()
	case <-job.Done():
	}
	return job.Result()
}

// Job is an in-flight asynchronous run.
type Job struct {
	r    *runner.Runner
	done chan struct{}

	res    *Result
	runErr error
}

// RunAsync starts a job and returns immediately.
func RunAsync(opts ...Option) (*Job, error) {
	o := collect(opts)
	cfg, err := buildConfig(o)
	if err != nil {
		return nil, err
	}

	cbs := runner.Callbacks{}
	if o.onEvent != nil {
		fn := o.onEvent
		cbs.Event = func(rec event.Record) bool { return fn(fromRecord(rec)) }
	}
	if o.onStatus != nil {
		fn := o.onStatus
		cbs.Status = func(st status.Status) { fn(string(st)) }
	}

	job := &Job{done: make(chan struct{})}
	job.r = runner.New(cfg, cbs, o.log)
	go func() {
		defer close(job.done)
		st, rc, err := job.r.Run()
		job.res = &Result{
			Ident:       cfg.Ident,
			Status:      string(st),
			RC:          rc,
			ArtifactDir: cfg.ArtifactDir(),
		}
		job.runErr = err
	}()
	return job, nil
}

// Cancel requests a cooperative stop.
func (j *Job) Cancel() { j.r.Cancel() }

// Done closes when the run has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result blocks until the run finishes and returns its outcome.
func (j *Job) Result() (*Result, error) {
	<-j.done
	return j.res, j.runErr
}

// Transmit serializes a job and its private data dir onto w for a
// remote worker.
func Transmit(w io.Writer, opts ...Option) error {
	o := collect(opts)
	cfg, err := buildConfig(o)
	if err != nil {
		return err
	}
	return stream.NewTransmitter(cfg, w, o.log).Run()
}

// Worker executes one transmitted job from r and streams results to w.
func Worker(r io.Reader, w io.Writer, opts ...Option) error {
	o := collect(opts)
	wk := stream.NewWorker(r, w, o.log)
	wk.KeepaliveSeconds = o.keepalive
	return wk.Run()
}

// Process reassembles a worker's result stream from r into
// privateDataDir and returns the job outcome.
func Process(r io.Reader, privateDataDir string, opts ...Option) (*Result, error) {
	o := collect(opts)
	cbs := runner.Callbacks{}
	if o.onEvent != nil {
		fn := o.onEvent
		cbs.Event = func(rec event.Record) bool { return fn(fromRecord(rec)) }
	}
	if o.onStatus != nil {
		fn := o.onStatus
		cbs.Status = func(st status.Status) { fn(string(st)) }
	}
	p := stream.NewProcessor(privateDataDir, o.ident, r, cbs, o.log)
	st, rc, err := p.Run()
	if err != nil {
		return nil, err
	}
	return &Result{Ident: p.Ident(), Status: string(st), RC: rc}, nil
}

func collect(opts []Option) *jobOptions {
	o := &jobOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func buildConfig(o *jobOptions) (*config.JobConfig, error) {
	cfg := &config.JobConfig{
		PrivateDataDir:   o.privateDataDir,
		Ident:            o.ident,
		Env:              o.env,
		IdleTimeout:      o.idleTimeout,
		JobTimeout:       o.jobTimeout,
		KeepaliveSeconds: o.keepalive,
		RotateArtifacts:  o.rotate,
		SuppressOutput:   o.quiet,
	}
	if len(o.command) > 0 {
		cfg.Command = o.command
		return cfg, nil
	}
	spec := config.CommandSpec{
		Playbook:  o.playbook,
		Module:    o.module,
		ModuleArg: o.moduleArg,
		Role:      o.role,
		Hosts:     o.hosts,
		Inventory: o.inventory,
		Limit:     o.limit,
		Verbosity: o.verbosity,
	}
	if err := cfg.BuildCommand(spec); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromRecord(rec event.Record) Event {
	return Event{
		UUID:      rec.UUID,
		Counter:   rec.Counter,
		Kind:      string(rec.Event),
		Stdout:    rec.Stdout,
		StartLine: rec.StartLine,
		EndLine:   rec.EndLine,
		Data:      rec.EventData,
		Created:   rec.Created,
	}
}
