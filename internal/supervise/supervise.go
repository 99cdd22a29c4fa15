// Package supervise runs a child command on a pseudo-terminal and owns
// its whole lifecycle: output draining, interactive prompt answering,
// idle and overall deadlines, cooperative cancellation, and exit code
// collection.
//
// Everything happens on the caller's goroutine in a single poll loop,
// so the output sink never sees concurrent writes and there is no
// teardown race between reader and waiter.
package supervise

import (
	"bytes"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ansible/ansible-runner/internal/config"
)

const (
	// TimeoutRC is the synthetic exit code reported when the child was
	// killed by a deadline rather than exiting on its own.
	TimeoutRC = 254

	// DefaultGrace is how long a signaled child gets to exit cleanly
	// before SIGKILL.
	DefaultGrace = 5 * time.Second

	// pollTick bounds how stale the deadline and cancel checks can be.
	pollTick = 100 * time.Millisecond

	// maxHoldback caps how much trailing unterminated output the prompt
	// matcher may withhold from the sink.
	maxHoldback = 64 << 10
)

// Spec describes one supervised child.
type Spec struct {
	Command []string
	Cwd     string
	Env     []string

	// Passwords are matched, in order, against the trailing
	// unterminated output line; the first match writes its response to
	// the child's terminal.
	Passwords []config.Prompt

	// IdleTimeout fires when the child produces no output for the
	// duration. JobTimeout bounds the whole run. Zero disables.
	IdleTimeout time.Duration
	JobTimeout  time.Duration

	// Grace is the SIGTERM to SIGKILL window. Zero means DefaultGrace.
	Grace time.Duration

	// Output receives every byte the child writes, in order.
	Output io.Writer

	// OnStart runs once the child is spawned, before any output is
	// read. May be nil.
	OnStart func(pid int)

	// CancelRequested is polled between reads; returning true stops
	// the child. May be nil.
	CancelRequested func() bool

	Log *zap.SugaredLogger
}

// Result reports how the child ended. TimedOut and Canceled qualify the
// exit code: a deadline kill reports TimeoutRC, a cancel kill reports
// the signal-derived code. Err is set only for supervision failures,
// never for an unhappy exit code.
type Result struct {
	RC       int
	PID      int
	TimedOut bool
	Canceled bool
	Err      error
}

// Run executes the child to completion and returns how it ended.
func Run(spec Spec) Result {
	log := spec.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if len(spec.Command) == 0 {
		return Result{RC: 127, Err: errors.New("supervise: empty command")}
	}
	if spec.Output == nil {
		spec.Output = io.Discard
	}
	grace := spec.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = spec.Env

	tty, err := pty.Start(cmd)
	if err != nil {
		return Result{RC: 127, Err: err}
	}
	defer tty.Close()

	res := Result{PID: cmd.Process.Pid}
	log.Debugw("child started", "pid", res.PID, "command", spec.Command[0])
	if spec.OnStart != nil {
		spec.OnStart(res.PID)
	}

	fd := int(tty.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		res.Err = err
	}
	pl, err := newPoller(fd)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		res.RC = 127
		res.Err = err
		return res
	}
	defer pl.close()

	pf := newPromptFilter(spec.Passwords, spec.Output, tty)

	start := time.Now()
	lastActivity := start
	var signaled bool
	var killAt time.Time
	buf := make([]byte, 64<<10)

	for {
		ready, perr := pl.wait(pollTick)
		if perr != nil {
			res.Err = perr
			break
		}
		if ready {
			n, rerr := tty.Read(buf)
			if n > 0 {
				pf.feed(buf[:n])
				lastActivity = time.Now()
			}
			if rerr != nil {
				// EIO from the pty master is the normal exit signal:
				// the slave side closed when the child died.
				if errors.Is(rerr, unix.EIO) || errors.Is(rerr, io.EOF) {
					break
				}
				if !errors.Is(rerr, unix.EAGAIN) && n == 0 {
					res.Err = rerr
					break
				}
			}
		}

		now := time.Now()
		if signaled {
			if now.After(killAt) {
				log.Warnw("child ignored SIGTERM, killing", "pid", res.PID)
				cmd.Process.Kill()
				killAt = now.Add(time.Hour)
			}
			continue
		}
		switch {
		case spec.CancelRequested != nil && spec.CancelRequested():
			res.Canceled = true
			log.Infow("cancel requested, terminating child", "pid", res.PID)
		case spec.JobTimeout > 0 && now.Sub(start) > spec.JobTimeout:
			res.TimedOut = true
			log.Warnw("job timeout exceeded", "pid", res.PID, "timeout", spec.JobTimeout)
		case spec.IdleTimeout > 0 && now.Sub(lastActivity) > spec.IdleTimeout:
			res.TimedOut = true
			log.Warnw("idle timeout exceeded", "pid", res.PID, "timeout", spec.IdleTimeout)
		default:
			continue
		}
		signaled = true
		killAt = now.Add(grace)
		cmd.Process.Signal(syscall.SIGTERM)
	}

	pf.flush()

	rc := 0
	if werr := cmd.Wait(); werr != nil {
		var ee *exec.ExitError
		if errors.As(werr, &ee) {
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				rc = 128 + int(ws.Signal())
			} else {
				rc = ee.ExitCode()
			}
		} else {
			rc = 127
			if res.Err == nil {
				res.Err = werr
			}
		}
	}
	if res.TimedOut {
		rc = TimeoutRC
	}
	res.RC = rc
	log.Debugw("child finished", "pid", res.PID, "rc", rc,
		"timed_out", res.TimedOut, "canceled", res.Canceled)
	return res
}

// promptFilter forwards child output to the sink while holding back the
// trailing unterminated line just long enough to match it against the
// configured password prompts. Prompts rarely end in a newline, so the
// holdback is what makes them observable at all. With no prompts
// configured the filter is a straight passthrough.
type promptFilter struct {
	prompts []config.Prompt
	out     io.Writer
	tty     io.Writer
	partial []byte
}

func newPromptFilter(prompts []config.Prompt, out, tty io.Writer) *promptFilter {
	return &promptFilter{prompts: prompts, out: out, tty: tty}
}

func (p *promptFilter) feed(b []byte) {
	if len(p.prompts) == 0 {
		p.out.Write(b)
		return
	}
	p.partial = append(p.partial, b...)
	if i := bytes.LastIndexByte(p.partial, '\n'); i >= 0 {
		p.out.Write(p.partial[:i+1])
		p.partial = append([]byte{}, p.partial[i+1:]...)
	}
	if len(p.partial) == 0 {
		return
	}
	for i := range p.prompts {
		if p.prompts[i].Pattern.Match(p.partial) {
			p.flush()
			io.WriteString(p.tty, p.prompts[i].Response+"\n")
			return
		}
	}
	if len(p.partial) > maxHoldback {
		p.flush()
	}
}

func (p *promptFilter) flush() {
	if len(p.partial) > 0 {
		p.out.Write(p.partial)
		p.partial = nil
	}
}
