// Package config holds the per-job configuration consumed by the
// execution pipeline: the command to supervise, its environment and
// timeouts, password prompt responses, and the private data directory
// layout the job runs against.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Defaults applied when neither flags nor the settings file say otherwise.
const (
	DefaultIdleTimeout = 600 * time.Second
	DefaultJobTimeout  = 3600 * time.Second
)

// SetupError is a terminal, pre-run failure: the external binary cannot
// be located, the working directory is missing, or the private data dir
// is unusable. No events are emitted for a job that fails setup, and
// retrying without operator intervention is pointless.
type SetupError struct {
	Msg string
	Err error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("setup: %s: %v", e.Msg, e.Err)
	}
	return "setup: " + e.Msg
}

func (e *SetupError) Unwrap() error { return e.Err }

// Prompt pairs an interactive prompt pattern with the secret to answer
// it with. Order matters: patterns are tried first to last.
type Prompt struct {
	Pattern  *regexp.Regexp
	Response string
}

// validIdent matches alphanumeric characters, dashes, underscores, and
// dots only. Idents name artifact directories, so anything that could
// traverse paths is rejected.
var validIdent = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// JobConfig describes one logical invocation. A zero ident is replaced
// with a generated one at Prepare time.
type JobConfig struct {
	PrivateDataDir string
	Ident          string

	// Command is the full argv of the external program.
	Command []string
	Cwd     string
	Env     map[string]string

	IdleTimeout time.Duration
	JobTimeout  time.Duration
	Passwords   []Prompt

	Debug           bool
	SuppressOutput  bool
	JSONMode        bool
	RotateArtifacts int

	// KeepaliveSeconds enables synthetic keepalive events in worker
	// mode when the child is silent for this long. Zero disables.
	KeepaliveSeconds int
}

// ArtifactDir returns the durable run directory for this job's ident.
func (c *JobConfig) ArtifactDir() string {
	return filepath.Join(c.PrivateDataDir, "artifacts", c.Ident)
}

// ArtifactsRoot returns the parent of all per-ident artifact dirs.
func (c *JobConfig) ArtifactsRoot() string {
	return filepath.Join(c.PrivateDataDir, "artifacts")
}

// ProjectDir returns the playbook/content directory of the bundle.
func (c *JobConfig) ProjectDir() string {
	return filepath.Join(c.PrivateDataDir, "project")
}

// PidfilePath returns the background-mode pidfile location.
func (c *JobConfig) PidfilePath() string {
	return filepath.Join(c.PrivateDataDir, "pid")
}

// Prepare validates the configuration and fails fast with a *SetupError
// before any event is emitted. It fills in a generated ident, resolves
// the command binary on PATH, and checks the working directory.
func (c *JobConfig) Prepare() error {
	if c.PrivateDataDir == "" {
		dir, err := os.MkdirTemp("", ".ansible-runner-")
		if err != nil {
			return &SetupError{Msg: "create private data dir", Err: err}
		}
		c.PrivateDataDir = dir
	}
	abs, err := filepath.Abs(c.PrivateDataDir)
	if err != nil {
		return &SetupError{Msg: "resolve private data dir", Err: err}
	}
	c.PrivateDataDir = abs
	if info, err := os.Stat(c.PrivateDataDir); err != nil || !info.IsDir() {
		return &SetupError{Msg: fmt.Sprintf("private data dir %s is not a directory", c.PrivateDataDir), Err: err}
	}

	if c.Ident == "" {
		c.Ident = uuid.NewString()
	}
	if strings.Contains(c.Ident, "..") || !validIdent.MatchString(c.Ident) {
		return &SetupError{Msg: fmt.Sprintf("ident %q contains invalid characters", c.Ident)}
	}

	if len(c.Command) == 0 {
		return &SetupError{Msg: "command is required"}
	}
	if _, err := exec.LookPath(c.Command[0]); err != nil {
		return &SetupError{Msg: fmt.Sprintf("command %q not found", c.Command[0]), Err: err}
	}

	if c.Cwd == "" {
		c.Cwd = c.PrivateDataDir
	}
	if info, err := os.Stat(c.Cwd); err != nil || !info.IsDir() {
		return &SetupError{Msg: fmt.Sprintf("working directory %s is missing", c.Cwd), Err: err}
	}

	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	return nil
}

// BuildEnv merges the process environment with the job's overrides.
func (c *JobConfig) BuildEnv() []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return env
}
