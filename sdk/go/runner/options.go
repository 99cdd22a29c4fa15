package runner

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a job at creation time.
type Option func(*jobOptions)

type jobOptions struct {
	privateDataDir string
	ident          string

	command   []string
	playbook  string
	module    string
	moduleArg string
	role      string
	hosts     string
	inventory string
	limit     string
	verbosity int

	env map[string]string

	idleTimeout time.Duration
	jobTimeout  time.Duration
	keepalive   int
	rotate      int
	quiet       bool

	onEvent  func(Event) bool
	onStatus func(string)

	log *zap.SugaredLogger
}

// WithPrivateDataDir sets the job's input bundle directory. When unset
// an ephemeral directory is created.
func WithPrivateDataDir(dir string) Option {
	return func(o *jobOptions) { o.privateDataDir = dir }
}

// WithIdent fixes the run identifier instead of generating one.
func WithIdent(ident string) Option {
	return func(o *jobOptions) { o.ident = ident }
}

// WithCommand runs a literal argv instead of an engine invocation.
func WithCommand(argv ...string) Option {
	return func(o *jobOptions) { o.command = argv }
}

// WithPlaybook selects a playbook relative to the project dir.
func WithPlaybook(playbook string) Option {
	return func(o *jobOptions) { o.playbook = playbook }
}

// WithModule selects a single module invocation.
func WithModule(name, args string) Option {
	return func(o *jobOptions) { o.module = name; o.moduleArg = args }
}

// WithRole invokes a role through a generated playbook.
func WithRole(role string) Option {
	return func(o *jobOptions) { o.role = role }
}

// WithHosts sets the host pattern for module or role invocations.
func WithHosts(pattern string) Option {
	return func(o *jobOptions) { o.hosts = pattern }
}

// WithInventory overrides the inventory path.
func WithInventory(path string) Option {
	return func(o *jobOptions) { o.inventory = path }
}

// WithLimit restricts the run to matching hosts.
func WithLimit(limit string) Option {
	return func(o *jobOptions) { o.limit = limit }
}

// WithVerbosity raises the engine's verbosity (1..5).
func WithVerbosity(v int) Option {
	return func(o *jobOptions) { o.verbosity = v }
}

// WithEnv adds environment overrides for the child.
func WithEnv(env map[string]string) Option {
	return func(o *jobOptions) { o.env = env }
}

// WithIdleTimeout kills the run after this much silence.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *jobOptions) { o.idleTimeout = d }
}

// WithJobTimeout bounds the whole run.
func WithJobTimeout(d time.Duration) Option {
	return func(o *jobOptions) { o.jobTimeout = d }
}

// WithKeepalive emits keepalive events when the child is quiet for the
// given number of seconds.
func WithKeepalive(seconds int) Option {
	return func(o *jobOptions) { o.keepalive = seconds }
}

// WithRotateArtifacts keeps at most n artifact dirs per private data
// dir.
func WithRotateArtifacts(n int) Option {
	return func(o *jobOptions) { o.rotate = n }
}

// WithQuiet suppresses terminal output conventions downstream handlers
// may honor.
func WithQuiet() Option {
	return func(o *jobOptions) { o.quiet = true }
}

// WithEventHandler delivers each event as it is assembled. Returning
// false drops the event from the artifact store.
func WithEventHandler(fn func(Event) bool) Option {
	return func(o *jobOptions) { o.onEvent = fn }
}

// WithStatusHandler observes lifecycle transitions.
func WithStatusHandler(fn func(string)) Option {
	return func(o *jobOptions) { o.onStatus = fn }
}

// WithLogger routes internal logging to the caller's logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(o *jobOptions) { o.log = log }
}
