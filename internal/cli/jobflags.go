package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/ansible/ansible-runner/internal/config"
)

// jobFlags is the flag set shared by every command that describes a
// job: run, start, and transmit.
type jobFlags struct {
	privateDataDir string
	ident          string

	playbook   string
	module     string
	moduleArgs string
	role       string
	hosts      string
	inventory  string
	limit      string
	binary     string
	verbosity  int

	idleTimeout int
	jobTimeout  int
	keepalive   int
	rotate      int

	jsonMode bool
	quiet    bool
}

func (f *jobFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.privateDataDir, "private-data-dir", "", "Base directory containing the job's input bundle")
	fl.StringVarP(&f.ident, "ident", "i", "", "Run identifier (default: generated)")
	fl.StringVarP(&f.playbook, "playbook", "p", "", "Playbook to run, relative to the project dir")
	fl.StringVarP(&f.module, "module", "m", "", "Module to execute instead of a playbook")
	fl.StringVarP(&f.moduleArgs, "module-args", "a", "", "Arguments for --module")
	fl.StringVarP(&f.role, "role", "r", "", "Role to invoke through a generated playbook")
	fl.StringVar(&f.hosts, "hosts", "", "Host pattern for module or role invocations")
	fl.StringVar(&f.inventory, "inventory", "", "Inventory path override")
	fl.StringVar(&f.limit, "limit", "", "Limit the run to matching hosts")
	fl.StringVar(&f.binary, "binary", "", "Engine executable override")
	fl.CountVarP(&f.verbosity, "verbose", "v", "Increase engine verbosity (repeatable)")
	fl.IntVar(&f.idleTimeout, "idle-timeout", 0, "Seconds without output before the run is killed")
	fl.IntVar(&f.jobTimeout, "job-timeout", 0, "Overall run deadline in seconds")
	fl.IntVar(&f.keepalive, "keepalive-seconds", 0, "Emit keepalive events when the child is this quiet")
	fl.IntVar(&f.rotate, "rotate-artifacts", 0, "Keep at most this many artifact dirs (0 keeps all)")
	fl.BoolVar(&f.jsonMode, "json", false, "Print events as JSON lines instead of raw stdout")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "Suppress run output on the terminal")
}

// jobConfig builds the job configuration from flags plus any argv
// passed after --, which runs verbatim instead of an engine command.
func (f *jobFlags) jobConfig(argv []string) (*config.JobConfig, error) {
	cfg := &config.JobConfig{
		PrivateDataDir:   f.privateDataDir,
		Ident:            f.ident,
		IdleTimeout:      time.Duration(f.idleTimeout) * time.Second,
		JobTimeout:       time.Duration(f.jobTimeout) * time.Second,
		KeepaliveSeconds: f.keepalive,
		RotateArtifacts:  f.rotate,
		SuppressOutput:   f.quiet,
		JSONMode:         f.jsonMode,
		Debug:            rootDebug,
	}

	switch {
	case len(argv) > 0:
		if f.playbook != "" || f.module != "" || f.role != "" {
			return nil, errors.New("a literal command and --playbook/--module/--role are mutually exclusive")
		}
		cfg.Command = argv
	default:
		spec := config.CommandSpec{
			Playbook:  f.playbook,
			Module:    f.module,
			ModuleArg: f.moduleArgs,
			Role:      f.role,
			Hosts:     f.hosts,
			Inventory: f.inventory,
			Limit:     f.limit,
			Verbosity: f.verbosity,
			Binary:    f.binary,
		}
		if err := cfg.BuildCommand(spec); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
