package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ansible/ansible-runner/internal/runner"
)

var startFlags jobFlags

func init() {
	rootCmd.AddCommand(startCmd)
	startFlags.register(startCmd)
}

var startCmd = &cobra.Command{
	Use:   "start [flags] [-- <command> [args...]]",
	Short: "Run a job in the background",
	Long: "Re-launches this binary detached from the terminal to run the job\n" +
		"and records the child's pid under the private data dir; use stop and\n" +
		"is-alive to control it.",
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	if startFlags.privateDataDir == "" {
		return errors.New("start requires --private-data-dir")
	}
	// Validate the job shape up front; the detached child re-parses the
	// same flags and a bad job should fail here, not in a log file.
	cfg, err := startFlags.jobConfig(args)
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return err
	}

	logPath := filepath.Join(startFlags.privateDataDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer logFile.Close()

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return err
	}
	defer devnull.Close()

	childArgs := append([]string{self, "run", "--quiet"}, rebuildArgs(cmd, args)...)
	proc, err := os.StartProcess(self, childArgs, &os.ProcAttr{
		Files: []*os.File{devnull, logFile, logFile},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return fmt.Errorf("starting background run: %w", err)
	}
	// The child is its own session leader; nothing to wait for.
	pid := proc.Pid
	proc.Release()

	if err := runner.WritePidfile(cfg.PidfilePath(), pid); err != nil {
		syscall.Kill(pid, syscall.SIGTERM)
		return err
	}

	fmt.Printf("started background run (pid %d)\n", pid)
	return nil
}

// rebuildArgs reconstructs the flag arguments for the detached child
// from the flags the user actually set, plus the literal command.
func rebuildArgs(cmd *cobra.Command, argv []string) []string {
	var out []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "quiet" {
			return
		}
		out = append(out, "--"+f.Name+"="+f.Value.String())
	})
	cmd.InheritedFlags().Visit(func(f *pflag.Flag) {
		out = append(out, "--"+f.Name+"="+f.Value.String())
	})
	if len(argv) > 0 {
		out = append(out, "--")
		out = append(out, argv...)
	}
	return out
}
