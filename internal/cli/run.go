package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ansible/ansible-runner/internal/event"
	"github.com/ansible/ansible-runner/internal/registry"
	"github.com/ansible/ansible-runner/internal/runner"
	"github.com/ansible/ansible-runner/internal/status"
)

var runFlags jobFlags

func init() {
	rootCmd.AddCommand(runCmd)
	runFlags.register(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [flags] [-- <command> [args...]]",
	Short: "Run a job in the foreground",
	Long: "Executes the job against the private data dir, streams its output\n" +
		"to the terminal, and leaves the full event record under\n" +
		"artifacts/<ident>. The exit code is the child's return code.",
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := runFlags.jobConfig(args)
	if err != nil {
		return err
	}

	cbs := runner.Callbacks{
		Event: func(rec event.Record) bool {
			printEvent(rec, cfg.JSONMode, cfg.SuppressOutput)
			return true
		},
		// The ident may be generated during preparation, so the
		// registry record lands once the run actually starts.
		Status: func(st status.Status) {
			if st == status.Running {
				withRegistry(cfg.PrivateDataDir, func(reg *registry.Registry) error {
					return reg.Begin(cfg.Ident, cfg.PrivateDataDir, os.Getpid())
				})
			}
		},
		Finished: func(st status.Status, rc int) {
			withRegistry(cfg.PrivateDataDir, func(reg *registry.Registry) error {
				return reg.Finish(cfg.Ident, st, rc)
			})
		},
	}
	r := runner.New(cfg, cbs, log)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if sig, ok := <-sigs; ok {
			log.Infow("signal received, canceling run", "signal", sig)
			r.Cancel()
		}
	}()

	st, rc, err := r.Run()
	if err != nil {
		return err
	}

	if !cfg.SuppressOutput {
		fmt.Fprintf(os.Stderr, "%s: %s (rc=%d)\n", cfg.Ident, st, rc)
	}
	if rc != 0 {
		logCleanup()
		os.Exit(rc)
	}
	return nil
}

// printEvent renders one record for the terminal.
func printEvent(rec event.Record, jsonMode, quiet bool) {
	if jsonMode {
		if data, err := event.Encode(rec); err == nil {
			fmt.Println(string(data))
		}
		return
	}
	if !quiet && rec.Stdout != "" {
		fmt.Print(rec.Stdout)
	}
}

// withRegistry runs fn against the private data dir's registry.
// Registry trouble is logged, never fatal to the run itself.
func withRegistry(privateDataDir string, fn func(*registry.Registry) error) {
	reg, err := registry.Open(filepath.Join(privateDataDir, "registry.db"))
	if err != nil {
		log.Warnw("opening run registry", "error", err)
		return
	}
	defer reg.Close()
	if err := fn(reg); err != nil {
		log.Warnw("updating run registry", "error", err)
	}
}
