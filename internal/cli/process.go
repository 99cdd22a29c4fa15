package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ansible/ansible-runner/internal/event"
	"github.com/ansible/ansible-runner/internal/registry"
	"github.com/ansible/ansible-runner/internal/runner"
	"github.com/ansible/ansible-runner/internal/stream"
)

var (
	processFlags jobFlags
	processInput string
)

func init() {
	rootCmd.AddCommand(processCmd)
	fl := processCmd.Flags()
	fl.StringVar(&processFlags.privateDataDir, "private-data-dir", "", "Where to land the reassembled artifacts")
	fl.StringVarP(&processFlags.ident, "ident", "i", "", "Run identifier override (default: from the stream)")
	fl.StringVar(&processInput, "input", "", "Read the result stream here instead of stdin")
	fl.BoolVar(&processFlags.jsonMode, "json", false, "Print events as JSON lines instead of raw stdout")
	fl.BoolVarP(&processFlags.quiet, "quiet", "q", false, "Suppress event output on the terminal")
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Reassemble a worker's result stream into local artifacts",
	Long: "Reads the result stream from stdin, persists events and stdout\n" +
		"under artifacts/<ident>, and exits with the job's return code.",
	RunE: runProcess,
}

func runProcess(cmd *cobra.Command, args []string) error {
	if processFlags.privateDataDir == "" {
		return errors.New("process requires --private-data-dir")
	}

	in := os.Stdin
	if processInput != "" {
		f, err := os.Open(processInput)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	cbs := runner.Callbacks{
		Event: func(rec event.Record) bool {
			printEvent(rec, processFlags.jsonMode, processFlags.quiet)
			return true
		},
	}
	p := stream.NewProcessor(processFlags.privateDataDir, processFlags.ident, in, cbs, log)
	st, rc, err := p.Run()
	if err != nil {
		return err
	}
	withRegistry(processFlags.privateDataDir, func(reg *registry.Registry) error {
		if berr := reg.Begin(p.Ident(), processFlags.privateDataDir, os.Getpid()); berr != nil {
			return berr
		}
		return reg.Finish(p.Ident(), st, rc)
	})

	if !processFlags.quiet {
		fmt.Fprintf(os.Stderr, "%s: %s (rc=%d)\n", p.Ident(), st, rc)
	}
	if rc != 0 {
		logCleanup()
		os.Exit(rc)
	}
	return nil
}
