// Package cli wires the command surface: local execution, background
// control, the remote pipeline stages, and housekeeping.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ansible/ansible-runner/internal/logging"
)

var (
	rootDebug   bool
	rootLogfile string

	log        = zap.NewNop().Sugar()
	logCleanup = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "ansible-runner",
	Short: "Execute playbook runs and stream their results",
	Long: "Supervises external command runs, assembles their event streams\n" +
		"into durable artifacts, and carries jobs across hosts through a\n" +
		"transmit/worker/process pipeline.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, cleanup, err := logging.New(rootDebug, rootLogfile)
		if err != nil {
			return err
		}
		log = l
		logCleanup = cleanup
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logCleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&rootDebug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rootLogfile, "logfile", "", "Also log to this file as JSON")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
