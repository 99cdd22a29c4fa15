package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ansible/ansible-runner/internal/stream"
)

var (
	transmitFlags  jobFlags
	transmitOutput string
)

func init() {
	rootCmd.AddCommand(transmitCmd)
	transmitFlags.register(transmitCmd)
	transmitCmd.Flags().StringVarP(&transmitOutput, "output", "o", "", "Write the job stream here instead of stdout")
}

var transmitCmd = &cobra.Command{
	Use:   "transmit [flags] [-- <command> [args...]]",
	Short: "Serialize a job onto stdout for a remote worker",
	Long: "Emits the job header and the private data dir as a framed stream.\n" +
		"Pipe it into a worker: transmit ... | worker | process ...",
	RunE: runTransmit,
}

func runTransmit(cmd *cobra.Command, args []string) error {
	cfg, err := transmitFlags.jobConfig(args)
	if err != nil {
		return err
	}

	out := os.Stdout
	if transmitOutput != "" {
		f, err := os.OpenFile(transmitOutput, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return stream.NewTransmitter(cfg, out, log).Run()
}
