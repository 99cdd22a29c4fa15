package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ansible/ansible-runner/internal/stream"
)

var (
	workerInput     string
	workerOutput    string
	workerKeepalive int
	workerDataDir   string
	workerDelete    bool
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerInput, "input", "", "Read the job stream here instead of stdin")
	workerCmd.Flags().StringVarP(&workerOutput, "output", "o", "", "Write the result stream here instead of stdout")
	workerCmd.Flags().IntVar(&workerKeepalive, "keepalive-seconds", 0, "Override the transmitted keepalive interval")
	workerCmd.Flags().StringVar(&workerDataDir, "private-data-dir", "", "Run in this persistent directory instead of an ephemeral one")
	workerCmd.Flags().BoolVar(&workerDelete, "delete", false, "Empty the persistent directory before the run and remove it after")
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Execute a transmitted job and stream results back",
	Long: "Reads a job stream from stdin, runs it in an ephemeral directory\n" +
		"that is removed afterwards, and writes status, events, and the\n" +
		"artifact directory to stdout. With --private-data-dir the run\n" +
		"keeps the directory unless --delete is also given.",
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	in := os.Stdin
	if workerInput != "" {
		f, err := os.Open(workerInput)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	out := os.Stdout
	if workerOutput != "" {
		f, err := os.OpenFile(workerOutput, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	wk := stream.NewWorker(in, out, log)
	wk.KeepaliveSeconds = workerKeepalive
	wk.PrivateDataDir = workerDataDir
	wk.Delete = workerDelete
	return wk.Run()
}
