package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ansible/ansible-runner/internal/config"
	"github.com/ansible/ansible-runner/internal/runner"
)

var isAlivePrivateDataDir string

func init() {
	rootCmd.AddCommand(isAliveCmd)
	isAliveCmd.Flags().StringVar(&isAlivePrivateDataDir, "private-data-dir", "", "Private data dir of the background run")
}

var isAliveCmd = &cobra.Command{
	Use:   "is-alive",
	Short: "Check whether a background run is still executing",
	Long:  "Exits 0 when the recorded process is alive, 1 when it is not.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if isAlivePrivateDataDir == "" {
			return errors.New("is-alive requires --private-data-dir")
		}
		cfg := config.JobConfig{PrivateDataDir: isAlivePrivateDataDir}
		pid, err := runner.ReadPidfile(cfg.PidfilePath())
		if err != nil || !runner.ProcessAlive(pid) {
			fmt.Println("not running")
			logCleanup()
			os.Exit(1)
		}
		fmt.Printf("running (pid %d)\n", pid)
		return nil
	},
}
