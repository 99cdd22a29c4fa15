package cli

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ansible/ansible-runner/internal/config"
	"github.com/ansible/ansible-runner/internal/runner"
)

var stopPrivateDataDir string

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().StringVar(&stopPrivateDataDir, "private-data-dir", "", "Private data dir of the background run")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a background run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if stopPrivateDataDir == "" {
			return errors.New("stop requires --private-data-dir")
		}
		cfg := config.JobConfig{PrivateDataDir: stopPrivateDataDir}
		if err := runner.Signal(cfg.PidfilePath(), syscall.SIGTERM); err != nil {
			return err
		}
		fmt.Println("stop requested")
		return nil
	},
}
