package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ansible/ansible-runner/internal/artifact"
	"github.com/ansible/ansible-runner/internal/registry"
)

var (
	cleanupPrivateDataDir string
	cleanupKeep           int
	cleanupOlderThan      time.Duration
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
	fl := cleanupCmd.Flags()
	fl.StringVar(&cleanupPrivateDataDir, "private-data-dir", "", "Private data dir to clean")
	fl.IntVar(&cleanupKeep, "keep", 0, "Keep at most this many artifact dirs (0 keeps all)")
	fl.DurationVar(&cleanupOlderThan, "older-than", 0, "Also drop registry records finished longer ago than this")
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old artifacts and registry records",
	RunE:  runCleanup,
}

// prohibitedPaths are roots that must never be cleaned, no matter what
// the flags say.
var prohibitedPaths = []string{"/", "/home", "/usr", "/etc", "/var", "/opt", "/tmp"}

func runCleanup(cmd *cobra.Command, args []string) error {
	if cleanupPrivateDataDir == "" {
		return errors.New("cleanup requires --private-data-dir")
	}
	abs, err := filepath.Abs(cleanupPrivateDataDir)
	if err != nil {
		return err
	}
	for _, p := range prohibitedPaths {
		if abs == p {
			return fmt.Errorf("refusing to clean %s", abs)
		}
	}
	if home, err := os.UserHomeDir(); err == nil && abs == home {
		return fmt.Errorf("refusing to clean the home directory")
	}

	if cleanupKeep > 0 {
		if err := artifact.Rotate(filepath.Join(abs, "artifacts"), cleanupKeep, log); err != nil {
			return err
		}
		fmt.Printf("kept the newest %d artifact dirs\n", cleanupKeep)
	}

	if cleanupOlderThan > 0 {
		reg, err := registry.Open(filepath.Join(abs, "registry.db"))
		if err != nil {
			return err
		}
		defer reg.Close()
		n, err := reg.PruneOlderThan(cleanupOlderThan)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d registry records\n", n)
	}
	return nil
}
