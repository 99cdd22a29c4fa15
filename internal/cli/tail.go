package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/ansible/ansible-runner/internal/artifact"
	"github.com/ansible/ansible-runner/internal/config"
	"github.com/ansible/ansible-runner/internal/event"
)

var (
	tailPrivateDataDir string
	tailIdent          string
	tailJSON           bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	fl := tailCmd.Flags()
	fl.StringVar(&tailPrivateDataDir, "private-data-dir", "", "Private data dir of the run to follow")
	fl.StringVarP(&tailIdent, "ident", "i", "", "Run identifier to follow")
	fl.BoolVar(&tailJSON, "json", false, "Print events as JSON lines instead of raw stdout")
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow a run's event stream as it lands on disk",
	Long: "Streams events from artifacts/<ident> in order while the run is\n" +
		"still writing them, typically for a job started in the background,\n" +
		"and returns once the run finalizes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tailPrivateDataDir == "" || tailIdent == "" {
			return errors.New("tail requires --private-data-dir and --ident")
		}
		cfg := config.JobConfig{PrivateDataDir: tailPrivateDataDir, Ident: tailIdent}
		return artifact.Watch(cmd.Context(), cfg.ArtifactDir(), func(rec event.Record) {
			printEvent(rec, tailJSON, false)
		}, log)
	},
}
