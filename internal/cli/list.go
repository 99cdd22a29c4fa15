package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ansible/ansible-runner/internal/registry"
)

var listPrivateDataDir string

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listPrivateDataDir, "private-data-dir", "", "Private data dir whose runs to list")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs for a private data dir",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listPrivateDataDir == "" {
			return errors.New("list requires --private-data-dir")
		}
		reg, err := registry.Open(filepath.Join(listPrivateDataDir, "registry.db"))
		if err != nil {
			return err
		}
		defer reg.Close()

		runs, err := reg.List()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("no recorded runs")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "IDENT\tSTATUS\tRC\tSTARTED\tFINISHED")
		for _, run := range runs {
			finished := "-"
			if !run.FinishedAt.IsZero() {
				finished = run.FinishedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				run.Ident, run.Status, run.RC,
				run.StartedAt.Format("2006-01-02 15:04:05"), finished)
		}
		return tw.Flush()
	},
}
