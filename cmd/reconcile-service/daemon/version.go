package daemon

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stravabronze/activity-sync/internal/common/constants"
)

func (a *App) installVersion() {
	a.cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version of " + constants.ReconcileServiceCmdName + " and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", constants.ReconcileServiceCmdName, constants.Version)
			return err
		},
	})
}
