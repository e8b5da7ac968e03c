package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/stravabronze/activity-sync/internal/backend"
	"github.com/stravabronze/activity-sync/internal/common/errreport"
)

func installBootstrapCmd(app *App) {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Rebuild both stores from the full Strava history",
		Long: `Drop and recreate the activity table, then fetch every activity of the athlete
and write it to the database and the object store, oldest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.bootstrapRun(cmd.OutOrStdout())
		},
	}
	app.cmd.AddCommand(cmd)
}

func (a *App) bootstrapRun(out io.Writer) error {
	close(a.ready)

	if err := a.initErrReport(); err != nil {
		return err
	}
	defer errreport.Flush(2 * time.Second)

	sum, err := backend.NewFactory(a.config.Backend).Bootstrap(a.ctx)
	if err != nil {
		return fmt.Errorf("failed to run bootstrap: %w", err)
	}

	slog.Info("Bootstrap sweep done", "activities", sum.Activities, "applied", sum.Applied,
		"partial", sum.Partial, "missing", sum.Missing, "duration", sum.Duration)
	fmt.Fprintf(out, "%d activities, %d applied, %d partial, %d missing\n", sum.Activities, sum.Applied, sum.Partial, sum.Missing)
	return nil
}
