// cmd/licensectl/sweep.go
package main

import (
	"github.com/spf13/cobra"

	"github.com/javajoker/imi-licensing/internal/app"
	"github.com/javajoker/imi-licensing/internal/services"
)

var sweepCmd = &cobra.Command{
	Use:       "sweep [" + services.SweepTransitions + "|" + services.SweepAutoRenewal + "|" + services.SweepDeadlines + "]",
	Short:     "Runs one lifecycle sweep and prints its result.",
	Long:      "Runs one lifecycle sweep and prints its result. With --as-of the sweep sees that instant as now, which replays a missed run.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{services.SweepTransitions, services.SweepAutoRenewal, services.SweepDeadlines},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		clk, err := clockFor(cmd)
		if err != nil {
			return err
		}

		a, err := app.New(cmd.Context(), cfg, clk)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Services.Admin.RunSweep(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if dispatch, _ := cmd.Flags().GetBool("dispatch"); dispatch {
			if _, err := a.Dispatcher.DispatchPending(cmd.Context()); err != nil {
				return err
			}
		}
		return printJSON(result)
	},
}

func init() {
	sweepCmd.Flags().String("as-of", "", "Evaluate the sweep at this time (RFC3339 or YYYY-MM-DD)")
	sweepCmd.Flags().Bool("dispatch", true, "Publish the events the sweep produced before exiting")
	rootCmd.AddCommand(sweepCmd)
}
