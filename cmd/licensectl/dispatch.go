// cmd/licensectl/dispatch.go
package main

import (
	"github.com/spf13/cobra"

	"github.com/javajoker/imi-licensing/internal/app"
	"github.com/javajoker/imi-licensing/internal/clock"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Publishes pending outbox events once and prints the counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		a, err := app.New(cmd.Context(), cfg, clock.New())
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Dispatcher.DispatchPending(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}
