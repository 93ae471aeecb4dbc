// cmd/licensectl/root.go
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/javajoker/imi-licensing/internal/clock"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "licensectl",
	Short: "Operate the license lifecycle engine from the command line.",
	Long: `licensectl runs the maintenance side of the licensing core: schema
migrations, lifecycle sweeps, outbox dispatch, offline fee quotes and
development tokens.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("loglevel", "l", "", "Override LOG_LEVEL. Available: debug, info, warn, error")
}

// loadConfig reads the environment and applies the global flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if level, _ := cmd.Flags().GetString("loglevel"); level != "" {
		cfg.Log.Level = level
	}
	logger.Setup(cfg.Log, cfg.Environment)
	return cfg, nil
}

// clockFor returns a clock frozen at the --as-of flag, or the real clock.
func clockFor(cmd *cobra.Command) (clock.Clock, error) {
	asOf, _ := cmd.Flags().GetString("as-of")
	if asOf == "" {
		return clock.New(), nil
	}
	t, err := time.Parse(time.RFC3339, asOf)
	if err != nil {
		if t, err = time.Parse(time.DateOnly, asOf); err != nil {
			return nil, fmt.Errorf("invalid --as-of %q: use RFC3339 or YYYY-MM-DD", asOf)
		}
	}
	return clock.NewFixed(t.UTC()), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
