// cmd/licensectl/quote.go
package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/services"
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Prices a grant offline from the pricing file, without touching the database.",
	RunE: func(cmd *cobra.Command, args []string) error {
		pricingFile, _ := cmd.Flags().GetString("pricing")
		assetType, _ := cmd.Flags().GetString("asset-type")
		licenseType, _ := cmd.Flags().GetString("type")
		startStr, _ := cmd.Flags().GetString("start")
		days, _ := cmd.Flags().GetInt("days")
		scopeJSON, _ := cmd.Flags().GetString("scope")
		spend, _ := cmd.Flags().GetInt64("spend")

		pricing, err := config.LoadPricing(pricingFile)
		if err != nil {
			return err
		}

		start := time.Now().UTC().Truncate(24 * time.Hour)
		if startStr != "" {
			if start, err = time.Parse(time.DateOnly, startStr); err != nil {
				return fmt.Errorf("invalid --start %q: use YYYY-MM-DD", startStr)
			}
		}
		if days <= 0 {
			return fmt.Errorf("--days must be positive")
		}

		var scope models.Scope
		if err := json.Unmarshal([]byte(scopeJSON), &scope); err != nil {
			return fmt.Errorf("invalid --scope: %w", err)
		}

		q := services.NewFeeCalculator(pricing).Calculate(services.FeeInputs{
			AssetType:   assetType,
			LicenseType: models.LicenseType(strings.ToUpper(licenseType)),
			StartDate:   start,
			EndDate:     start.AddDate(0, 0, days),
			Scope:       scope,
		}, spend)
		return printJSON(q)
	},
}

func init() {
	quoteCmd.Flags().String("pricing", "", "Pricing file (YAML, JSON or TOML); defaults are used when empty")
	quoteCmd.Flags().String("asset-type", string(models.AssetTypeImage), "Asset type of the licensed work")
	quoteCmd.Flags().String("type", string(models.LicenseTypeNonExclusive), "License type")
	quoteCmd.Flags().String("start", "", "Start date (YYYY-MM-DD), today when empty")
	quoteCmd.Flags().Int("days", 365, "Term length in days")
	quoteCmd.Flags().String("scope", `{"media":{"digital":true},"placements":{"social":true}}`, "Scope as JSON")
	quoteCmd.Flags().Int64("spend", 0, "Historical brand spend in cents, for volume discounts")
	rootCmd.AddCommand(quoteCmd)
}
