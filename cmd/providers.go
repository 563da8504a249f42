package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// providerRow is the operational view of one catalog entry: static config
// joined with live health, remaining daily budget and monthly usage.
type providerRow struct {
	ID             string   `json:"id"`
	DisplayName    string   `json:"display_name,omitempty"`
	Capabilities   []string `json:"capabilities"`
	CostPerCallUSD float64  `json:"cost_per_call_usd"`
	PriorityTier   int      `json:"priority_tier"`
	Enabled        bool     `json:"enabled"`
	Adapter        string   `json:"adapter"`
	Health         string   `json:"health"`
	SuccessRate    float64  `json:"success_rate"`
	RemainingToday int      `json:"remaining_today"`
	MonthlyCalls   int      `json:"monthly_calls"`
	MonthlyQuota   int      `json:"monthly_quota,omitempty"`
}

func providerStatus(env *engineEnv) []providerRow {
	month := time.Now().UTC().Format("2006-01")

	var rows []providerRow
	for _, pc := range env.Registry.All() {
		caps := make([]string, 0, len(pc.Capabilities))
		for _, c := range pc.Capabilities {
			caps = append(caps, string(c))
		}
		rows = append(rows, providerRow{
			ID:             pc.ID,
			DisplayName:    pc.DisplayName,
			Capabilities:   caps,
			CostPerCallUSD: pc.CostPerCallUSD,
			PriorityTier:   pc.PriorityTier,
			Enabled:        pc.Enabled,
			Adapter:        pc.Adapter,
			Health:         env.Monitor.StatusOf(pc.ID).String(),
			SuccessRate:    env.Registry.SuccessRate(pc.ID),
			RemainingToday: env.Limiter.Remaining(pc.ID),
			MonthlyCalls:   env.Ledger.MonthlyCalls(pc.ID, month),
			MonthlyQuota:   pc.MonthlyQuota,
		})
	}
	return rows
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Show the provider catalog with live health and usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(providerStatus(env))
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
