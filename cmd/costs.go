package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/enrich-cli/internal/ledger"
)

var costsFingerprint string

type costReport struct {
	Day        string                  `json:"day"`
	Month      string                  `json:"month"`
	DailyUSD   float64                 `json:"daily_usd"`
	MonthlyUSD float64                 `json:"monthly_usd"`
	ByProvider map[string]providerCost `json:"by_provider"`
	Entries    []ledger.Entry          `json:"entries,omitempty"`
}

type providerCost struct {
	DailyUSD     float64 `json:"daily_usd"`
	MonthlyUSD   float64 `json:"monthly_usd"`
	MonthlyCalls int     `json:"monthly_calls"`
}

func costSummary(env *engineEnv) costReport {
	now := time.Now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	report := costReport{
		Day:        day,
		Month:      month,
		DailyUSD:   env.Ledger.WindowSpend("", day),
		MonthlyUSD: env.Ledger.WindowSpend("", month),
		ByProvider: make(map[string]providerCost),
	}
	for _, pc := range env.Registry.All() {
		report.ByProvider[pc.ID] = providerCost{
			DailyUSD:     env.Ledger.WindowSpend(pc.ID, day),
			MonthlyUSD:   env.Ledger.WindowSpend(pc.ID, month),
			MonthlyCalls: env.Ledger.MonthlyCalls(pc.ID, month),
		}
	}
	return report
}

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Show cost ledger summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report := costSummary(env)

		// The in-memory ledger starts empty per process; persisted entries
		// carry the history.
		entries, err := env.Store.ListLedgerEntries(ctx, costsFingerprint, 200)
		if err != nil {
			return err
		}
		report.Entries = entries

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	costsCmd.Flags().StringVar(&costsFingerprint, "fingerprint", "", "filter ledger entries by request fingerprint")
	rootCmd.AddCommand(costsCmd)
}
