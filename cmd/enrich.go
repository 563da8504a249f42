package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
)

var (
	enrichEntityID      string
	enrichFields        []string
	enrichSeeds         []string
	enrichMinConfidence float64
	enrichMaxCost       float64
	enrichMaxProviders  int
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run the enrichment waterfall for a single entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req, err := buildRequest()
		if err != nil {
			return err
		}

		result, err := env.Orchestrator.Enrich(ctx, req)
		if err != nil {
			return eris.Wrap(err, "enrich")
		}

		zap.L().Info("enrichment complete",
			zap.String("entity", req.TargetEntityID),
			zap.String("stop_reason", string(result.StopReason)),
			zap.Float64("total_cost_usd", result.TotalCostUSD),
			zap.Int("providers_tried", len(result.ProvidersTried)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func buildRequest() (model.EnrichmentRequest, error) {
	var req model.EnrichmentRequest
	req.TargetEntityID = enrichEntityID
	req.MinConfidence = enrichMinConfidence
	req.MaxCostUSD = enrichMaxCost
	req.MaxProviders = enrichMaxProviders

	for _, f := range enrichFields {
		kind, ok := model.ParseFieldKind(f)
		if !ok {
			return req, eris.Errorf("unknown field kind %q", f)
		}
		req.FieldsNeeded = append(req.FieldsNeeded, kind)
	}

	req.SeedAttributes = make(map[string]string, len(enrichSeeds))
	for _, kv := range enrichSeeds {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return req, eris.Errorf("invalid seed attribute %q, want key=value", kv)
		}
		req.SeedAttributes[k] = v
	}

	return req, nil
}

func init() {
	enrichCmd.Flags().StringVar(&enrichEntityID, "entity", "", "target entity ID (required)")
	enrichCmd.Flags().StringSliceVar(&enrichFields, "field", nil, "field to enrich (email, phone, employment, firmographics, verification); repeatable")
	enrichCmd.Flags().StringArrayVar(&enrichSeeds, "seed", nil, "seed attribute key=value (e.g. --seed domain=acme.com); repeatable")
	enrichCmd.Flags().Float64Var(&enrichMinConfidence, "min-confidence", 0, "confidence threshold 0-100 (default from waterfall config)")
	enrichCmd.Flags().Float64Var(&enrichMaxCost, "max-cost", 0, "per-request spend cap in USD (default from waterfall config)")
	enrichCmd.Flags().IntVar(&enrichMaxProviders, "max-providers", 0, "max distinct providers per request (default from waterfall config)")
	_ = enrichCmd.MarkFlagRequired("entity")
	_ = enrichCmd.MarkFlagRequired("field")
	rootCmd.AddCommand(enrichCmd)
}
