package provider

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/resilience"
)

// claudePricing holds input/output $/MTok for the models we run research on.
var claudePricing = map[string][2]float64{
	"claude-haiku-4-5-20251001":  {0.80, 4.00},
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
}

// Claude is a research provider backed by the Anthropic Messages API. It is
// slotted late in waterfall chains as an adjudicator when structured
// databases disagree or come up empty.
type Claude struct {
	name   string
	model  string
	client sdk.Client
}

// NewClaude creates a Claude-backed research provider.
func NewClaude(name, apiKey, modelID string) *Claude {
	return &Claude{
		name:   name,
		model:  modelID,
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (c *Claude) Name() string { return c.name }

func (c *Claude) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: 1024,
		System:    []sdk.TextBlockParam{{Text: researchSystemPrompt}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(buildResearchPrompt(req))),
		},
	})
	if err != nil {
		return nil, classifyAnthropicErr(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	resp, err := parseResearchAnswer(text, req.FieldsRequested)
	if err != nil {
		return nil, err
	}
	resp.CostIncurredUSD = c.estimateCost(msg.Usage.InputTokens, msg.Usage.OutputTokens)
	return resp, nil
}

// Probe issues a one-token message to confirm credentials and availability.
func (c *Claude) Probe(ctx context.Context) error {
	_, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: 1,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return eris.Wrap(err, "claude: probe")
	}
	return nil
}

func (c *Claude) estimateCost(input, output int64) float64 {
	pricing, ok := claudePricing[c.model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*pricing[0] + (float64(output)/1e6)*pricing[1]
}

func classifyAnthropicErr(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if resilience.IsConfigHTTPStatus(apiErr.StatusCode) {
			return resilience.NewConfigError(eris.Wrap(err, "claude: call"))
		}
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return resilience.NewTransientError(eris.Wrap(err, "claude: call"), apiErr.StatusCode)
		}
	}
	return eris.Wrap(err, "claude: call")
}
