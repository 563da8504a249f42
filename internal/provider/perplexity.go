package provider

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/pkg/perplexity"
)

// Perplexity is a research provider backed by Perplexity's web-grounded
// chat completions.
type Perplexity struct {
	name        string
	client      perplexity.Client
	perQueryUSD float64
}

// NewPerplexity creates a Perplexity-backed research provider. perQueryUSD is
// the flat cost attributed per lookup.
func NewPerplexity(name string, client perplexity.Client, perQueryUSD float64) *Perplexity {
	return &Perplexity{name: name, client: client, perQueryUSD: perQueryUSD}
}

func (p *Perplexity) Name() string { return p.name }

func (p *Perplexity) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	temp := 0.0
	maxTokens := 1024
	resp, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: researchSystemPrompt},
			{Role: "user", Content: buildResearchPrompt(req)},
		},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return nil, classifyPerplexityErr(err)
	}
	if len(resp.Choices) == 0 {
		return &CallResponse{Status: model.CallNotFound, CostIncurredUSD: p.perQueryUSD}, nil
	}

	out, err := parseResearchAnswer(resp.Choices[0].Message.Content, req.FieldsRequested)
	if err != nil {
		return nil, err
	}
	out.CostIncurredUSD = p.perQueryUSD
	return out, nil
}

// Probe issues a minimal completion to confirm credentials and availability.
func (p *Perplexity) Probe(ctx context.Context) error {
	maxTokens := 1
	_, err := p.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Messages:  []perplexity.Message{{Role: "user", Content: "ping"}},
		MaxTokens: &maxTokens,
	})
	if err != nil {
		return eris.Wrap(err, "perplexity: probe")
	}
	return nil
}

func classifyPerplexityErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "HTTP 401"), strings.Contains(msg, "HTTP 403"):
		return resilience.NewConfigError(err)
	case strings.Contains(msg, "HTTP 429"):
		return resilience.NewTransientError(err, 429)
	case strings.Contains(msg, "HTTP 5"):
		return resilience.NewTransientError(err, 500)
	default:
		return err
	}
}
