package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// GatewayOptions configures a normalized-gateway provider.
type GatewayOptions struct {
	Name      string
	BaseURL   string
	APIKey    string
	KeyHeader string // defaults to Authorization: Bearer
	Timeout   time.Duration
}

// Gateway calls a provider through the normalized JSON contract. Each
// third-party service (CoreSignal, Hunter, Prospeo, Lusha, PDL, ZeroBounce)
// sits behind a translator that speaks this wire format; the translator owns
// the vendor's auth and payload schema.
type Gateway struct {
	opts GatewayOptions
	http *http.Client
}

// NewGateway creates a gateway-backed provider client.
func NewGateway(opts GatewayOptions) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Gateway{
		opts: opts,
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (g *Gateway) Name() string { return g.opts.Name }

// Call POSTs the normalized request to <base>/lookup and decodes the
// normalized response. HTTP-level failures are classified for the retry
// policy: 5xx/timeouts transient, 401/403/422 configuration.
func (g *Gateway) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "gateway: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.opts.BaseURL+"/lookup", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "gateway: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	g.authorize(httpReq)

	resp, err := g.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "gateway: %s call", g.opts.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &CallResponse{Status: model.CallRateLimited}, nil
	}
	if resilience.IsConfigHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewConfigError(
			eris.Errorf("gateway: %s returned HTTP %d", g.opts.Name, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("gateway: %s returned HTTP %d", g.opts.Name, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "gateway: read body"), 0)
	}

	var out CallResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrapf(err, "gateway: %s decode response", g.opts.Name)
	}
	if err := validateStatus(out.Status); err != nil {
		return nil, err
	}
	return &out, nil
}

// Probe issues a GET /healthz against the gateway.
func (g *Gateway) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.opts.BaseURL+"/healthz", nil)
	if err != nil {
		return eris.Wrap(err, "gateway: build probe")
	}
	g.authorize(req)

	resp, err := g.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "gateway: %s probe", g.opts.Name)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("gateway: %s probe returned HTTP %d", g.opts.Name, resp.StatusCode)
	}
	return nil
}

func (g *Gateway) authorize(req *http.Request) {
	if g.opts.APIKey == "" {
		return
	}
	if g.opts.KeyHeader != "" {
		req.Header.Set(g.opts.KeyHeader, g.opts.APIKey)
		return
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", g.opts.APIKey))
}

func validateStatus(s model.CallStatus) error {
	switch s {
	case model.CallSuccess, model.CallNotFound, model.CallRateLimited, model.CallError:
		return nil
	default:
		return eris.Errorf("gateway: unknown response status %q", s)
	}
}
