// Package facilitator is an HTTP client for x402 facilitator services.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

// DefaultTimeout bounds each facilitator round trip.
const DefaultTimeout = 10 * time.Second

// Client calls a facilitator's /verify, /settle and /supported endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       AuthProvider
	log        zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the HTTP client timeout. The current client is copied,
// so a shared client passed to WithHTTPClient is left untouched.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
	}
}

// WithAuth attaches auth headers to every request.
func WithAuth(a AuthProvider) Option {
	return func(c *Client) { c.auth = a }
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a facilitator client for baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify asks the facilitator whether payload satisfies requirements.
func (c *Client) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	body := x402.VerifyRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}
	var out x402.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/verify", body, &out); err != nil {
		return nil, err
	}
	c.log.Debug().Bool("valid", out.IsValid).Str("reason", out.InvalidReason).Str("payer", out.Payer).Msg("facilitator verify")
	return &out, nil
}

// Settle asks the facilitator to submit the payment to the network.
func (c *Client) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	body := x402.SettleRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}
	var out x402.SettleResponse
	if err := c.do(ctx, http.MethodPost, "/settle", body, &out); err != nil {
		return nil, err
	}
	c.log.Debug().Bool("success", out.Success).Str("reason", out.ErrorReason).Str("tx", out.Transaction).Msg("facilitator settle")
	return &out, nil
}

// Supported lists the scheme/network pairs the facilitator handles.
func (c *Client) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	var out x402.SupportedResponse
	if err := c.do(ctx, http.MethodGet, "/supported", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one round trip. 2xx and 4xx responses are decoded into out;
// anything else is an error.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("facilitator: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("facilitator: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.auth != nil {
		u, _ := url.Parse(endpoint)
		headers, err := c.auth.Headers(ctx, method, u)
		if err != nil {
			return fmt.Errorf("facilitator: auth headers: %w", err)
		}
		for k, v := range headers {
			req.Header[k] = v
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator API error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("facilitator: read response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode < http.StatusOK {
		return fmt.Errorf("facilitator %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("facilitator %s returned %d with undecodable body: %w", path, resp.StatusCode, err)
	}
	return nil
}
