package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// PaymentSigner produces payment payloads for requirements it understands.
type PaymentSigner interface {
	Supports(requirements PaymentRequirements) bool
	CreatePayment(ctx context.Context, requirements PaymentRequirements) (*PaymentPayload, error)
}

// Client is an HTTP client that pays for 402 responses automatically.
type Client struct {
	httpClient *http.Client
	signer     PaymentSigner
	maxAmount  string
	log        zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxAmount caps the base units the client will pay per request.
func WithMaxAmount(units string) ClientOption {
	return func(c *Client) { c.maxAmount = units }
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a paying client backed by signer.
func NewClient(signer PaymentSigner, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		signer:     signer,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req. When the server answers 402, Do pays with the first
// supported requirement and retries once with the X-PAYMENT header.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.GetBody == nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("x402: read request body: %w", err)
		}
		req.Body.Close()
		body = b
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	var required PaymentRequiredResponse
	err = json.NewDecoder(resp.Body).Decode(&required)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("x402: decode 402 body: %w", err)
	}

	requirements, err := c.choose(required.Accepts)
	if err != nil {
		return nil, err
	}

	payload, err := c.signer.CreatePayment(req.Context(), *requirements)
	if err != nil {
		return nil, fmt.Errorf("x402: create payment: %w", err)
	}
	header, err := EncodePaymentHeader(payload)
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		rb, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("x402: replay request body: %w", err)
		}
		retry.Body = rb
	}
	retry.Header.Set(HeaderPayment, header)

	c.log.Debug().
		Str("resource", requirements.Resource).
		Str("network", string(requirements.Network)).
		Str("amount", requirements.MaxAmountRequired).
		Msg("paying for resource")

	return c.httpClient.Do(retry)
}

// Get is a convenience wrapper around Do.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *Client) choose(accepts []PaymentRequirements) (*PaymentRequirements, error) {
	tooExpensive := false
	for i := range accepts {
		if !c.signer.Supports(accepts[i]) {
			continue
		}
		if c.maxAmount != "" {
			cmp, err := CompareBaseUnits(accepts[i].MaxAmountRequired, c.maxAmount)
			if err != nil || cmp > 0 {
				tooExpensive = true
				continue
			}
		}
		return &accepts[i], nil
	}
	if tooExpensive {
		return nil, ErrAmountExceedsMax
	}
	return nil, ErrNoSupportedRequirement
}

// SettlementFromResponse decodes the X-PAYMENT-RESPONSE header. It returns
// nil, nil when the response carries no settlement.
func SettlementFromResponse(resp *http.Response) (*SettleResponse, error) {
	header := resp.Header.Get(HeaderPaymentResponse)
	if header == "" {
		return nil, nil
	}
	return DecodeSettleResponseHeader(header)
}
