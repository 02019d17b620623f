package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stellar/go/keypair"
)

// Escrow is a prepaid balance between a client and a server account.
// Amounts are stroops.
type Escrow struct {
	ID           uint64 `json:"id"`
	Client       string `json:"client"`
	Server       string `json:"server"`
	Balance      int64  `json:"balance"`
	ClientClosed bool   `json:"clientClosed"`
	ServerClosed bool   `json:"serverClosed"`
}

// EscrowPayment is a server's claim against an escrow.
type EscrowPayment struct {
	ID        uint64 `json:"id"`
	EscrowID  uint64 `json:"escrowId"`
	Amount    int64  `json:"amount"`
	Settled   bool   `json:"settled"`
	Timestamp int64  `json:"timestamp"`
}

// EscrowClose reports a close request. Remaining is set once both parties
// have closed.
type EscrowClose struct {
	EscrowID  uint64 `json:"escrowId"`
	Closed    bool   `json:"closed"`
	Remaining *int64 `json:"remaining,omitempty"`
}

// APIError is a non-success envelope returned by the facilitator.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("facilitator: %d: %s", e.Status, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// EscrowClient calls the escrow routes as the account kp.
type EscrowClient struct {
	c   *Client
	kp  *keypair.Full
	now func() time.Time
}

// Escrow returns an escrow client signing as kp.
func (c *Client) Escrow(kp *keypair.Full) *EscrowClient {
	return &EscrowClient{c: c, kp: kp, now: time.Now}
}

// Open creates an escrow with server funded by amount.
func (e *EscrowClient) Open(ctx context.Context, server string, amount int64) (*Escrow, error) {
	var out Escrow
	body := map[string]interface{}{"server": server, "amount": amount}
	if err := e.do(ctx, http.MethodPost, "/escrows", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get fetches an escrow.
func (e *EscrowClient) Get(ctx context.Context, id uint64) (*Escrow, error) {
	var out Escrow
	if err := e.do(ctx, http.MethodGet, "/escrows/"+strconv.FormatUint(id, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Find looks up the escrow for a client/server pair.
func (e *EscrowClient) Find(ctx context.Context, client, server string) (*Escrow, error) {
	q := url.Values{"client": {client}, "server": {server}}
	var out Escrow
	if err := e.do(ctx, http.MethodGet, "/escrows?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deposit tops up an escrow.
func (e *EscrowClient) Deposit(ctx context.Context, id uint64, amount int64) (*Escrow, error) {
	var out Escrow
	path := "/escrows/" + strconv.FormatUint(id, 10) + "/deposit"
	if err := e.do(ctx, http.MethodPost, path, map[string]int64{"amount": amount}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePayment records a pending payment against an escrow.
func (e *EscrowClient) CreatePayment(ctx context.Context, id uint64, amount int64) (*EscrowPayment, error) {
	var out EscrowPayment
	path := "/escrows/" + strconv.FormatUint(id, 10) + "/payments"
	if err := e.do(ctx, http.MethodPost, path, map[string]int64{"amount": amount}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SettlePayment settles a pending payment.
func (e *EscrowClient) SettlePayment(ctx context.Context, paymentID uint64) (*EscrowPayment, error) {
	var out EscrowPayment
	path := "/escrow-payments/" + strconv.FormatUint(paymentID, 10) + "/settle"
	if err := e.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Payment fetches a payment.
func (e *EscrowClient) Payment(ctx context.Context, paymentID uint64) (*EscrowPayment, error) {
	var out EscrowPayment
	if err := e.do(ctx, http.MethodGet, "/escrow-payments/"+strconv.FormatUint(paymentID, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Close records this account's consent to close an escrow.
func (e *EscrowClient) Close(ctx context.Context, id uint64) (*EscrowClose, error) {
	var out EscrowClose
	if err := e.do(ctx, http.MethodPost, "/escrows/"+strconv.FormatUint(id, 10)+"/close", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *EscrowClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("facilitator: encode request: %w", err)
		}
		body = b
	}

	endpoint := e.c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("facilitator: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := SignRequest(req, e.kp, body, e.now()); err != nil {
		return err
	}
	if e.c.auth != nil {
		headers, err := e.c.auth.Headers(ctx, method, req.URL)
		if err != nil {
			return fmt.Errorf("facilitator: auth headers: %w", err)
		}
		for k, v := range headers {
			req.Header[k] = v
		}
	}

	resp, err := e.c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator API error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("facilitator: read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if !env.Success {
		return &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("facilitator %s: decode data: %w", path, err)
	}
	return nil
}
