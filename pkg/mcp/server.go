// Package mcp provides a Model Context Protocol server for x402 payments.
// It lets AI agents discover, pay for and call x402-protected APIs with a
// Stellar wallet, within a spending budget.
//
// Usage:
//
//	signer := stellar.NewExactSigner(kp, horizon, network)
//	server := mcp.NewServer(mcp.ServerConfig{
//	    Signer:        signer,
//	    Network:       x402.NetworkStellarTestnet,
//	    DefaultBudget: 1_000_000, // 0.1 XLM
//	})
//	server.ListenStdio(ctx) // For CLI usage
//	// or
//	server.ListenHTTP(ctx, ":8080") // For HTTP transport
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

// ============================================================================
// MCP PROTOCOL TYPES
// Based on https://modelcontextprotocol.io/docs/specification
// ============================================================================

// JSONRPCRequest is a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id,omitempty"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MCP error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ProtocolVersion is the MCP revision the server speaks.
const ProtocolVersion = "2024-11-05"

// Tool represents an MCP tool definition
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema defines the tool's input parameters
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single input property
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// ToolResult is the result of a tool call
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a piece of content in a tool result
type ContentBlock struct {
	Type string `json:"type"` // "text", "image", "resource"
	Text string `json:"text,omitempty"`
}

// ============================================================================
// X402 MCP SERVER
// ============================================================================

// ServerConfig configures the MCP server
type ServerConfig struct {
	// Signer pays for 402 challenges; calls fail without one
	Signer x402.PaymentSigner

	// Network is reported to agents; payments follow the signer
	Network x402.NetworkType

	// Asset and AssetDecimals are used to display budget amounts
	Asset         string
	AssetDecimals int32

	// DefaultBudget is the budget created without an explicit amount, in base units
	DefaultBudget int64

	// HTTPClient makes the outgoing requests
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// Server is the MCP server for x402 payments
type Server struct {
	config  ServerConfig
	log     zerolog.Logger
	mu      sync.RWMutex
	budgets map[string]*Budget // sessionID -> budget
	cache   map[string]*APIDiscoveryCache
	now     func() time.Time
}

// Budget tracks spending for a session. Amounts are in base units.
type Budget struct {
	SessionID    string
	Total        int64
	Spent        int64
	Remaining    int64
	CreatedAt    time.Time
	LastUsedAt   time.Time
	Transactions []Transaction
}

// Transaction records a payment
type Transaction struct {
	Timestamp time.Time
	API       string
	Amount    int64
	Network   x402.NetworkType
	TxHash    string
	Success   bool
	Reason    string
}

// APIDiscoveryCache caches the payment requirements of a URL
type APIDiscoveryCache struct {
	URL       string
	Accepts   []x402.PaymentRequirements
	CachedAt  time.Time
	ExpiresAt time.Time
}

const (
	discoveryTTL   = 5 * time.Minute
	maxResultBytes = 64 << 10
	defaultSession = "default"
)

// NewServer creates a new MCP server
func NewServer(config ServerConfig) *Server {
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if config.Asset == "" {
		config.Asset = x402.NativeAsset
	}
	if config.AssetDecimals == 0 {
		config.AssetDecimals = x402.DefaultDecimals
	}
	if config.Network == "" {
		config.Network = x402.NetworkStellarTestnet
	}
	if config.DefaultBudget == 0 {
		config.DefaultBudget = 1_000_000 // 0.1 XLM
	}

	return &Server{
		config:  config,
		log:     config.Logger,
		budgets: make(map[string]*Budget),
		cache:   make(map[string]*APIDiscoveryCache),
		now:     time.Now,
	}
}

// GetTools returns the list of available tools
func (s *Server) GetTools() []Tool {
	return []Tool{
		{
			Name:        "x402_discover",
			Description: "Discover the x402 payment requirements of a URL: accepted networks, asset, price and recipient. Use this before calling a paid API to understand pricing.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"url": {
						Type:        "string",
						Description: "URL of the resource to discover (e.g., https://api.example.com/premium)",
					},
				},
				Required: []string{"url"},
			},
		},
		{
			Name:        "x402_call",
			Description: "Call a paid API endpoint with automatic x402 payment on Stellar. The payment is deducted from your spending budget.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"url": {
						Type:        "string",
						Description: "Full URL of the API endpoint to call",
					},
					"method": {
						Type:        "string",
						Description: "HTTP method",
						Enum:        []string{"GET", "POST", "PUT", "DELETE", "PATCH"},
						Default:     "GET",
					},
					"headers": {
						Type:        "object",
						Description: "Additional headers to send (optional)",
					},
					"body": {
						Type:        "string",
						Description: "Request body for POST/PUT/PATCH requests (optional)",
					},
					"max_cost": {
						Type:        "number",
						Description: "Maximum cost willing to pay for this call, in base units (stroops)",
					},
				},
				Required: []string{"url"},
			},
		},
		{
			Name:        "x402_budget",
			Description: "Manage your x402 spending budget. Create, check, or top up your pre-authorized budget.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"action": {
						Type:        "string",
						Description: "Action to perform",
						Enum:        []string{"create", "status", "topup", "close"},
					},
					"amount": {
						Type:        "number",
						Description: "Amount for create/topup actions, in base units (stroops)",
					},
				},
				Required: []string{"action"},
			},
		},
		{
			Name:        "x402_estimate",
			Description: "Estimate the cost of an API call before making it. Useful for budget planning.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"url": {
						Type:        "string",
						Description: "Full URL of the API endpoint",
					},
					"method": {
						Type:        "string",
						Description: "HTTP method",
						Default:     "GET",
					},
				},
				Required: []string{"url"},
			},
		},
		{
			Name:        "x402_history",
			Description: "View your x402 payment history and spending.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"limit": {
						Type:        "number",
						Description: "Maximum number of transactions to return",
						Default:     10,
					},
				},
			},
		},
	}
}

// CallTool handles a tool call
func (s *Server) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	switch name {
	case "x402_discover":
		return s.handleDiscover(ctx, args)
	case "x402_call":
		return s.handleCall(ctx, args)
	case "x402_budget":
		return s.handleBudget(ctx, args)
	case "x402_estimate":
		return s.handleEstimate(ctx, args)
	case "x402_history":
		return s.handleHistory(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// ============================================================================
// TOOL IMPLEMENTATIONS
// ============================================================================

func (s *Server) handleDiscover(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	url, ok := args["url"].(string)
	if !ok || url == "" {
		return errorResult("url is required"), nil
	}

	s.mu.RLock()
	cached, ok := s.cache[url]
	s.mu.RUnlock()
	if ok && s.now().Before(cached.ExpiresAt) {
		return s.formatDiscoveryResult(cached), nil
	}

	accepts, status, err := s.probe(ctx, http.MethodGet, url)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if accepts == nil {
		return textResult(fmt.Sprintf("Resource at %s does not require payment (status: %d)", url, status)), nil
	}

	now := s.now()
	entry := &APIDiscoveryCache{
		URL:       url,
		Accepts:   accepts,
		CachedAt:  now,
		ExpiresAt: now.Add(discoveryTTL),
	}
	s.mu.Lock()
	s.cache[url] = entry
	s.mu.Unlock()

	return s.formatDiscoveryResult(entry), nil
}

// probe sends an unpaid request. It returns the 402 requirements, or nil
// with the status code when the resource is free.
func (s *Server) probe(ctx context.Context, method, url string) ([]x402.PaymentRequirements, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid URL: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to connect: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, resp.StatusCode, nil
	}

	var required x402.PaymentRequiredResponse
	if err := json.NewDecoder(resp.Body).Decode(&required); err != nil {
		return nil, resp.StatusCode, errors.New("resource returned 402 but the body is not x402 compliant")
	}
	if len(required.Accepts) == 0 {
		return nil, resp.StatusCode, errors.New("resource returned 402 but no payment options are available")
	}
	return required.Accepts, resp.StatusCode, nil
}

// recordingSigner remembers the requirements it paid for.
type recordingSigner struct {
	x402.PaymentSigner
	paid *x402.PaymentRequirements
}

func (r *recordingSigner) CreatePayment(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	payload, err := r.PaymentSigner.CreatePayment(ctx, req)
	if err == nil {
		r.paid = &req
	}
	return payload, err
}

func (s *Server) handleCall(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return errorResult("url is required"), nil
	}
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	s.mu.RLock()
	budget := s.budgets[defaultSession]
	var remaining int64
	if budget != nil {
		remaining = budget.Remaining
	}
	s.mu.RUnlock()

	if budget == nil {
		return errorResult("No budget set. Use x402_budget to create a spending budget first."), nil
	}
	if s.config.Signer == nil {
		return errorResult("No wallet configured. Set STELLAR_SECRET to enable payments."), nil
	}

	limit := remaining
	if mc, ok := args["max_cost"].(float64); ok && mc > 0 && int64(mc) < limit {
		limit = int64(mc)
	}
	if limit <= 0 {
		return errorResult("Budget exhausted. Use x402_budget to top up."), nil
	}

	var body io.Reader
	if b, ok := args["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errorResult(fmt.Sprintf("Invalid URL: %v", err)), nil
	}
	if headers, ok := args["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if sv, ok := v.(string); ok {
				req.Header.Set(k, sv)
			}
		}
	}

	signer := &recordingSigner{PaymentSigner: s.config.Signer}
	client := x402.NewClient(signer,
		x402.WithHTTPClient(s.config.HTTPClient),
		x402.WithMaxAmount(strconv.FormatInt(limit, 10)),
		x402.WithLogger(s.log),
	)

	resp, err := client.Do(req)
	switch {
	case errors.Is(err, x402.ErrAmountExceedsMax):
		return errorResult(fmt.Sprintf(
			"Cost exceeds the allowed %s. Increase max_cost or use x402_budget to top up.",
			s.formatAmount(limit),
		)), nil
	case errors.Is(err, x402.ErrNoSupportedRequirement):
		return errorResult("No payment option matches this wallet's network and asset."), nil
	case err != nil:
		return errorResult(fmt.Sprintf("Request failed: %v", err)), nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))

	if signer.paid == nil {
		return textResult(fmt.Sprintf("Response (Status %d):\n\n%s", resp.StatusCode, string(respBody))), nil
	}

	cost, _ := strconv.ParseInt(signer.paid.MaxAmountRequired, 10, 64)
	settlement, err := x402.SettlementFromResponse(resp)
	if err != nil {
		s.log.Warn().Err(err).Str("url", url).Msg("undecodable settlement header")
	}

	tx := Transaction{
		Timestamp: s.now(),
		API:       url,
		Amount:    cost,
		Network:   signer.paid.Network,
	}
	if settlement != nil && settlement.Success {
		tx.Success = true
		tx.TxHash = settlement.Transaction
	} else {
		tx.Reason = paymentFailureReason(resp, respBody)
	}

	s.mu.Lock()
	if b := s.budgets[defaultSession]; b != nil {
		if tx.Success {
			b.Spent += cost
			b.Remaining -= cost
		}
		b.LastUsedAt = tx.Timestamp
		b.Transactions = append(b.Transactions, tx)
		remaining = b.Remaining
	}
	s.mu.Unlock()

	if !tx.Success {
		s.log.Warn().Str("url", url).Str("reason", tx.Reason).Msg("payment not settled")
		return errorResult(fmt.Sprintf("Payment was not settled (status %d): %s", resp.StatusCode, tx.Reason)), nil
	}

	s.log.Info().
		Str("url", url).
		Int64("amount", cost).
		Str("tx", tx.TxHash).
		Msg("paid for resource")

	var b strings.Builder
	b.WriteString("# Payment Settled\n\n")
	fmt.Fprintf(&b, "- **Amount**: %s\n", s.formatAmount(cost))
	fmt.Fprintf(&b, "- **Network**: %s\n", tx.Network)
	fmt.Fprintf(&b, "- **Transaction**: %s\n", tx.TxHash)
	fmt.Fprintf(&b, "- **Remaining Budget**: %s\n", s.formatAmount(remaining))
	fmt.Fprintf(&b, "\n---\n\nResponse (Status %d):\n\n%s", resp.StatusCode, string(respBody))

	return textResult(b.String()), nil
}

// paymentFailureReason extracts the error of a 402 retry, or describes the status.
func paymentFailureReason(resp *http.Response, body []byte) string {
	if resp.StatusCode == http.StatusPaymentRequired {
		var required x402.PaymentRequiredResponse
		if json.Unmarshal(body, &required) == nil && required.Error != "" {
			return required.Error
		}
	}
	return fmt.Sprintf("no settlement in response (%s)", resp.Status)
}

func (s *Server) handleBudget(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	action, _ := args["action"].(string)
	now := s.now()

	switch action {
	case "create":
		amount := s.config.DefaultBudget
		if a, ok := args["amount"].(float64); ok {
			amount = int64(a)
		}
		if amount <= 0 {
			return errorResult("amount must be positive"), nil
		}

		s.mu.Lock()
		s.budgets[defaultSession] = &Budget{
			SessionID:  defaultSession,
			Total:      amount,
			Remaining:  amount,
			CreatedAt:  now,
			LastUsedAt: now,
		}
		s.mu.Unlock()

		return textResult(fmt.Sprintf(
			"✅ Budget created!\n\n- **Total**: %s\n- **Available**: %s\n\nYou can now use `x402_call` to make paid API requests.",
			s.formatAmount(amount), s.formatAmount(amount),
		)), nil

	case "status":
		s.mu.RLock()
		defer s.mu.RUnlock()
		budget := s.budgets[defaultSession]
		if budget == nil {
			return textResult("No budget set. Use `x402_budget` with action `create` to set up a spending budget."), nil
		}

		return textResult(fmt.Sprintf(
			"# Budget Status\n\n- **Total**: %s\n- **Spent**: %s\n- **Remaining**: %s\n- **Transactions**: %d\n- **Created**: %s",
			s.formatAmount(budget.Total),
			s.formatAmount(budget.Spent),
			s.formatAmount(budget.Remaining),
			len(budget.Transactions),
			budget.CreatedAt.Format(time.RFC3339),
		)), nil

	case "topup":
		amount := int64(0)
		if a, ok := args["amount"].(float64); ok {
			amount = int64(a)
		}
		if amount <= 0 {
			return errorResult("amount is required for topup"), nil
		}

		s.mu.Lock()
		budget := s.budgets[defaultSession]
		if budget == nil {
			budget = &Budget{SessionID: defaultSession, CreatedAt: now}
			s.budgets[defaultSession] = budget
		}
		budget.Total += amount
		budget.Remaining += amount
		budget.LastUsedAt = now
		total, remaining := budget.Total, budget.Remaining
		s.mu.Unlock()

		return textResult(fmt.Sprintf(
			"✅ Budget topped up!\n\n- **Added**: %s\n- **New Total**: %s\n- **Available**: %s",
			s.formatAmount(amount), s.formatAmount(total), s.formatAmount(remaining),
		)), nil

	case "close":
		s.mu.Lock()
		budget := s.budgets[defaultSession]
		delete(s.budgets, defaultSession)
		s.mu.Unlock()

		if budget == nil {
			return textResult("No budget to close."), nil
		}

		return textResult(fmt.Sprintf(
			"✅ Budget closed!\n\n- **Total Spent**: %s\n- **Unused**: %s\n- **Transactions**: %d",
			s.formatAmount(budget.Spent),
			s.formatAmount(budget.Remaining),
			len(budget.Transactions),
		)), nil

	default:
		return errorResult("Invalid action. Use: create, status, topup, or close"), nil
	}
}

func (s *Server) handleEstimate(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return errorResult("url is required"), nil
	}
	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	accepts, status, err := s.probe(ctx, strings.ToUpper(method), url)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if accepts == nil {
		return textResult(fmt.Sprintf("This endpoint does not require payment (status: %d)", status)), nil
	}

	accept := accepts[0]
	if s.config.Signer != nil {
		for i := range accepts {
			if s.config.Signer.Supports(accepts[i]) {
				accept = accepts[i]
				break
			}
		}
	}

	cost, _ := x402.FromBaseUnits(accept.MaxAmountRequired, s.config.AssetDecimals)
	return textResult(fmt.Sprintf(
		"# Cost Estimate\n\n- **URL**: %s\n- **Cost**: %s %s (%s base units)\n- **Network**: %s\n- **Description**: %s",
		url, cost, x402.AssetCode(accept.Asset), accept.MaxAmountRequired, accept.Network, accept.Description,
	)), nil
}

func (s *Server) handleHistory(ctx context.Context, args map[string]interface{}) (*ToolResult, error) {
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	budget := s.budgets[defaultSession]
	if budget == nil || len(budget.Transactions) == 0 {
		return textResult("No transaction history."), nil
	}

	var b strings.Builder
	b.WriteString("# Transaction History\n\n")
	b.WriteString("| Time | API | Amount | Transaction | Status |\n")
	b.WriteString("|------|-----|--------|-------------|--------|\n")

	start := len(budget.Transactions) - limit
	if start < 0 {
		start = 0
	}

	for i := len(budget.Transactions) - 1; i >= start; i-- {
		tx := budget.Transactions[i]
		status := "✅"
		if !tx.Success {
			status = "❌ " + tx.Reason
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			tx.Timestamp.Format("15:04:05"),
			truncate(tx.API, 30),
			s.formatAmount(tx.Amount),
			truncate(tx.TxHash, 12),
			status,
		)
	}

	fmt.Fprintf(&b, "\n**Total Spent**: %s", s.formatAmount(budget.Spent))

	return textResult(b.String()), nil
}

// ============================================================================
// TRANSPORT: STDIO (for CLI usage)
// ============================================================================

// ListenStdio starts the server on stdin/stdout (standard MCP transport)
func (s *Server) ListenStdio(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve reads newline-delimited JSON-RPC requests from r and writes
// responses to w until r is exhausted.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	encoder := json.NewEncoder(w)

	for {
		line, err := reader.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			var req JSONRPCRequest
			if jerr := json.Unmarshal(line, &req); jerr != nil {
				s.sendError(encoder, nil, ParseError, "Parse error")
			} else {
				s.handleRequest(ctx, encoder, &req)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// ============================================================================
// TRANSPORT: HTTP (for web usage)
// ============================================================================

// Handler returns the HTTP transport, served at /mcp.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = json.NewEncoder(w).Encode(JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &JSONRPCError{Code: ParseError, Message: "Parse error"},
			})
			return
		}

		if !s.handleRequest(r.Context(), json.NewEncoder(w), &req) {
			w.WriteHeader(http.StatusAccepted)
		}
	})
	return mux
}

// ListenHTTP serves the HTTP transport on addr until ctx is done.
func (s *Server) ListenHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// REQUEST HANDLING
// ============================================================================

// handleRequest dispatches req and reports whether a response was written.
// Notifications get no response.
func (s *Server) handleRequest(ctx context.Context, encoder *json.Encoder, req *JSONRPCRequest) bool {
	if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
		return false
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(encoder, req)
	case "ping":
		s.sendResult(encoder, req.ID, map[string]interface{}{})
	case "tools/list":
		s.handleToolsList(encoder, req)
	case "tools/call":
		s.handleToolsCall(ctx, encoder, req)
	default:
		s.sendError(encoder, req.ID, MethodNotFound, "Method not found")
	}
	return true
}

func (s *Server) handleInitialize(encoder *json.Encoder, req *JSONRPCRequest) {
	result := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"serverInfo": map[string]string{
			"name":    "stellar-x402-mcp",
			"version": "1.0.0",
		},
		"capabilities": map[string]interface{}{
			"tools": map[string]bool{},
		},
	}
	s.sendResult(encoder, req.ID, result)
}

func (s *Server) handleToolsList(encoder *json.Encoder, req *JSONRPCRequest) {
	result := map[string]interface{}{
		"tools": s.GetTools(),
	}
	s.sendResult(encoder, req.ID, result)
}

func (s *Server) handleToolsCall(ctx context.Context, encoder *json.Encoder, req *JSONRPCRequest) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(encoder, req.ID, InvalidParams, "Invalid params")
		return
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	result, err := s.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		s.sendError(encoder, req.ID, InvalidParams, err.Error())
		return
	}

	s.sendResult(encoder, req.ID, result)
}

func (s *Server) sendResult(encoder *json.Encoder, id interface{}, result interface{}) {
	_ = encoder.Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(encoder *json.Encoder, id interface{}, code int, message string) {
	_ = encoder.Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) formatDiscoveryResult(cache *APIDiscoveryCache) *ToolResult {
	var b strings.Builder
	fmt.Fprintf(&b, "# API Discovery: %s\n\n", cache.URL)
	b.WriteString("This resource uses the **x402 payment protocol**.\n\n")
	b.WriteString("## Payment Options:\n")

	for i, accept := range cache.Accepts {
		amount, err := x402.FromBaseUnits(accept.MaxAmountRequired, s.config.AssetDecimals)
		if err != nil {
			amount = accept.MaxAmountRequired
		}
		fmt.Fprintf(&b, "\n### Option %d\n", i+1)
		fmt.Fprintf(&b, "- **Scheme**: %s\n", accept.Scheme)
		fmt.Fprintf(&b, "- **Network**: %s\n", accept.Network)
		fmt.Fprintf(&b, "- **Amount**: %s %s\n", amount, x402.AssetCode(accept.Asset))
		fmt.Fprintf(&b, "- **Pay To**: %s\n", accept.PayTo)
		fmt.Fprintf(&b, "- **Description**: %s\n", accept.Description)
	}

	b.WriteString("\n\nUse `x402_call` to make a paid request to this resource.")
	return textResult(b.String())
}

func (s *Server) formatAmount(units int64) string {
	amount, err := x402.FromBaseUnits(strconv.FormatInt(units, 10), s.config.AssetDecimals)
	if err != nil {
		amount = strconv.FormatInt(units, 10)
	}
	return amount + " " + x402.AssetCode(s.config.Asset)
}

func textResult(text string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(message string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: "❌ Error: " + message}},
		IsError: true,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
