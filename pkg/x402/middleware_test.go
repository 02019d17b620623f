package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const testPayTo = "GBRPYHIL2CI3FNQ4BXLFMNDLFJUNPU2HY3ZMFSHONUCEOASW7QC7OX2H"

type fakeFacilitator struct {
	verify      *VerifyResponse
	verifyErr   error
	settle      *SettleResponse
	settleErr   error
	verifyCalls int
	settleCalls int
	lastReq     *PaymentRequirements
}

func (f *fakeFacilitator) Verify(ctx context.Context, p *PaymentPayload, r *PaymentRequirements) (*VerifyResponse, error) {
	f.verifyCalls++
	f.lastReq = r
	return f.verify, f.verifyErr
}

func (f *fakeFacilitator) Settle(ctx context.Context, p *PaymentPayload, r *PaymentRequirements) (*SettleResponse, error) {
	f.settleCalls++
	return f.settle, f.settleErr
}

func okFacilitator() *fakeFacilitator {
	return &fakeFacilitator{
		verify: &VerifyResponse{IsValid: true, Payer: "GPAYER"},
		settle: &SettleResponse{Success: true, Transaction: "abc123", Network: NetworkStellarTestnet, Payer: "GPAYER"},
	}
}

func TestMiddleware_NoPayment(t *testing.T) {
	f := okFacilitator()
	wrapped := Middleware(createTestHandler(), testConfig(f))

	req := httptest.NewRequest("GET", "/api/protected?x=1", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", resp.StatusCode)
	}

	var body PaymentRequiredResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if body.X402Version != X402Version {
		t.Errorf("Expected x402Version %d, got %d", X402Version, body.X402Version)
	}
	if body.Error != "X-PAYMENT header is required" {
		t.Errorf("Unexpected error message %q", body.Error)
	}
	if len(body.Accepts) != 1 {
		t.Fatalf("Expected 1 requirement, got %d", len(body.Accepts))
	}

	got := body.Accepts[0]
	if got.MaxAmountRequired != "1000000" {
		t.Errorf("Expected maxAmountRequired 1000000, got %s", got.MaxAmountRequired)
	}
	if got.Resource != "http://example.com/api/protected?x=1" {
		t.Errorf("Unexpected resource %s", got.Resource)
	}
	if got.PayTo != testPayTo {
		t.Errorf("Expected payTo %s, got %s", testPayTo, got.PayTo)
	}
	if f.verifyCalls != 0 {
		t.Error("Facilitator should not be called without a payment")
	}
}

func TestMiddleware_ExemptPath(t *testing.T) {
	wrapped := Middleware(createTestHandler(), testConfig(okFacilitator()))

	req := httptest.NewRequest("GET", "/public/resource", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for exempt path, got %d", w.Code)
	}
}

func TestMiddleware_MalformedHeader(t *testing.T) {
	f := okFacilitator()
	wrapped := Middleware(createTestHandler(), testConfig(f))

	req := httptest.NewRequest("GET", "/api/protected", nil)
	req.Header.Set(HeaderPayment, "!!!not-base64")
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
	if f.verifyCalls != 0 {
		t.Error("Facilitator should not be called for a malformed header")
	}
}

func TestMiddleware_WrongNetwork(t *testing.T) {
	f := okFacilitator()
	wrapped := Middleware(createTestHandler(), testConfig(f))

	req := httptest.NewRequest("GET", "/api/protected", nil)
	req.Header.Set(HeaderPayment, testPaymentHeader(t, NetworkStellar))
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	var body PaymentRequiredResponse
	_ = json.NewDecoder(w.Body).Decode(&body)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
	if body.Error != ReasonInvalidNetwork {
		t.Errorf("Expected error %s, got %s", ReasonInvalidNetwork, body.Error)
	}
}

func TestMiddleware_ValidPayment(t *testing.T) {
	f := okFacilitator()
	var seenPayer string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPayer, _ = PayerFromContext(r.Context())
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("Success"))
	})
	store := NewInMemoryMeteringStore(10)
	config := testConfig(f)
	config.Metering = store
	wrapped := Middleware(handler, config)

	req := httptest.NewRequest("GET", "/api/protected", nil)
	req.Header.Set(HeaderPayment, testPaymentHeader(t, NetworkStellarTestnet))
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 201, got %d. Body: %s", resp.StatusCode, string(body))
	}
	if resp.Header.Get("X-Backend") != "yes" {
		t.Error("Expected backend header to be forwarded")
	}
	if seenPayer != "GPAYER" {
		t.Errorf("Expected payer in context, got %q", seenPayer)
	}

	settlement, err := SettlementFromResponse(resp)
	if err != nil {
		t.Fatalf("Failed to decode settlement header: %v", err)
	}
	if settlement == nil || settlement.Transaction != "abc123" {
		t.Errorf("Unexpected settlement %+v", settlement)
	}
	if resp.Header.Get("Access-Control-Expose-Headers") != HeaderPaymentResponse {
		t.Error("Expected X-PAYMENT-RESPONSE to be exposed")
	}

	report, _ := store.GetMetrics(MetricsFilter{})
	if report.TotalPayments != 1 {
		t.Errorf("Expected 1 metered payment, got %d", report.TotalPayments)
	}
}

type failingMetering struct{}

func (failingMetering) RecordPayment(PaymentMetric) error { return errors.New("disk full") }

func (failingMetering) GetMetrics(MetricsFilter) (*MetricsReport, error) {
	return &MetricsReport{}, nil
}

func TestMiddleware_MeteringErrorLogged(t *testing.T) {
	var logs bytes.Buffer
	log := zerolog.New(&logs)
	config := testConfig(okFacilitator())
	config.Metering = failingMetering{}
	config.Logger = &log
	wrapped := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Success"))
	}), config)

	req := httptest.NewRequest("GET", "/api/protected", nil)
	req.Header.Set(HeaderPayment, testPaymentHeader(t, NetworkStellarTestnet))
	w := httptest.NewRecorder()
	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "Success" {
		t.Errorf("Expected the paid response despite the metering error, got %d %q", w.Code, w.Body.String())
	}
	if !strings.Contains(logs.String(), "record payment metric") || !strings.Contains(logs.String(), "disk full") {
		t.Errorf("Expected the metering error logged, got %s", logs.String())
	}
}

func TestMiddleware_VerifyRejected(t *testing.T) {
	f := okFacilitator()
	f.verify = &VerifyResponse{IsValid: false, InvalidReason: ReasonInsufficientFunds}
	wrapped := Middleware(createTestHandler(), testConfig(f))

	req := httptest.NewRequest("GET", "/api/protected", nil)
	req.Header.Set(HeaderPayment, testPaymentHeader(t, NetworkStellarTestnet))
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	var body PaymentRequiredResponse
	_ = json.NewDecoder(w.Body).Decode(&body)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
	if body.Error != ReasonInsufficientFunds {
		t.Errorf("Expected error %s, got %s", ReasonInsufficientFunds, body.Error)
	}
	if f.settleCalls != 0 {
		t.Error("Settle should not be called after a failed verification")
	}
}

func TestMiddleware_VerifyError(t *testing.T) {
	f := okFacilitator()
	f.verify = nil
	f.verifyErr = errors.New("connection refused")
	wrapped := Middleware(createTestHandler(), testConfig(f))

	req := httptest.NewRequest("GET", "/api/protected", nil)
	req.Header.Set(HeaderPayment, testPaymentHeader(t, NetworkStellarTestnet))
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	var body PaymentRequiredResponse
	_ = json.NewDecoder(w.Body).Decode(&body)

	if body.Error != ReasonUnexpectedVerifyError {
		t.Errorf("Expected error %s, got %s", ReasonUnexpectedVerifyError, body.Error)
	}
}

func TestMiddleware_HandlerErrorNotSettled(t *testing.T) {
	f := okFacilitator()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	wrapped := Middleware(handler, testConfig(f))

	req := httptest.NewRequest("GET", "/api/protected", nil)
	req.Header.Set(HeaderPayment, testPaymentHeader(t, NetworkStellarTestnet))
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if f.settleCalls != 0 {
		t.Error("Settle should not be called when the handler fails")
	}
	if w.Header().Get(HeaderPaymentResponse) != "" {
		t.Error("No settlement header expected")
	}
}

func TestMiddleware_SettleFailed(t *testing.T) {
	f := okFacilitator()
	f.settle = &SettleResponse{Success: false, ErrorReason: ReasonTransactionExpired}
	wrapped := Middleware(createTestHandler(), testConfig(f))

	req := httptest.NewRequest("GET", "/api/protected", nil)
	req.Header.Set(HeaderPayment, testPaymentHeader(t, NetworkStellarTestnet))
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	var body PaymentRequiredResponse
	_ = json.NewDecoder(w.Body).Decode(&body)

	if w.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", w.Code)
	}
	if body.Error != ReasonTransactionExpired {
		t.Errorf("Expected error %s, got %s", ReasonTransactionExpired, body.Error)
	}
}

func TestMiddleware_RoutePrice(t *testing.T) {
	f := okFacilitator()
	config := testConfig(f)
	config.Routes = []RoutePrice{{Pattern: "/api/premium/*", Price: "2.5", Description: "Premium"}}
	wrapped := Middleware(createTestHandler(), config)

	req := httptest.NewRequest("GET", "/api/premium/report", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	var body PaymentRequiredResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Accepts[0].MaxAmountRequired != "25000000" {
		t.Errorf("Expected route price 25000000, got %s", body.Accepts[0].MaxAmountRequired)
	}
	if body.Accepts[0].Description != "Premium" {
		t.Errorf("Expected route description, got %s", body.Accepts[0].Description)
	}
}

// Helper functions

func createTestHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Success"))
	})
}

func testConfig(f Facilitator) Config {
	return Config{
		RequirementsConfig: RequirementsConfig{
			PayTo:    testPayTo,
			Asset:    NativeAsset,
			Price:    "0.1",
			Networks: []NetworkType{NetworkStellarTestnet},
		},
		ExemptPaths: []string{"/public"},
		Facilitator: f,
	}
}

func testPaymentHeader(t *testing.T, network NetworkType) string {
	t.Helper()
	h, err := EncodePaymentHeader(&PaymentPayload{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     network,
		Payload:     StellarPayload{Transaction: "AAAA"},
	})
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	return h
}
