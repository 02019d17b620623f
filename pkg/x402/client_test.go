package x402

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeSigner struct {
	network NetworkType
	calls   int
}

func (s *fakeSigner) Supports(r PaymentRequirements) bool {
	return r.Scheme == SchemeExact && r.Network == s.network
}

func (s *fakeSigner) CreatePayment(ctx context.Context, r PaymentRequirements) (*PaymentPayload, error) {
	s.calls++
	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      r.Scheme,
		Network:     r.Network,
		Payload:     StellarPayload{Transaction: "signed:" + r.MaxAmountRequired},
	}, nil
}

func paidServer(t *testing.T) *httptest.Server {
	t.Helper()
	f := okFacilitator()
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write([]byte("echo:" + string(body)))
	})
	return httptest.NewServer(Middleware(backend, testConfig(f)))
}

func TestClient_PaysOn402(t *testing.T) {
	srv := paidServer(t)
	defer srv.Close()

	signer := &fakeSigner{network: NetworkStellarTestnet}
	client := NewClient(signer, WithHTTPClient(srv.Client()))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/data", strings.NewReader("hello"))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "echo:hello" {
		t.Errorf("Expected request body to be replayed, got %q", body)
	}
	if signer.calls != 1 {
		t.Errorf("Expected 1 payment, got %d", signer.calls)
	}

	settlement, err := SettlementFromResponse(resp)
	if err != nil || settlement == nil {
		t.Fatalf("Expected settlement header, got %v %v", settlement, err)
	}
	if settlement.Transaction != "abc123" {
		t.Errorf("Unexpected transaction %s", settlement.Transaction)
	}
}

func TestClient_NoSupportedRequirement(t *testing.T) {
	srv := paidServer(t)
	defer srv.Close()

	client := NewClient(&fakeSigner{network: NetworkStellar}, WithHTTPClient(srv.Client()))

	_, err := client.Get(context.Background(), srv.URL+"/api/data")
	if !errors.Is(err, ErrNoSupportedRequirement) {
		t.Errorf("Expected ErrNoSupportedRequirement, got %v", err)
	}
}

func TestClient_MaxAmount(t *testing.T) {
	srv := paidServer(t)
	defer srv.Close()

	signer := &fakeSigner{network: NetworkStellarTestnet}
	client := NewClient(signer, WithHTTPClient(srv.Client()), WithMaxAmount("999999"))

	_, err := client.Get(context.Background(), srv.URL+"/api/data")
	if !errors.Is(err, ErrAmountExceedsMax) {
		t.Errorf("Expected ErrAmountExceedsMax, got %v", err)
	}
	if signer.calls != 0 {
		t.Error("Signer should not be called above the maximum")
	}
}

func TestClient_FreeResource(t *testing.T) {
	srv := paidServer(t)
	defer srv.Close()

	signer := &fakeSigner{network: NetworkStellarTestnet}
	client := NewClient(signer, WithHTTPClient(srv.Client()))

	resp, err := client.Get(context.Background(), srv.URL+"/public/info")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	resp.Body.Close()

	if signer.calls != 0 {
		t.Error("Exempt resource should not be paid for")
	}
	if s, _ := SettlementFromResponse(resp); s != nil {
		t.Error("Expected no settlement for a free resource")
	}
}
