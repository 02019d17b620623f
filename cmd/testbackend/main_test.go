package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/txnbuild"

	"github.com/FrankiePower/stellar-x402/pkg/stellar"
	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

func testRouter() http.Handler {
	now := time.Unix(1700000000, 0)
	return newRouter(zerolog.Nop(), func() time.Time { return now })
}

func get(t *testing.T, h http.Handler, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s: %v", req.URL.Path, err)
	}
	return w.Code, body
}

func TestRouter_Public(t *testing.T) {
	code, body := get(t, testRouter(), httptest.NewRequest(http.MethodGet, "/api/public", nil))
	if code != http.StatusOK || body["timestamp"] != "2023-11-14T22:13:20Z" {
		t.Errorf("Unexpected response %d %v", code, body)
	}
}

func TestRouter_DataReportsPayment(t *testing.T) {
	payer, payee := keypair.MustRandom(), keypair.MustRandom()
	tx, err := stellar.NewPaymentTransaction(&txnbuild.SimpleAccount{AccountID: payer.Address(), Sequence: 1}, stellar.PaymentParams{
		Destination: payee.Address(),
		Amount:      "0.01",
	})
	if err != nil {
		t.Fatal(err)
	}
	tx, _ = stellar.SignTransaction(tx, network.TestNetworkPassphrase, payer)
	xdr, _ := stellar.EncodeTransaction(tx)
	hash, _ := stellar.TransactionHash(tx, network.TestNetworkPassphrase)
	header, _ := x402.EncodePaymentHeader(&x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkStellarTestnet,
		Payload:     x402.StellarPayload{Transaction: xdr},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/data", nil)
	req.Header.Set(x402.HeaderPayment, header)
	req.Header.Set(headerPayer, payer.Address())

	code, body := get(t, testRouter(), req)
	if code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	payment, _ := body["payment"].(map[string]interface{})
	if payment["payer"] != payer.Address() || payment["transaction"] != hash || payment["network"] != string(x402.NetworkStellarTestnet) {
		t.Errorf("Unexpected payment %v", payment)
	}
}

func TestRouter_UnpaidAndMalformed(t *testing.T) {
	_, body := get(t, testRouter(), httptest.NewRequest(http.MethodGet, "/api/data", nil))
	if body["payment"] != nil {
		t.Errorf("Expected no payment, got %v", body["payment"])
	}

	req := httptest.NewRequest(http.MethodGet, "/api/echo", nil)
	req.Header.Set(x402.HeaderPayment, "!!!")
	_, body = get(t, testRouter(), req)
	payment, _ := body["payment"].(map[string]interface{})
	if payment["error"] == nil || payment["error"] == "" {
		t.Errorf("Expected a decode error, got %v", payment)
	}
}

func TestRouter_PremiumFailure(t *testing.T) {
	code, body := get(t, testRouter(), httptest.NewRequest(http.MethodGet, "/api/premium?fail=1", nil))
	if code != http.StatusInternalServerError || body["error"] != "simulated failure" {
		t.Errorf("Expected simulated 500, got %d %v", code, body)
	}
	if code, _ := get(t, testRouter(), httptest.NewRequest(http.MethodGet, "/api/premium", nil)); code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
}
