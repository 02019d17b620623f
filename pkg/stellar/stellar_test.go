package stellar

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/support/render/problem"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/mock"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

const usdcIssuer = "GBBD47IF6LWK7P7MDEVSCWR7DPUWV3NY3DTQEVFL4NAT4AQH3ZLLFLA5"

func notFound() error {
	return &horizonclient.Error{Problem: problem.P{
		Type:   "https://stellar.org/horizon-errors/not_found",
		Status: http.StatusNotFound,
	}}
}

// rejected builds the 400 Horizon returns for a transaction the network
// refused.
func rejected(txCode string, opCodes ...interface{}) error {
	return &horizonclient.Error{Problem: problem.P{
		Type:   "https://stellar.org/horizon-errors/transaction_failed",
		Title:  "Transaction Failed",
		Status: http.StatusBadRequest,
		Extras: map[string]interface{}{
			"result_codes": map[string]interface{}{
				"transaction": txCode,
				"operations":  opCodes,
			},
		},
	}}
}

func mustKeypair(t *testing.T) *keypair.Full {
	t.Helper()
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func TestLookupNetwork(t *testing.T) {
	cfg, err := LookupNetwork(x402.NetworkStellarTestnet)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if cfg.Passphrase != network.TestNetworkPassphrase {
		t.Errorf("Unexpected passphrase %q", cfg.Passphrase)
	}
	if cfg.FriendbotURL == "" {
		t.Error("Expected testnet friendbot")
	}

	pub, _ := LookupNetwork(x402.NetworkStellar)
	if pub.Passphrase != network.PublicNetworkPassphrase {
		t.Errorf("Unexpected passphrase %q", pub.Passphrase)
	}
	if pub.WithHorizonURL("http://localhost:8000").HorizonURL != "http://localhost:8000" {
		t.Error("Expected Horizon URL override")
	}

	if _, err := LookupNetwork("eip155:1"); err == nil {
		t.Error("Expected error for unknown network")
	}
}

func TestKeys(t *testing.T) {
	kp := mustKeypair(t)

	parsed, err := KeypairFromSecret(kp.Seed())
	if err != nil {
		t.Fatalf("parse secret: %v", err)
	}
	if parsed.Address() != kp.Address() {
		t.Errorf("Expected %s, got %s", kp.Address(), parsed.Address())
	}
	if err := ValidateAddress(kp.Address()); err != nil {
		t.Errorf("Expected valid address: %v", err)
	}
	if err := ValidateAddress("GNOTANADDRESS"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}
	if _, err := KeypairFromSecret(kp.Address()); err == nil {
		t.Error("Expected error parsing an address as a secret")
	}
}

func TestParseAsset(t *testing.T) {
	native, err := ParseAsset("native")
	if err != nil || !native.IsNative() {
		t.Fatalf("Expected native asset, got %v %v", native, err)
	}

	usdc, err := ParseAsset("USDC:" + usdcIssuer)
	if err != nil {
		t.Fatalf("parse credit asset: %v", err)
	}
	if usdc.GetCode() != "USDC" || usdc.GetIssuer() != usdcIssuer {
		t.Errorf("Unexpected asset %+v", usdc)
	}
	if AssetString(usdc) != "USDC:"+usdcIssuer {
		t.Errorf("Unexpected asset string %s", AssetString(usdc))
	}
	if AssetString(txnbuild.NativeAsset{}) != "native" {
		t.Error("Expected native asset string")
	}

	for _, bad := range []string{"USDC", "USDC:bad", ":" + usdcIssuer, "TOOLONGASSETCODE:" + usdcIssuer} {
		if _, err := ParseAsset(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestStroops(t *testing.T) {
	v, err := ToStroops("1.5")
	if err != nil || v != 15000000 {
		t.Errorf("Expected 15000000, got %d %v", v, err)
	}
	if FromStroops(1) != "0.0000001" {
		t.Errorf("Unexpected %s", FromStroops(1))
	}
	if _, err := ToStroops("x"); err == nil {
		t.Error("Expected error for invalid amount")
	}
}

func TestGetBalance(t *testing.T) {
	kp := mustKeypair(t)
	client := &horizonclient.MockClient{}
	client.On("AccountDetail", horizonclient.AccountRequest{AccountID: kp.Address()}).Return(horizon.Account{
		AccountID: kp.Address(),
		Balances: []horizon.Balance{
			{Balance: "100.0000000", Asset: base.Asset{Type: "native"}},
			{Balance: "12.5000000", Asset: base.Asset{Type: "credit_alphanum4", Code: "USDC", Issuer: usdcIssuer}},
		},
	}, nil)

	got, err := GetBalance(client, kp.Address(), txnbuild.NativeAsset{})
	if err != nil || got != "100.0000000" {
		t.Errorf("Expected native balance, got %s %v", got, err)
	}

	got, _ = GetBalance(client, kp.Address(), txnbuild.CreditAsset{Code: "USDC", Issuer: usdcIssuer})
	if got != "12.5000000" {
		t.Errorf("Expected USDC balance, got %s", got)
	}

	got, _ = GetBalance(client, kp.Address(), txnbuild.CreditAsset{Code: "EURC", Issuer: usdcIssuer})
	if got != "0" {
		t.Errorf("Expected zero balance without trustline, got %s", got)
	}
}

func TestLoadAccount_NotFound(t *testing.T) {
	client := &horizonclient.MockClient{}
	client.On("AccountDetail", mock.Anything).Return(horizon.Account{}, notFound())

	_, err := LoadAccount(client, "GMISSING")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	payer, payee := mustKeypair(t), mustKeypair(t)
	source := &txnbuild.SimpleAccount{AccountID: payer.Address(), Sequence: 100}

	tx, err := NewPaymentTransaction(source, PaymentParams{
		Destination:    payee.Address(),
		Amount:         "0.5",
		TimeoutSeconds: 60,
		Memo:           "x402",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tx, err = SignTransaction(tx, network.TestNetworkPassphrase, payer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	b64, err := EncodeTransaction(tx)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeTransaction(b64)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	h1, _ := TransactionHash(tx, network.TestNetworkPassphrase)
	h2, _ := TransactionHash(decoded, network.TestNetworkPassphrase)
	if h1 != h2 {
		t.Errorf("Hash changed across encoding: %s vs %s", h1, h2)
	}
	if decoded.SourceAccount().Sequence != 101 {
		t.Errorf("Expected sequence 101, got %d", decoded.SourceAccount().Sequence)
	}

	if _, err := DecodeTransaction("not-xdr"); err == nil {
		t.Error("Expected decode error")
	}
}

func TestWaitForTransaction(t *testing.T) {
	defer func(d time.Duration) { pollInterval = d }(pollInterval)
	pollInterval = 10 * time.Millisecond

	client := &horizonclient.MockClient{}
	client.On("TransactionDetail", "abc").Return(horizon.Transaction{}, notFound()).Twice()
	client.On("TransactionDetail", "abc").Return(horizon.Transaction{Hash: "abc", Successful: true, Ledger: 7}, nil).Once()

	tx, err := WaitForTransaction(context.Background(), client, "abc", time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if tx.Ledger != 7 {
		t.Errorf("Expected ledger 7, got %d", tx.Ledger)
	}
	client.AssertNumberOfCalls(t, "TransactionDetail", 3)
}

func TestWaitForTransaction_Timeout(t *testing.T) {
	defer func(d time.Duration) { pollInterval = d }(pollInterval)
	pollInterval = 10 * time.Millisecond

	client := &horizonclient.MockClient{}
	client.On("TransactionDetail", "abc").Return(horizon.Transaction{}, notFound())

	_, err := WaitForTransaction(context.Background(), client, "abc", 50*time.Millisecond)
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Errorf("Expected ErrConfirmationTimeout, got %v", err)
	}
}

func TestSubmitAndWait(t *testing.T) {
	payer, payee := mustKeypair(t), mustKeypair(t)
	tx, _ := NewPaymentTransaction(&txnbuild.SimpleAccount{AccountID: payer.Address(), Sequence: 1}, PaymentParams{
		Destination: payee.Address(),
		Amount:      "1",
	})
	tx, _ = SignTransaction(tx, network.TestNetworkPassphrase, payer)

	client := &horizonclient.MockClient{}
	client.On("SubmitTransactionWithOptions", tx, mock.Anything).Return(horizon.Transaction{Hash: "h1", Successful: true}, nil)

	resp, err := SubmitAndWait(context.Background(), client, tx, network.TestNetworkPassphrase, time.Second)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.Hash != "h1" {
		t.Errorf("Expected hash h1, got %s", resp.Hash)
	}

	failing := &horizonclient.MockClient{}
	failing.On("SubmitTransactionWithOptions", tx, mock.Anything).Return(horizon.Transaction{Hash: "h2", Successful: false}, nil)
	if _, err := SubmitTransaction(failing, tx); !errors.Is(err, ErrTransactionFailed) {
		t.Errorf("Expected ErrTransactionFailed, got %v", err)
	}
}

func TestSubmitAndWait_Rejected(t *testing.T) {
	payer, payee := mustKeypair(t), mustKeypair(t)
	tx, _ := NewPaymentTransaction(&txnbuild.SimpleAccount{AccountID: payer.Address(), Sequence: 1}, PaymentParams{
		Destination: payee.Address(),
		Amount:      "1",
	})
	tx, _ = SignTransaction(tx, network.TestNetworkPassphrase, payer)

	for _, code := range []string{"tx_failed", "tx_bad_seq", "tx_insufficient_balance"} {
		t.Run(code, func(t *testing.T) {
			client := &horizonclient.MockClient{}
			client.On("SubmitTransactionWithOptions", tx, mock.Anything).
				Return(horizon.Transaction{}, rejected(code, "op_underfunded"))

			_, err := SubmitAndWait(context.Background(), client, tx, network.TestNetworkPassphrase, time.Second)
			if !errors.Is(err, ErrTransactionFailed) {
				t.Fatalf("Expected ErrTransactionFailed, got %v", err)
			}
			if !strings.Contains(err.Error(), code) || !strings.Contains(err.Error(), "op_underfunded") {
				t.Errorf("Expected result codes in %q", err)
			}
		})
	}

	// A 400 without result codes is not a network verdict.
	malformed := &horizonclient.MockClient{}
	malformed.On("SubmitTransactionWithOptions", tx, mock.Anything).Return(horizon.Transaction{}, &horizonclient.Error{
		Problem: problem.P{Type: "https://stellar.org/horizon-errors/bad_request", Status: http.StatusBadRequest},
	})
	if _, err := SubmitTransaction(malformed, tx); err == nil || errors.Is(err, ErrTransactionFailed) {
		t.Errorf("Expected a plain submit error, got %v", err)
	}
}
