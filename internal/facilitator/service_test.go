package facilitator

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/support/render/problem"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/mock"

	"github.com/FrankiePower/stellar-x402/internal/events"
	"github.com/FrankiePower/stellar-x402/internal/ledger"
	"github.com/FrankiePower/stellar-x402/pkg/stellar"
	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

type fixture struct {
	payer   *keypair.Full
	payee   *keypair.Full
	horizon *horizonclient.MockClient
	ledger  *ledger.MemoryRepository
	events  *events.MemoryPublisher
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		payer:   keypair.MustRandom(),
		payee:   keypair.MustRandom(),
		horizon: &horizonclient.MockClient{},
		ledger:  ledger.NewMemoryRepository(),
		events:  &events.MemoryPublisher{},
	}
	svc, err := NewService(f.horizon, Options{
		Network:       x402.NetworkStellarTestnet,
		SettleTimeout: time.Second,
		Ledger:        f.ledger,
		Publisher:     f.events,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) requirements() *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkStellarTestnet,
		MaxAmountRequired: "1000000",
		Resource:          "https://api.example.com/weather",
		PayTo:             f.payee.Address(),
		MaxTimeoutSeconds: 60,
		Asset:             x402.NativeAsset,
	}
}

// payment returns a signed payload paying amount XLM and its hash.
func (f *fixture) payment(t *testing.T, amount string) (*x402.PaymentPayload, string) {
	t.Helper()
	tx, err := stellar.NewPaymentTransaction(&txnbuild.SimpleAccount{AccountID: f.payer.Address(), Sequence: 100}, stellar.PaymentParams{
		Destination:    f.payee.Address(),
		Amount:         amount,
		TimeoutSeconds: 60,
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tx, err = stellar.SignTransaction(tx, network.TestNetworkPassphrase, f.payer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	xdr, _ := stellar.EncodeTransaction(tx)
	hash, _ := stellar.TransactionHash(tx, network.TestNetworkPassphrase)

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     x402.NetworkStellarTestnet,
		Payload:     x402.StellarPayload{Transaction: xdr},
	}, hash
}

func (f *fixture) fundPayer(balance string) {
	f.horizon.On("AccountDetail", horizonclient.AccountRequest{AccountID: f.payer.Address()}).Return(horizon.Account{
		AccountID: f.payer.Address(),
		Balances:  []horizon.Balance{{Balance: balance, Asset: base.Asset{Type: "native"}}},
	}, nil)
}

func TestService_Supported(t *testing.T) {
	f := newFixture(t)
	kinds := f.svc.Supported().Kinds
	if len(kinds) != 1 || kinds[0].Scheme != x402.SchemeExact || kinds[0].Network != x402.NetworkStellarTestnet {
		t.Errorf("Unexpected kinds %+v", kinds)
	}
}

func TestService_Verify(t *testing.T) {
	f := newFixture(t)
	f.fundPayer("100.0000000")
	payload, _ := f.payment(t, "0.1")

	resp, err := f.svc.Verify(context.Background(), payload, f.requirements())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !resp.IsValid || resp.Payer != f.payer.Address() {
		t.Errorf("Expected valid payment from payer, got %+v", resp)
	}
}

func TestService_VerifyRejections(t *testing.T) {
	f := newFixture(t)
	f.fundPayer("100.0000000")
	good, _ := f.payment(t, "0.1")

	tests := []struct {
		name   string
		mutate func(p *x402.PaymentPayload, r *x402.PaymentRequirements)
		reason string
	}{
		{"bad version", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { p.X402Version = 2 }, x402.ReasonInvalidVersion},
		{"bad scheme", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { p.Scheme = "upto" }, x402.ReasonInvalidScheme},
		{"wrong network", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) {
			p.Network = x402.NetworkStellar
			r.Network = x402.NetworkStellar
		}, x402.ReasonInvalidNetwork},
		{"missing tx", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { p.Payload.Transaction = "" }, x402.ReasonInvalidPayload},
		{"garbage tx", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { p.Payload.Transaction = "AAAA" }, x402.ReasonInvalidPayload},
		{"underpaid", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { r.MaxAmountRequired = "2000000" }, x402.ReasonInsufficientAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := *good
			r := f.requirements()
			tt.mutate(&p, r)

			resp, _ := f.svc.Verify(context.Background(), &p, r)
			if resp.IsValid || resp.InvalidReason != tt.reason {
				t.Errorf("Expected %s, got %+v", tt.reason, resp)
			}
		})
	}

	resp, _ := f.svc.Verify(context.Background(), nil, nil)
	if resp.InvalidReason != x402.ReasonInvalidPayload {
		t.Errorf("Expected invalid_payload for nil input, got %s", resp.InvalidReason)
	}
}

func TestService_VerifyFunds(t *testing.T) {
	f := newFixture(t)
	f.fundPayer("0.0500000")
	payload, _ := f.payment(t, "0.1")

	resp, _ := f.svc.Verify(context.Background(), payload, f.requirements())
	if resp.InvalidReason != x402.ReasonInsufficientFunds {
		t.Errorf("Expected insufficient_funds, got %+v", resp)
	}

	exact := newFixture(t)
	exact.fundPayer("0.1000000")
	payload, _ = exact.payment(t, "0.1")
	if resp, _ := exact.svc.Verify(context.Background(), payload, exact.requirements()); !resp.IsValid {
		t.Errorf("Expected a balance equal to the price to suffice, got %+v", resp)
	}

	missing := newFixture(t)
	missing.horizon.On("AccountDetail", mock.Anything).Return(horizon.Account{}, &horizonclient.Error{
		Problem: problem.P{Type: "https://stellar.org/horizon-errors/not_found", Status: http.StatusNotFound},
	})
	payload, _ = missing.payment(t, "0.1")
	resp, _ = missing.svc.Verify(context.Background(), payload, missing.requirements())
	if resp.InvalidReason != x402.ReasonPayerNotFound {
		t.Errorf("Expected payer_account_not_found, got %+v", resp)
	}

	broken := newFixture(t)
	broken.horizon.On("AccountDetail", mock.Anything).Return(horizon.Account{}, errors.New("connection refused"))
	payload, _ = broken.payment(t, "0.1")
	resp, _ = broken.svc.Verify(context.Background(), payload, broken.requirements())
	if resp.InvalidReason != x402.ReasonUnexpectedVerifyError {
		t.Errorf("Expected unexpected_verify_error, got %+v", resp)
	}
}

func TestService_Settle(t *testing.T) {
	f := newFixture(t)
	f.fundPayer("100.0000000")
	payload, hash := f.payment(t, "0.1")
	f.horizon.On("SubmitTransactionWithOptions", mock.Anything, mock.Anything).
		Return(horizon.Transaction{Hash: hash, Ledger: 7, Successful: true}, nil).Once()

	resp, err := f.svc.Settle(context.Background(), payload, f.requirements())
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if !resp.Success || resp.Transaction != hash || resp.Payer != f.payer.Address() || resp.Network != x402.NetworkStellarTestnet {
		t.Fatalf("Unexpected settle response %+v", resp)
	}

	rec, err := f.ledger.Get(context.Background(), hash)
	if err != nil {
		t.Fatalf("Expected ledger record: %v", err)
	}
	if rec.Amount != "1000000" || rec.Ledger != 7 || rec.Payer != f.payer.Address() {
		t.Errorf("Unexpected record %+v", rec)
	}
	if types := f.events.Types(); len(types) != 1 || types[0] != events.TypePaymentSettled {
		t.Errorf("Expected payment.settled event, got %v", types)
	}

	// A retry returns the cached result without resubmitting.
	again, _ := f.svc.Settle(context.Background(), payload, f.requirements())
	if !again.Success || again.Transaction != hash {
		t.Errorf("Expected cached settlement, got %+v", again)
	}
	f.horizon.AssertNumberOfCalls(t, "SubmitTransactionWithOptions", 1)

	// Verification now sees the ledger entry.
	v, _ := f.svc.Verify(context.Background(), payload, f.requirements())
	if v.InvalidReason != x402.ReasonTransactionAlreadyUsed {
		t.Errorf("Expected transaction_already_used, got %+v", v)
	}
}

func TestService_SettleReuseForOtherRequirements(t *testing.T) {
	f := newFixture(t)
	f.fundPayer("100.0000000")
	payload, hash := f.payment(t, "0.1")
	f.horizon.On("SubmitTransactionWithOptions", mock.Anything, mock.Anything).
		Return(horizon.Transaction{Hash: hash, Ledger: 7, Successful: true}, nil).Once()

	if resp, _ := f.svc.Settle(context.Background(), payload, f.requirements()); !resp.Success {
		t.Fatalf("Expected first settlement to succeed, got %+v", resp)
	}

	// Same seller, different resource: the envelope is already spent.
	otherResource := f.requirements()
	otherResource.Resource = "https://api.example.com/forecast"
	resp, _ := f.svc.Settle(context.Background(), payload, otherResource)
	if resp.Success || resp.ErrorReason != x402.ReasonTransactionAlreadyUsed {
		t.Errorf("Expected transaction_already_used, got %+v", resp)
	}

	// Another seller asking for more never gets the cached success.
	otherSeller := f.requirements()
	otherSeller.PayTo = keypair.MustRandom().Address()
	otherSeller.MaxAmountRequired = "50000000"
	otherSeller.Resource = "https://other.example.com/report"
	resp, _ = f.svc.Settle(context.Background(), payload, otherSeller)
	if resp.Success || resp.Transaction != "" {
		t.Errorf("Expected rejection for different requirements, got %+v", resp)
	}

	f.horizon.AssertNumberOfCalls(t, "SubmitTransactionWithOptions", 1)
}

func TestService_SettleFailure(t *testing.T) {
	f := newFixture(t)
	f.fundPayer("100.0000000")
	payload, hash := f.payment(t, "0.1")
	f.horizon.On("SubmitTransactionWithOptions", mock.Anything, mock.Anything).
		Return(horizon.Transaction{}, &horizonclient.Error{Problem: problem.P{
			Type:   "https://stellar.org/horizon-errors/transaction_failed",
			Status: http.StatusBadRequest,
			Extras: map[string]interface{}{
				"result_codes": map[string]interface{}{
					"transaction": "tx_failed",
					"operations":  []interface{}{"op_underfunded"},
				},
			},
		}})

	resp, _ := f.svc.Settle(context.Background(), payload, f.requirements())
	if resp.Success || resp.ErrorReason != x402.ReasonTransactionFailed {
		t.Errorf("Expected transaction_failed, got %+v", resp)
	}
	if ok, _ := f.ledger.Exists(context.Background(), hash); ok {
		t.Error("Failed settlement must not be recorded")
	}

	// Failures are not cached, so the retry submits again.
	f.svc.Settle(context.Background(), payload, f.requirements())
	f.horizon.AssertNumberOfCalls(t, "SubmitTransactionWithOptions", 2)
}

func TestService_SettleInvalid(t *testing.T) {
	f := newFixture(t)
	f.fundPayer("100.0000000")
	payload, _ := f.payment(t, "0.05")

	resp, _ := f.svc.Settle(context.Background(), payload, f.requirements())
	if resp.Success || resp.ErrorReason != x402.ReasonInsufficientAmount {
		t.Errorf("Expected insufficient_amount, got %+v", resp)
	}
	f.horizon.AssertNotCalled(t, "SubmitTransactionWithOptions", mock.Anything, mock.Anything)
}

func TestNewService_UnknownNetwork(t *testing.T) {
	if _, err := NewService(&horizonclient.MockClient{}, Options{Network: "solana"}); err == nil {
		t.Error("Expected error for unknown network")
	}
}
