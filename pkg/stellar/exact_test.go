package stellar

import (
	"context"
	"testing"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

func exactRequirements(payTo string) *x402.PaymentRequirements {
	return &x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           x402.NetworkStellarTestnet,
		MaxAmountRequired: "5000000",
		PayTo:             payTo,
		MaxTimeoutSeconds: 60,
		Asset:             x402.NativeAsset,
	}
}

func signedPayment(t *testing.T, payer *keypair.Full, signer *keypair.Full, p PaymentParams) *txnbuild.Transaction {
	t.Helper()
	tx, err := NewPaymentTransaction(&txnbuild.SimpleAccount{AccountID: payer.Address(), Sequence: 1}, p)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tx, err = SignTransaction(tx, network.TestNetworkPassphrase, signer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func TestVerifyExactTransaction(t *testing.T) {
	payer, payee, stranger := mustKeypair(t), mustKeypair(t), mustKeypair(t)
	req := exactRequirements(payee.Address())
	now := time.Now()

	tests := []struct {
		name   string
		signer *keypair.Full
		params PaymentParams
		at     time.Time
		reason string
	}{
		{
			name:   "valid",
			signer: payer,
			params: PaymentParams{Destination: payee.Address(), Amount: "0.5", TimeoutSeconds: 60},
		},
		{
			name:   "overpayment accepted",
			signer: payer,
			params: PaymentParams{Destination: payee.Address(), Amount: "1", TimeoutSeconds: 60},
		},
		{
			name:   "wrong destination",
			signer: payer,
			params: PaymentParams{Destination: stranger.Address(), Amount: "0.5", TimeoutSeconds: 60},
			reason: x402.ReasonInvalidDestination,
		},
		{
			name:   "underpayment",
			signer: payer,
			params: PaymentParams{Destination: payee.Address(), Amount: "0.4999999", TimeoutSeconds: 60},
			reason: x402.ReasonInsufficientAmount,
		},
		{
			name:   "wrong asset",
			signer: payer,
			params: PaymentParams{
				Destination:    payee.Address(),
				Amount:         "0.5",
				Asset:          txnbuild.CreditAsset{Code: "USDC", Issuer: usdcIssuer},
				TimeoutSeconds: 60,
			},
			reason: x402.ReasonInvalidAsset,
		},
		{
			name:   "not signed by payer",
			signer: stranger,
			params: PaymentParams{Destination: payee.Address(), Amount: "0.5", TimeoutSeconds: 60},
			reason: x402.ReasonInvalidSignature,
		},
		{
			name:   "expired",
			signer: payer,
			params: PaymentParams{Destination: payee.Address(), Amount: "0.5", TimeoutSeconds: 60},
			at:     now.Add(2 * time.Minute),
			reason: x402.ReasonTransactionExpired,
		},
		{
			name:   "expiry too far out",
			signer: payer,
			params: PaymentParams{Destination: payee.Address(), Amount: "0.5", TimeoutSeconds: 3600},
			reason: x402.ReasonInvalidTransaction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := signedPayment(t, payer, tt.signer, tt.params)
			at := tt.at
			if at.IsZero() {
				at = now
			}

			got, err := VerifyExactTransaction(tx, req, network.TestNetworkPassphrase, at)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("Expected valid payment, got %v", err)
				}
				if got != payer.Address() {
					t.Errorf("Expected payer %s, got %s", payer.Address(), got)
				}
				return
			}
			if reason := x402.ReasonOf(err, ""); reason != tt.reason {
				t.Errorf("Expected reason %s, got %v", tt.reason, err)
			}
		})
	}
}

func TestVerifyExactTransaction_WrongNetworkSignature(t *testing.T) {
	payer, payee := mustKeypair(t), mustKeypair(t)
	tx, _ := NewPaymentTransaction(&txnbuild.SimpleAccount{AccountID: payer.Address(), Sequence: 1}, PaymentParams{
		Destination:    payee.Address(),
		Amount:         "0.5",
		TimeoutSeconds: 60,
	})
	tx, _ = SignTransaction(tx, network.PublicNetworkPassphrase, payer)

	_, err := VerifyExactTransaction(tx, exactRequirements(payee.Address()), network.TestNetworkPassphrase, time.Now())
	if x402.ReasonOf(err, "") != x402.ReasonInvalidSignature {
		t.Errorf("Expected invalid signature, got %v", err)
	}
}

func TestExactSigner(t *testing.T) {
	payer, payee := mustKeypair(t), mustKeypair(t)
	cfg, _ := LookupNetwork(x402.NetworkStellarTestnet)

	client := &horizonclient.MockClient{}
	client.On("AccountDetail", horizonclient.AccountRequest{AccountID: payer.Address()}).
		Return(horizon.Account{AccountID: payer.Address(), Sequence: 41}, nil)

	signer := NewExactSigner(payer, client, cfg)
	req := exactRequirements(payee.Address())

	if !signer.Supports(*req) {
		t.Fatal("Expected signer to support testnet exact payment")
	}
	other := *req
	other.Network = x402.NetworkStellar
	if signer.Supports(other) {
		t.Error("Signer should not support another network")
	}

	payload, err := signer.CreatePayment(context.Background(), *req)
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if payload.Network != x402.NetworkStellarTestnet || payload.Scheme != x402.SchemeExact {
		t.Errorf("Unexpected payload %+v", payload)
	}

	tx, err := DecodeTransaction(payload.Payload.Transaction)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	payerAddr, err := VerifyExactTransaction(tx, req, cfg.Passphrase, time.Now())
	if err != nil {
		t.Fatalf("Signed payment should verify: %v", err)
	}
	if payerAddr != signer.Address() {
		t.Errorf("Expected payer %s, got %s", signer.Address(), payerAddr)
	}
	if tx.SourceAccount().Sequence != 42 {
		t.Errorf("Expected sequence 42, got %d", tx.SourceAccount().Sequence)
	}
}
