package stellar

import (
	"context"
	"fmt"
	"strconv"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

// ExactSigner pays exact scheme requirements from a single Stellar account.
type ExactSigner struct {
	keypair *keypair.Full
	client  horizonclient.ClientInterface
	network NetworkConfig
}

// NewExactSigner creates a signer for kp on network.
func NewExactSigner(kp *keypair.Full, client horizonclient.ClientInterface, network NetworkConfig) *ExactSigner {
	return &ExactSigner{keypair: kp, client: client, network: network}
}

// Address returns the paying account.
func (s *ExactSigner) Address() string {
	return s.keypair.Address()
}

// Supports reports whether req is an exact payment on the signer's network
// in an asset it can express.
func (s *ExactSigner) Supports(req x402.PaymentRequirements) bool {
	if req.Scheme != x402.SchemeExact || req.Network != s.network.Name {
		return false
	}
	if _, err := ParseAsset(req.Asset); err != nil {
		return false
	}
	return ValidateAddress(req.PayTo) == nil
}

// CreatePayment builds, signs and encodes a payment of maxAmountRequired to payTo.
func (s *ExactSigner) CreatePayment(ctx context.Context, req x402.PaymentRequirements) (*x402.PaymentPayload, error) {
	asset, err := ParseAsset(req.Asset)
	if err != nil {
		return nil, err
	}
	units, err := strconv.ParseInt(req.MaxAmountRequired, 10, 64)
	if err != nil || units <= 0 {
		return nil, fmt.Errorf("stellar: invalid maxAmountRequired %q", req.MaxAmountRequired)
	}

	tx, err := BuildPaymentTransaction(s.client, PaymentParams{
		SourceAccount:  s.keypair.Address(),
		Destination:    req.PayTo,
		Amount:         FromStroops(units),
		Asset:          asset,
		TimeoutSeconds: int64(req.MaxTimeoutSeconds),
	})
	if err != nil {
		return nil, err
	}
	tx, err = SignTransaction(tx, s.network.Passphrase, s.keypair)
	if err != nil {
		return nil, err
	}
	b64, err := EncodeTransaction(tx)
	if err != nil {
		return nil, err
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     s.network.Name,
		Payload:     x402.StellarPayload{Transaction: b64},
	}, nil
}
