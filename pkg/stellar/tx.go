package stellar

import (
	"fmt"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
)

// DefaultTimeoutSeconds bounds payment transactions built without a timeout.
const DefaultTimeoutSeconds = 300

// PaymentParams describes a single payment operation transaction.
type PaymentParams struct {
	SourceAccount  string
	Destination    string
	Amount         string // decimal, e.g. "0.5"
	Asset          txnbuild.Asset
	TimeoutSeconds int64
	Memo           string
}

// BuildPaymentTransaction loads the source account and builds an unsigned
// transaction with one payment operation.
func BuildPaymentTransaction(client horizonclient.ClientInterface, p PaymentParams) (*txnbuild.Transaction, error) {
	source, err := LoadAccount(client, p.SourceAccount)
	if err != nil {
		return nil, err
	}
	return NewPaymentTransaction(source, p)
}

// NewPaymentTransaction builds a payment transaction for an already loaded
// source account. The account's sequence number is incremented.
func NewPaymentTransaction(source txnbuild.Account, p PaymentParams) (*txnbuild.Transaction, error) {
	if err := ValidateAddress(p.Destination); err != nil {
		return nil, err
	}
	asset := p.Asset
	if asset == nil {
		asset = txnbuild.NativeAsset{}
	}
	timeout := p.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}

	var memo txnbuild.Memo
	if p.Memo != "" {
		memo = txnbuild.MemoText(p.Memo)
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        source,
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{&txnbuild.Payment{
			Destination: p.Destination,
			Amount:      p.Amount,
			Asset:       asset,
		}},
		BaseFee: txnbuild.MinBaseFee,
		Memo:    memo,
		Preconditions: txnbuild.Preconditions{
			TimeBounds: txnbuild.NewTimeout(timeout),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("stellar: build payment: %w", err)
	}
	return tx, nil
}

// SignTransaction signs tx for the network identified by passphrase.
func SignTransaction(tx *txnbuild.Transaction, passphrase string, signers ...*keypair.Full) (*txnbuild.Transaction, error) {
	signed, err := tx.Sign(passphrase, signers...)
	if err != nil {
		return nil, fmt.Errorf("stellar: sign transaction: %w", err)
	}
	return signed, nil
}

// EncodeTransaction returns the base64 XDR envelope of tx.
func EncodeTransaction(tx *txnbuild.Transaction) (string, error) {
	b64, err := tx.Base64()
	if err != nil {
		return "", fmt.Errorf("stellar: encode transaction: %w", err)
	}
	return b64, nil
}

// DecodeTransaction parses a base64 XDR envelope. Fee bump envelopes are rejected.
func DecodeTransaction(b64 string) (*txnbuild.Transaction, error) {
	generic, err := txnbuild.TransactionFromXDR(b64)
	if err != nil {
		return nil, fmt.Errorf("stellar: decode transaction: %w", err)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return nil, fmt.Errorf("stellar: fee bump transactions are not supported")
	}
	return tx, nil
}

// TransactionHash returns the hex hash of tx on the network identified by passphrase.
func TransactionHash(tx *txnbuild.Transaction, passphrase string) (string, error) {
	hash, err := tx.HashHex(passphrase)
	if err != nil {
		return "", fmt.Errorf("stellar: hash transaction: %w", err)
	}
	return hash, nil
}
