package stellar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"
)

var (
	// ErrConfirmationTimeout is returned when a transaction is not found
	// on the ledger before the wait deadline.
	ErrConfirmationTimeout = errors.New("stellar: transaction confirmation timed out")

	// ErrTransactionFailed is returned for transactions the network rejected,
	// either at submission (Horizon result codes) or in a ledger.
	ErrTransactionFailed = errors.New("stellar: transaction failed")
)

// pollInterval is the delay between confirmation lookups.
var pollInterval = time.Second

// SubmitTransaction submits a signed transaction to Horizon.
func SubmitTransaction(client horizonclient.ClientInterface, tx *txnbuild.Transaction) (*horizon.Transaction, error) {
	resp, err := client.SubmitTransactionWithOptions(tx, horizonclient.SubmitTxOpts{SkipMemoRequiredCheck: true})
	if err != nil {
		return nil, describeSubmitError(err)
	}
	return submitted(resp)
}

func submitted(resp horizon.Transaction) (*horizon.Transaction, error) {
	if !resp.Successful {
		return &resp, fmt.Errorf("%w: %s", ErrTransactionFailed, resp.Hash)
	}
	return &resp, nil
}

// WaitForTransaction polls Horizon once per second until the transaction
// is found or timeout elapses.
func WaitForTransaction(ctx context.Context, client horizonclient.ClientInterface, hash string, timeout time.Duration) (*horizon.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		tx, err := client.TransactionDetail(hash)
		if err == nil {
			if !tx.Successful {
				return &tx, fmt.Errorf("%w: %s", ErrTransactionFailed, hash)
			}
			return &tx, nil
		}
		if !horizonclient.IsNotFoundError(err) {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %s: last error: %v", ErrConfirmationTimeout, hash, lastErr)
			}
			return nil, fmt.Errorf("%w: %s", ErrConfirmationTimeout, hash)
		case <-ticker.C:
		}
	}
}

// SubmitAndWait submits tx and, when Horizon times out waiting for ledger
// inclusion, keeps polling until timeout.
func SubmitAndWait(ctx context.Context, client horizonclient.ClientInterface, tx *txnbuild.Transaction, passphrase string, timeout time.Duration) (*horizon.Transaction, error) {
	hash, err := TransactionHash(tx, passphrase)
	if err != nil {
		return nil, err
	}

	resp, err := client.SubmitTransactionWithOptions(tx, horizonclient.SubmitTxOpts{SkipMemoRequiredCheck: true})
	if err != nil {
		if isSubmitTimeout(err) {
			return WaitForTransaction(ctx, client, hash, timeout)
		}
		return nil, describeSubmitError(err)
	}
	return submitted(resp)
}

func isSubmitTimeout(err error) bool {
	hErr := horizonclient.GetError(err)
	return hErr != nil && hErr.Problem.Status == http.StatusGatewayTimeout
}

// describeSubmitError adds Horizon result codes to submission errors. A
// response carrying a transaction result code is a network rejection and
// wraps ErrTransactionFailed.
func describeSubmitError(err error) error {
	hErr := horizonclient.GetError(err)
	if hErr == nil {
		return fmt.Errorf("stellar: submit transaction: %w", err)
	}
	codes, cerr := hErr.ResultCodes()
	if cerr != nil || codes == nil || codes.TransactionCode == "" {
		return fmt.Errorf("stellar: submit transaction: %w", err)
	}
	return fmt.Errorf("%w: %s [%s]: %w", ErrTransactionFailed,
		codes.TransactionCode, strings.Join(codes.OperationCodes, ","), err)
}
