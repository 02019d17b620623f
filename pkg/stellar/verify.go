package stellar

import (
	"strconv"
	"time"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

// clockSkew is the tolerance, in seconds, applied to time bound checks.
const clockSkew = 30

// VerifyExactTransaction checks that tx pays requirements under the exact
// scheme and is signed by its source account. It returns the payer account.
// Rejections are *x402.InvalidError values.
func VerifyExactTransaction(tx *txnbuild.Transaction, req *x402.PaymentRequirements, passphrase string, now time.Time) (string, error) {
	ops := tx.Operations()
	if len(ops) != 1 {
		return "", x402.Invalid(x402.ReasonInvalidTransaction, "expected 1 operation, got %d", len(ops))
	}
	pay, ok := ops[0].(*txnbuild.Payment)
	if !ok {
		return "", x402.Invalid(x402.ReasonInvalidTransaction, "operation is not a payment")
	}

	payer := tx.SourceAccount().AccountID
	if pay.SourceAccount != "" && pay.SourceAccount != payer {
		return payer, x402.Invalid(x402.ReasonInvalidTransaction, "payment source differs from transaction source")
	}

	if pay.Destination != req.PayTo {
		return payer, x402.Invalid(x402.ReasonInvalidDestination, "pays %s, want %s", pay.Destination, req.PayTo)
	}

	wantAsset := req.Asset
	if wantAsset == "" {
		wantAsset = x402.NativeAsset
	}
	if got := AssetString(pay.Asset); got != wantAsset {
		return payer, x402.Invalid(x402.ReasonInvalidAsset, "pays %s, want %s", got, wantAsset)
	}

	paid, err := amount.ParseInt64(pay.Amount)
	if err != nil {
		return payer, x402.Invalid(x402.ReasonInvalidTransaction, "invalid amount %q", pay.Amount)
	}
	required, err := strconv.ParseInt(req.MaxAmountRequired, 10, 64)
	if err != nil {
		return payer, x402.Invalid(x402.ReasonInvalidPayload, "invalid maxAmountRequired %q", req.MaxAmountRequired)
	}
	if paid < required {
		return payer, x402.Invalid(x402.ReasonInsufficientAmount, "paid %d, need %d", paid, required)
	}

	if err := checkTimeBounds(tx.Timebounds(), req.MaxTimeoutSeconds, now.Unix()); err != nil {
		return payer, err
	}

	if err := checkSignature(tx, payer, passphrase); err != nil {
		return payer, err
	}

	return payer, nil
}

func checkTimeBounds(tb txnbuild.TimeBounds, maxTimeout int, now int64) error {
	if tb.MaxTime == 0 {
		return x402.Invalid(x402.ReasonInvalidTransaction, "transaction has no expiry")
	}
	if now > tb.MaxTime {
		return x402.Invalid(x402.ReasonTransactionExpired, "expired at %d", tb.MaxTime)
	}
	if tb.MinTime > now+clockSkew {
		return x402.Invalid(x402.ReasonInvalidTransaction, "not valid before %d", tb.MinTime)
	}
	if maxTimeout > 0 && tb.MaxTime > now+int64(maxTimeout)+clockSkew {
		return x402.Invalid(x402.ReasonInvalidTransaction, "expiry exceeds %d seconds", maxTimeout)
	}
	return nil
}

func checkSignature(tx *txnbuild.Transaction, payer, passphrase string) error {
	kp, err := keypair.ParseAddress(payer)
	if err != nil {
		return x402.Invalid(x402.ReasonInvalidTransaction, "invalid source account %s", payer)
	}
	hash, err := tx.Hash(passphrase)
	if err != nil {
		return x402.Invalid(x402.ReasonInvalidTransaction, "hash: %v", err)
	}
	for _, sig := range tx.Signatures() {
		if kp.Verify(hash[:], sig.Signature) == nil {
			return nil
		}
	}
	return x402.Invalid(x402.ReasonInvalidSignature, "no valid signature from %s", payer)
}
