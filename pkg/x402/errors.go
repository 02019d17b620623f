package x402

import (
	"errors"
	"fmt"
)

// Invalid reason codes reported in VerifyResponse.InvalidReason and
// SettleResponse.ErrorReason.
const (
	ReasonInvalidVersion         = "invalid_x402_version"
	ReasonInvalidScheme          = "invalid_scheme"
	ReasonInvalidNetwork         = "invalid_network"
	ReasonInvalidPayload         = "invalid_payload"
	ReasonInvalidTransaction     = "invalid_transaction"
	ReasonInvalidDestination     = "invalid_destination"
	ReasonInvalidAsset           = "invalid_asset"
	ReasonInsufficientAmount     = "insufficient_amount"
	ReasonInvalidSignature       = "invalid_signature"
	ReasonTransactionExpired     = "transaction_expired"
	ReasonInsufficientFunds      = "insufficient_funds"
	ReasonTransactionAlreadyUsed = "transaction_already_used"
	ReasonPayerNotFound          = "payer_account_not_found"
	ReasonUnexpectedVerifyError  = "unexpected_verify_error"
	ReasonUnexpectedSettleError  = "unexpected_settle_error"
	ReasonTransactionFailed      = "transaction_failed"
	ReasonSettlementTimeout      = "settlement_timeout"
)

var (
	// ErrMalformedHeader is returned when a payment header cannot be decoded.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrNoSupportedRequirement is returned by Client when none of the
	// offered requirements can be paid by its signer.
	ErrNoSupportedRequirement = errors.New("x402: no supported payment requirement")

	// ErrAmountExceedsMax is returned by Client when the only payable
	// requirements ask for more than the configured maximum.
	ErrAmountExceedsMax = errors.New("x402: required amount exceeds client maximum")
)

// InvalidError is a payment rejection with a protocol reason code.
type InvalidError struct {
	Reason  string
	Message string
}

func (e *InvalidError) Error() string {
	if e.Message == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Invalid builds an InvalidError with a formatted message.
func Invalid(reason, format string, args ...interface{}) *InvalidError {
	return &InvalidError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf returns the reason code carried by err, or fallback when err is
// not an InvalidError.
func ReasonOf(err error, fallback string) string {
	var ie *InvalidError
	if errors.As(err, &ie) {
		return ie.Reason
	}
	return fallback
}
