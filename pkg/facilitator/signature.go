package facilitator

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stellar/go/keypair"
)

// Headers carrying a Stellar account signature over an escrow request.
const (
	HeaderAccount   = "X-Stellar-Account"
	HeaderTimestamp = "X-Stellar-Timestamp"
	HeaderNonce     = "X-Stellar-Nonce"
	HeaderSignature = "X-Stellar-Signature"
)

// maxNonceLen bounds the nonce header.
const maxNonceLen = 128

// MaxSignatureAge is how far a signed request's timestamp may drift.
const MaxSignatureAge = 5 * time.Minute

// ErrInvalidSignature is returned by VerifyRequestSignature.
var ErrInvalidSignature = errors.New("facilitator: invalid account signature")

// SigningPayload is the message signed for a request: method, request URI,
// unix timestamp, nonce and the hex SHA-256 of the body, newline separated.
func SigningPayload(method, requestURI string, ts int64, nonce string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(method + " " + requestURI + "\n" + strconv.FormatInt(ts, 10) + "\n" + nonce + "\n" + hex.EncodeToString(sum[:]))
}

// SignedRequest is what VerifyRequestSignature proved about a request.
type SignedRequest struct {
	Account string
	Nonce   string
}

// ReplayKey identifies the request for replay detection.
func (s SignedRequest) ReplayKey() string { return s.Account + ":" + s.Nonce }

// SignRequest signs req with kp under a fresh nonce. body must be the exact
// request body.
func SignRequest(req *http.Request, kp *keypair.Full, body []byte, now time.Time) error {
	ts := now.Unix()
	nonce := uuid.NewString()
	sig, err := kp.Sign(SigningPayload(req.Method, req.URL.RequestURI(), ts, nonce, body))
	if err != nil {
		return fmt.Errorf("facilitator: sign request: %w", err)
	}
	req.Header.Set(HeaderAccount, kp.Address())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	return nil
}

// VerifyRequestSignature checks the account signature headers on r. It does
// not track nonces: callers must refuse a ReplayKey seen within
// 2*MaxSignatureAge.
func VerifyRequestSignature(r *http.Request, body []byte, now time.Time) (SignedRequest, error) {
	account := r.Header.Get(HeaderAccount)
	if account == "" {
		return SignedRequest{}, fmt.Errorf("%w: missing %s", ErrInvalidSignature, HeaderAccount)
	}
	kp, err := keypair.ParseAddress(account)
	if err != nil {
		return SignedRequest{}, fmt.Errorf("%w: bad account %q", ErrInvalidSignature, account)
	}

	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return SignedRequest{}, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if age := now.Sub(time.Unix(ts, 0)); age > MaxSignatureAge || age < -MaxSignatureAge {
		return SignedRequest{}, fmt.Errorf("%w: timestamp outside window", ErrInvalidSignature)
	}

	nonce := r.Header.Get(HeaderNonce)
	if nonce == "" || len(nonce) > maxNonceLen {
		return SignedRequest{}, fmt.Errorf("%w: missing or oversized %s", ErrInvalidSignature, HeaderNonce)
	}

	sig, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderSignature))
	if err != nil {
		return SignedRequest{}, fmt.Errorf("%w: bad signature encoding", ErrInvalidSignature)
	}
	if err := kp.Verify(SigningPayload(r.Method, r.URL.RequestURI(), ts, nonce, body), sig); err != nil {
		return SignedRequest{}, ErrInvalidSignature
	}
	return SignedRequest{Account: account, Nonce: nonce}, nil
}
