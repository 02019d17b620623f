package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// EncodePaymentHeader returns the X-PAYMENT header value for p.
func EncodePaymentHeader(p *PaymentPayload) (string, error) {
	return encodeHeader(p)
}

// DecodePaymentHeader parses an X-PAYMENT header value.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	var p PaymentPayload
	if err := decodeHeader(header, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodeSettleResponseHeader returns the X-PAYMENT-RESPONSE header value for s.
func EncodeSettleResponseHeader(s *SettleResponse) (string, error) {
	return encodeHeader(s)
}

// DecodeSettleResponseHeader parses an X-PAYMENT-RESPONSE header value.
func DecodeSettleResponseHeader(header string) (*SettleResponse, error) {
	var s SettleResponse
	if err := decodeHeader(header, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func encodeHeader(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("x402: encode header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeHeader(header string, v interface{}) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: empty", ErrMalformedHeader)
	}

	raw, err := decodeBase64(header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var firstErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
