package stellar

import (
	"fmt"
	"strings"

	"github.com/stellar/go/amount"
	"github.com/stellar/go/txnbuild"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

// ParseAsset converts "native" or "CODE:ISSUER" into an SDK asset.
func ParseAsset(s string) (txnbuild.Asset, error) {
	if s == "" || s == x402.NativeAsset {
		return txnbuild.NativeAsset{}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || len(parts[0]) > 12 {
		return nil, fmt.Errorf("stellar: invalid asset %q, want native or CODE:ISSUER", s)
	}
	if err := ValidateAddress(parts[1]); err != nil {
		return nil, fmt.Errorf("stellar: invalid asset issuer: %w", err)
	}
	return txnbuild.CreditAsset{Code: parts[0], Issuer: parts[1]}, nil
}

// AssetString is the inverse of ParseAsset.
func AssetString(a txnbuild.Asset) string {
	if a == nil || a.IsNative() {
		return x402.NativeAsset
	}
	return a.GetCode() + ":" + a.GetIssuer()
}

// ToStroops converts a decimal amount ("1.5") to stroops.
func ToStroops(s string) (int64, error) {
	v, err := amount.ParseInt64(s)
	if err != nil {
		return 0, fmt.Errorf("stellar: invalid amount %q: %w", s, err)
	}
	return v, nil
}

// FromStroops formats stroops as a seven decimal amount string.
func FromStroops(v int64) string {
	return amount.StringFromInt64(v)
}
