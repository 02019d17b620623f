package stellar

import (
	"errors"
	"fmt"

	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
)

// ErrInvalidAddress is returned for strings that are not G... account IDs.
var ErrInvalidAddress = errors.New("stellar: invalid account address")

// GenerateKeypair creates a new random keypair.
func GenerateKeypair() (*keypair.Full, error) {
	kp, err := keypair.Random()
	if err != nil {
		return nil, fmt.Errorf("stellar: generate keypair: %w", err)
	}
	return kp, nil
}

// KeypairFromSecret parses an S... secret seed.
func KeypairFromSecret(secret string) (*keypair.Full, error) {
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return nil, fmt.Errorf("stellar: parse secret: %w", err)
	}
	return kp, nil
}

// ValidateAddress checks that addr is an ed25519 account ID.
func ValidateAddress(addr string) error {
	if !strkey.IsValidEd25519PublicKey(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}
