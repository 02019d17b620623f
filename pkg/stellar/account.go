package stellar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"
)

// ErrAccountNotFound is returned when Horizon has no record of an account.
var ErrAccountNotFound = errors.New("stellar: account not found")

// LoadAccount fetches an account, including its current sequence number.
func LoadAccount(client horizonclient.ClientInterface, addr string) (*horizon.Account, error) {
	acct, err := client.AccountDetail(horizonclient.AccountRequest{AccountID: addr})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
		}
		return nil, fmt.Errorf("stellar: load account %s: %w", addr, err)
	}
	return &acct, nil
}

// GetBalance returns the account's balance of asset as a decimal string.
// An account without a trustline for asset has a balance of "0".
func GetBalance(client horizonclient.ClientInterface, addr string, asset txnbuild.Asset) (string, error) {
	acct, err := LoadAccount(client, addr)
	if err != nil {
		return "", err
	}
	return balanceOf(acct, asset), nil
}

func balanceOf(acct *horizon.Account, asset txnbuild.Asset) string {
	for _, b := range acct.Balances {
		if asset.IsNative() {
			if b.Type == "native" {
				return b.Balance
			}
			continue
		}
		if b.Code == asset.GetCode() && b.Issuer == asset.GetIssuer() {
			return b.Balance
		}
	}
	return "0"
}

// FundTestnetAccount asks friendbot to create and fund addr.
func FundTestnetAccount(ctx context.Context, cfg NetworkConfig, addr string) error {
	if cfg.FriendbotURL == "" {
		return fmt.Errorf("stellar: network %s has no friendbot", cfg.Name)
	}
	if err := ValidateAddress(addr); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.FriendbotURL+"?addr="+url.QueryEscape(addr), nil)
	if err != nil {
		return fmt.Errorf("stellar: friendbot request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("stellar: friendbot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("stellar: friendbot returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
