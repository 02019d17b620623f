// Package stellar wraps the Stellar Go SDK for x402: network lookup, keys,
// assets, payment transactions, Horizon submission and the exact scheme.
package stellar

import (
	"fmt"
	"net/http"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/network"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

// NetworkConfig identifies a Stellar network and its public endpoints.
type NetworkConfig struct {
	Name         x402.NetworkType
	Passphrase   string
	HorizonURL   string
	FriendbotURL string
}

var networks = map[x402.NetworkType]NetworkConfig{
	x402.NetworkStellar: {
		Name:       x402.NetworkStellar,
		Passphrase: network.PublicNetworkPassphrase,
		HorizonURL: "https://horizon.stellar.org",
	},
	x402.NetworkStellarTestnet: {
		Name:         x402.NetworkStellarTestnet,
		Passphrase:   network.TestNetworkPassphrase,
		HorizonURL:   "https://horizon-testnet.stellar.org",
		FriendbotURL: "https://friendbot.stellar.org",
	},
}

// LookupNetwork returns the configuration of a known x402 network.
func LookupNetwork(name x402.NetworkType) (NetworkConfig, error) {
	cfg, ok := networks[name]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("stellar: unknown network %q", name)
	}
	return cfg, nil
}

// WithHorizonURL returns a copy of cfg pointing at a different Horizon.
func (cfg NetworkConfig) WithHorizonURL(url string) NetworkConfig {
	if url != "" {
		cfg.HorizonURL = url
	}
	return cfg
}

// NewHorizonClient returns a Horizon client for cfg.
func NewHorizonClient(cfg NetworkConfig) *horizonclient.Client {
	return &horizonclient.Client{
		HorizonURL: cfg.HorizonURL,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
	}
}
