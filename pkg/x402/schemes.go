package x402

import (
	"fmt"
	"strings"
	"sync"
)

// SchemeType represents the type of payment scheme
type SchemeType string

const (
	// SchemeExact transfers exactly the required amount in a single payment operation.
	SchemeExact SchemeType = "exact"
)

// NetworkType represents the payment network
type NetworkType string

const (
	NetworkStellar        NetworkType = "stellar"
	NetworkStellarTestnet NetworkType = "stellar-testnet"

	// NetworkStellarWildcard matches every Stellar network.
	NetworkStellarWildcard NetworkType = "stellar*"
)

// NativeAsset is the asset string for lumens.
const NativeAsset = "native"

// PaymentScheme defines a payment mechanism
type PaymentScheme interface {
	// Type returns the scheme type identifier
	Type() SchemeType

	// SupportedNetworks returns the networks this scheme supports
	SupportedNetworks() []NetworkType
}

// SchemeRegistry manages registered payment schemes
type SchemeRegistry struct {
	mu      sync.RWMutex
	schemes map[SchemeType]PaymentScheme
}

// NewSchemeRegistry creates a new scheme registry
func NewSchemeRegistry() *SchemeRegistry {
	return &SchemeRegistry{
		schemes: make(map[SchemeType]PaymentScheme),
	}
}

// Register registers a payment scheme
func (r *SchemeRegistry) Register(scheme PaymentScheme) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemes[scheme.Type()] = scheme
}

// Get retrieves a payment scheme by type
func (r *SchemeRegistry) Get(schemeType SchemeType) (PaymentScheme, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scheme, ok := r.schemes[schemeType]
	return scheme, ok
}

// List returns all registered scheme types
func (r *SchemeRegistry) List() []SchemeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]SchemeType, 0, len(r.schemes))
	for t := range r.schemes {
		types = append(types, t)
	}
	return types
}

// SupportsNetwork checks if any registered scheme supports the given network
func (r *SchemeRegistry) SupportsNetwork(network NetworkType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, scheme := range r.schemes {
		if schemeSupports(scheme, network) {
			return true
		}
	}
	return false
}

// Supports reports whether schemeType is registered for network.
func (r *SchemeRegistry) Supports(schemeType SchemeType, network NetworkType) bool {
	scheme, ok := r.Get(schemeType)
	return ok && schemeSupports(scheme, network)
}

func schemeSupports(scheme PaymentScheme, network NetworkType) bool {
	for _, n := range scheme.SupportedNetworks() {
		if n == network || isWildcardMatch(n, network) {
			return true
		}
	}
	return false
}

// isWildcardMatch checks if a wildcard network matches a specific network
func isWildcardMatch(pattern, network NetworkType) bool {
	// stellar* matches stellar and stellar-testnet
	if len(pattern) < 2 || pattern[len(pattern)-1] != '*' {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(string(network), string(prefix))
}

// DefaultRegistry is the global scheme registry
var DefaultRegistry = NewSchemeRegistry()

// ExactStellarScheme is the exact scheme on Stellar: one signed payment
// operation to payTo for at least maxAmountRequired.
type ExactStellarScheme struct{}

func (s *ExactStellarScheme) Type() SchemeType {
	return SchemeExact
}

func (s *ExactStellarScheme) SupportedNetworks() []NetworkType {
	return []NetworkType{NetworkStellar, NetworkStellarTestnet}
}

// RegisterDefaultSchemes registers the default payment schemes
func RegisterDefaultSchemes() {
	DefaultRegistry.Register(&ExactStellarScheme{})
}

func init() {
	RegisterDefaultSchemes()
}

// RequirementsConfig describes what a resource costs and where the money goes.
type RequirementsConfig struct {
	// PayTo is the Stellar account (G...) receiving payments
	PayTo string

	// Asset is "native" or "CODE:ISSUER"
	Asset string

	// AssetDecimals defaults to DefaultDecimals
	AssetDecimals int32

	// Price is a decimal amount in asset units, e.g. "0.01"
	Price string

	// Networks lists accepted networks; defaults to stellar-testnet
	Networks []NetworkType

	// PaymentAddresses overrides PayTo per network
	PaymentAddresses map[NetworkType]string

	Description       string
	MimeType          string
	MaxTimeoutSeconds int
	OutputSchema      map[string]interface{}
	Extra             map[string]interface{}
}

// Build generates PaymentRequirements for every accepted network.
func (c *RequirementsConfig) Build(resource string) ([]PaymentRequirements, error) {
	decimals := c.AssetDecimals
	if decimals == 0 {
		decimals = DefaultDecimals
	}

	units, err := ToBaseUnits(c.Price, decimals)
	if err != nil {
		return nil, err
	}

	asset := c.Asset
	if asset == "" {
		asset = NativeAsset
	}

	networks := c.Networks
	if len(networks) == 0 {
		networks = []NetworkType{NetworkStellarTestnet}
	}

	maxTimeout := c.MaxTimeoutSeconds
	if maxTimeout == 0 {
		maxTimeout = 60
	}

	mimeType := c.MimeType
	if mimeType == "" {
		mimeType = "application/json"
	}

	description := c.Description
	if description == "" {
		description = fmt.Sprintf("Payment of %s %s required", c.Price, AssetCode(asset))
	}

	requirements := make([]PaymentRequirements, 0, len(networks))
	for _, network := range networks {
		payTo := c.PayTo
		if addr, ok := c.PaymentAddresses[network]; ok {
			payTo = addr
		}

		requirements = append(requirements, PaymentRequirements{
			Scheme:            SchemeExact,
			Network:           network,
			MaxAmountRequired: units,
			Resource:          resource,
			Description:       description,
			MimeType:          mimeType,
			OutputSchema:      c.OutputSchema,
			PayTo:             payTo,
			MaxTimeoutSeconds: maxTimeout,
			Asset:             asset,
			Extra:             c.Extra,
		})
	}

	return requirements, nil
}

// AssetCode returns the display code of an asset string: XLM for native,
// otherwise the part before the issuer.
func AssetCode(asset string) string {
	if asset == "" || asset == NativeAsset {
		return "XLM"
	}
	if i := strings.Index(asset, ":"); i > 0 {
		return asset[:i]
	}
	return asset
}

// SelectRequirements returns the first requirement matching the payload's
// scheme and network. When none match, the reason code explains which field
// was rejected.
func SelectRequirements(accepts []PaymentRequirements, payload *PaymentPayload) (*PaymentRequirements, string) {
	reason := ReasonInvalidScheme
	for i := range accepts {
		if accepts[i].Scheme != payload.Scheme {
			continue
		}
		if accepts[i].Network == payload.Network {
			return &accepts[i], ""
		}
		reason = ReasonInvalidNetwork
	}
	return nil, reason
}
