// Package config loads runtime configuration for the x402 commands from the
// environment, optionally seeded by a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/FrankiePower/stellar-x402/pkg/x402"
)

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// RedisConfig points at an optional Redis server. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig points at optional brokers for event publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Facilitator is the configuration of cmd/facilitator.
type Facilitator struct {
	App AppConfig

	Addr        string
	Network     x402.NetworkType
	HorizonURL  string
	CORSOrigins []string

	SettleTimeout  time.Duration
	IdempotencyTTL time.Duration

	// JWTSecret enables bearer token auth on every route when set
	JWTSecret string

	// DatabaseURL enables the Postgres settlement ledger when set
	DatabaseURL string

	Redis RedisConfig
	Kafka KafkaConfig
}

// Gateway is the configuration of cmd/gateway.
type Gateway struct {
	App AppConfig

	Addr           string
	BackendURL     string
	FacilitatorURL string

	PayTo       string
	Asset       string
	Price       string
	Networks    []x402.NetworkType
	Description string
	ExemptPaths []string

	FacilitatorKeyID  string
	FacilitatorSecret string
}

// Wallet is the configuration of the paying CLI.
type Wallet struct {
	App AppConfig

	Secret     string
	Network    x402.NetworkType
	HorizonURL string
	MaxAmount  string
}

// LoadFacilitator reads the facilitator configuration.
func LoadFacilitator() (*Facilitator, error) {
	_ = godotenv.Load()
	ldr := &envLoader{}

	cfg := &Facilitator{App: loadApp(ldr)}
	cfg.Addr = ldr.getString("FACILITATOR_ADDR", ":4020", false)
	cfg.Network = ldr.getNetwork("STELLAR_NETWORK", x402.NetworkStellarTestnet)
	cfg.HorizonURL = ldr.getString("HORIZON_URL", "", false)
	cfg.CORSOrigins = ldr.getStringSlice("CORS_ALLOWED_ORIGINS", []string{"*"}, false)
	cfg.SettleTimeout = time.Duration(ldr.getInt("SETTLE_TIMEOUT_SECONDS", 30, false)) * time.Second
	cfg.IdempotencyTTL = time.Duration(ldr.getInt("IDEMPOTENCY_TTL_SECONDS", 3600, false)) * time.Second
	cfg.JWTSecret = ldr.getString("AUTH_JWT_SECRET", "", false)
	cfg.DatabaseURL = ldr.getString("DATABASE_URL", "", false)

	cfg.Redis.Addr = ldr.getString("REDIS_ADDR", "", false)
	cfg.Redis.Password = ldr.getString("REDIS_PASSWORD", "", false)
	cfg.Redis.DB = ldr.getInt("REDIS_DB", 0, false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", nil, false)
	cfg.Kafka.Topic = ldr.getString("KAFKA_TOPIC", "x402.events", false)

	if cfg.SettleTimeout <= 0 {
		ldr.addError("SETTLE_TIMEOUT_SECONDS must be positive")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadGateway reads the gateway configuration.
func LoadGateway() (*Gateway, error) {
	_ = godotenv.Load()
	ldr := &envLoader{}

	cfg := &Gateway{App: loadApp(ldr)}
	cfg.Addr = ldr.getString("GATEWAY_ADDR", ":8402", false)
	cfg.BackendURL = ldr.getString("BACKEND_URL", "http://localhost:3000", false)
	cfg.FacilitatorURL = ldr.getString("FACILITATOR_URL", "http://localhost:4020", false)
	cfg.PayTo = ldr.getString("PAY_TO", "", true)
	cfg.Asset = ldr.getString("ASSET", x402.NativeAsset, false)
	cfg.Price = ldr.getString("PRICE", "0.01", false)
	cfg.Description = ldr.getString("DESCRIPTION", "", false)
	cfg.ExemptPaths = ldr.getStringSlice("EXEMPT_PATHS", []string{"/health"}, false)
	cfg.FacilitatorKeyID = ldr.getString("FACILITATOR_KEY_ID", "", false)
	cfg.FacilitatorSecret = ldr.getString("FACILITATOR_JWT_SECRET", "", false)

	for _, n := range ldr.getStringSlice("NETWORKS", []string{string(x402.NetworkStellarTestnet)}, false) {
		cfg.Networks = append(cfg.Networks, ldr.parseNetwork("NETWORKS", n))
	}
	if _, err := x402.ToBaseUnits(cfg.Price, x402.DefaultDecimals); err != nil {
		ldr.addError(fmt.Sprintf("PRICE is invalid: %v", err))
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWallet reads the paying CLI configuration.
func LoadWallet() (*Wallet, error) {
	_ = godotenv.Load()
	ldr := &envLoader{}

	cfg := &Wallet{App: loadApp(ldr)}
	cfg.Secret = ldr.getString("STELLAR_SECRET", "", false)
	cfg.Network = ldr.getNetwork("STELLAR_NETWORK", x402.NetworkStellarTestnet)
	cfg.HorizonURL = ldr.getString("HORIZON_URL", "", false)
	cfg.MaxAmount = ldr.getString("MAX_AMOUNT", "", false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadApp(ldr *envLoader) AppConfig {
	return AppConfig{
		Env:      ldr.getString("APP_ENV", "development", false),
		LogLevel: ldr.getString("LOG_LEVEL", "info", false),
	}
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	val, ok := os.LookupEnv(key)
	val = strings.TrimSpace(val)
	if !ok || val == "" {
		if required {
			l.addError(fmt.Sprintf("%s is required", key))
		}
		return "", false
	}
	return val, true
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getStringSlice(key string, def []string, required bool) []string {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(val, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) getNetwork(key string, def x402.NetworkType) x402.NetworkType {
	val, ok := l.lookup(key, false)
	if !ok {
		return def
	}
	return l.parseNetwork(key, val)
}

func (l *envLoader) parseNetwork(key, val string) x402.NetworkType {
	n := x402.NetworkType(val)
	if !x402.DefaultRegistry.SupportsNetwork(n) {
		l.addError(fmt.Sprintf("%s: unsupported network %q", key, val))
	}
	return n
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
