// Package config loads the daemon's settings from the environment.
package config

import (
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/dmtrko/chain-rescue/internal/chain"
)

// Settings is the full daemon configuration. Every value has an env key;
// a .env file in the working directory is loaded first when present.
type Settings struct {
	Host string `envconfig:"HOST" default:"localhost:3000"`
	Port int    `envconfig:"PORT" default:"3000"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFilePath string `envconfig:"LOG_FILE_PATH"`

	SentryDSN string `envconfig:"SENTRY_DSN"`

	DatabaseURI      string `envconfig:"DATABASE_URI"`
	DatabaseMaxConns int    `envconfig:"DATABASE_MAX_CONNS" default:"10"`

	// per-network RPC overrides, e.g. ethereum=https://...;bsc=https://...
	RPCOverrides string `envconfig:"RPC_OVERRIDES"`

	IndexerBaseURL string `envconfig:"INDEXER_BASE_URL"`
	IndexerAPIKey  string `envconfig:"INDEXER_API_KEY"`
	ExplorerAPIKey string `envconfig:"EXPLORER_API_KEY"`

	SolanaEndpoints []string `envconfig:"SOLANA_ENDPOINTS" default:"https://api.mainnet-beta.solana.com"`

	FlashbotsRelayURL string `envconfig:"FLASHBOTS_RELAY_URL" default:"https://relay.flashbots.net"`
	// signs relay auth headers; generated at startup when unset
	FlashbotsAuthKeyHex string `envconfig:"FLASHBOTS_AUTH_PK"`

	DefaultRateLimit int  `envconfig:"DEFAULT_RATE_LIMIT" default:"10"`
	BurstRateLimit   int  `envconfig:"BURST_RATE_LIMIT" default:"5"`
	EnablePrometheus bool `envconfig:"ENABLE_PROMETHEUS" default:"false"`
	PrometheusPort   int  `envconfig:"PROMETHEUS_PORT" default:"9092"`
}

// Load reads .env (when present) and the process environment.
func Load() (*Settings, error) {
	_ = godotenv.Load(".env")
	s := &Settings{}
	if err := envconfig.Process("", s); err != nil {
		return nil, err
	}
	return s, nil
}

// RPCOverrideMap parses RPC_OVERRIDES into the registry's override form.
func (s *Settings) RPCOverrideMap() map[chain.Network]string {
	out := map[chain.Network]string{}
	for _, pair := range strings.Split(s.RPCOverrides, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || v == "" {
			continue
		}
		out[chain.Network(strings.ToLower(strings.TrimSpace(k)))] = strings.TrimSpace(v)
	}
	return out
}

// FlashbotsAuthKey parses the configured auth key, or mints an ephemeral one
// when none is configured; relay auth keys need no funds.
func (s *Settings) FlashbotsAuthKey() (*ecdsa.PrivateKey, error) {
	if s.FlashbotsAuthKeyHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(strings.TrimPrefix(s.FlashbotsAuthKeyHex, "0x"))
}
