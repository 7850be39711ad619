// Package config loads the facilitator process configuration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/vitwit/awesome402/types"
)

// Duration is a time.Duration written as "30s" in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ChainConfig enables one network on the facilitator.
type ChainConfig struct {
	// Network is a CAIP-2 id or a legacy name such as "base-sepolia".
	Network string `json:"network" validate:"required"`

	// RPCURL overrides the default endpoint for the network.
	RPCURL string `json:"rpcUrl,omitempty" validate:"omitempty,url"`

	// SignerKey is the facilitator key: hex for EVM networks, base58 for
	// Solana. It pays gas and fees.
	SignerKey string `json:"signerKey" validate:"required"`

	// Versions defaults to [1, 2].
	Versions []int `json:"versions,omitempty" validate:"omitempty,dive,oneof=1 2"`
}

// ParsedNetwork resolves Network.
func (c ChainConfig) ParsedNetwork() (types.Network, error) {
	return types.ParseNetwork(c.Network)
}

// ProtocolVersions returns the configured versions or both.
func (c ChainConfig) ProtocolVersions() []int {
	if len(c.Versions) == 0 {
		return []int{types.X402Version1, types.X402Version2}
	}
	return c.Versions
}

type Config struct {
	Host        string `json:"host"`
	Port        int    `json:"port" validate:"min=1,max=65535"`
	LogLevel    string `json:"logLevel" validate:"oneof=debug info warn error"`
	Development bool   `json:"development"`

	VerifyTimeout  Duration `json:"verifyTimeout"`
	SettleTimeout  Duration `json:"settleTimeout"`
	MaxBodyBytes   int64    `json:"maxBodyBytes" validate:"gte=0"`
	MetricsEnabled bool     `json:"metricsEnabled"`

	// DatabaseURL selects the PostgreSQL settlement ledger. Empty keeps the
	// ledger in memory.
	DatabaseURL string `json:"databaseUrl,omitempty"`

	// NATSURL enables settlement event publishing.
	NATSURL string `json:"natsUrl,omitempty"`

	Chains []ChainConfig `json:"chains" validate:"required,min=1,dive"`
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          8402,
		LogLevel:      "info",
		VerifyTimeout: Duration(30 * time.Second),
		SettleTimeout: Duration(2 * time.Minute),
		MaxBodyBytes:  1 << 20,
	}
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads the JSON file at path, expanding ${VAR} references, then
// applies environment overrides and validates. An empty path starts from
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(raw)))))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("AWESOME402_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("AWESOME402_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AWESOME402_PORT %q: %w", v, err)
		}
		c.Port = port
	}
	if v := os.Getenv("AWESOME402_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATSURL = v
	}
	return nil
}

// Validate checks field rules and cross-field constraints and reports
// every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if err := types.Validator().Struct(c); err != nil {
		errs = append(errs, err)
	}
	if c.VerifyTimeout <= 0 {
		errs = append(errs, errors.New("verifyTimeout must be positive"))
	}
	if c.SettleTimeout <= 0 {
		errs = append(errs, errors.New("settleTimeout must be positive"))
	}

	seen := make(map[types.Network]bool, len(c.Chains))
	for i, chain := range c.Chains {
		network, err := chain.ParsedNetwork()
		if err != nil {
			errs = append(errs, fmt.Errorf("chains[%d]: %w", i, err))
			continue
		}
		if seen[network] {
			errs = append(errs, fmt.Errorf("chains[%d]: network %s configured twice", i, network))
		}
		seen[network] = true
	}

	if len(errs) > 0 {
		return types.ErrConfig.WithMessage("configuration validation failed").Wrap(errors.Join(errs...))
	}
	return nil
}
