package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a YAML file on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return &cfg, nil
}

// LoadWithEnv loads configuration, applies environment variable overrides and
// validates the result. Secrets are expected to come from the environment.
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("CERTREG_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("CERTREG_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv("CERTREG_CONTRACT_ADDRESS"); v != "" {
		cfg.Ledger.ContractAddress = v
	}
	if v := os.Getenv("CERTREG_PRIVATE_KEY"); v != "" {
		cfg.Ledger.PrivateKey = v
	}
	if v := os.Getenv("PINATA_JWT"); v != "" {
		cfg.Archive.PinataJWT = v
	}
	if v := os.Getenv("CERTREG_INDEX_PATH"); v != "" {
		cfg.Index.Path = v
	}
	if v := os.Getenv("CERTREG_ADMIN_API_KEY"); v != "" {
		cfg.Admin.APIKey = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
