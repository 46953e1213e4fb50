package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the registry service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Index     IndexConfig     `yaml:"index"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Logging   LoggingConfig   `yaml:"logging"`
	Admin     AdminConfig     `yaml:"admin"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
}

// LedgerConfig selects and configures the ledger client.
type LedgerConfig struct {
	Backend             string   `yaml:"backend"`
	RPCURL              string   `yaml:"rpc_url"`
	ContractAddress     string   `yaml:"contract_address"`
	PrivateKey          string   `yaml:"private_key"`
	ChainID             int64    `yaml:"chain_id"`
	GasLimit            uint64   `yaml:"gas_limit"`
	GasPriceGwei        int64    `yaml:"gas_price_gwei"`
	ConfirmTimeout      Duration `yaml:"confirm_timeout"`
	PollInterval        Duration `yaml:"poll_interval"`
	StartBlock          uint64   `yaml:"start_block"`
	LogRange            uint64   `yaml:"log_range"`
	ReplayConfirmations uint64   `yaml:"replay_confirmations"`
	// Issuer is the issuing identity for the memory backend. The ethereum
	// backend always issues as the private key's address.
	Issuer        string `yaml:"issuer"`
	EnforceUnique bool   `yaml:"enforce_unique"`
}

// ArchiveConfig selects and configures the archive client.
type ArchiveConfig struct {
	Backend       string   `yaml:"backend"`
	PinataJWT     string   `yaml:"pinata_jwt"`
	UploadURL     string   `yaml:"upload_url"`
	GatewayURL    string   `yaml:"gateway_url"`
	UploadTimeout Duration `yaml:"upload_timeout"`
	Dir           string   `yaml:"dir"`
	PublicBaseURL string   `yaml:"public_base_url"`
}

// IndexConfig selects the local metadata index.
type IndexConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// ReconcileConfig controls the reconciliation job.
type ReconcileConfig struct {
	Interval     Duration `yaml:"interval"`
	PendingGrace Duration `yaml:"pending_grace"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AdminConfig protects operator endpoints.
type AdminConfig struct {
	APIKey string `yaml:"api_key"`
}

// Default returns a configuration for a local development setup.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:       ":5000",
			AllowedOrigins: []string{"http://127.0.0.1:5173", "http://localhost:5173"},
			MaxUploadBytes: 32 << 20,
		},
		Ledger: LedgerConfig{
			Backend:        "ethereum",
			RPCURL:         "http://127.0.0.1:7545",
			GasLimit:       4_000_000,
			GasPriceGwei:   20,
			ConfirmTimeout: Duration(2 * time.Minute),
			PollInterval:   Duration(time.Second),
			LogRange:       5000,
		},
		Archive: ArchiveConfig{
			Backend:       "pinata",
			UploadTimeout: Duration(60 * time.Second),
		},
		Index: IndexConfig{
			Backend: "sqlite",
			Path:    "certificates.db",
		},
		Reconcile: ReconcileConfig{
			Interval:     Duration(time.Minute),
			PendingGrace: Duration(30 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}

	switch c.Ledger.Backend {
	case "ethereum":
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("ledger.rpc_url is required")
		}
		if !common.IsHexAddress(c.Ledger.ContractAddress) {
			return fmt.Errorf("ledger.contract_address must be a hex address")
		}
		if c.Ledger.PrivateKey == "" {
			return fmt.Errorf("ledger.private_key is required")
		}
		if c.Ledger.ConfirmTimeout <= 0 {
			return fmt.Errorf("ledger.confirm_timeout must be positive")
		}
	case "memory":
		if c.Ledger.Issuer == "" {
			return fmt.Errorf("ledger.issuer is required for the memory backend")
		}
	default:
		return fmt.Errorf("ledger.backend must be 'ethereum' or 'memory'")
	}

	switch c.Archive.Backend {
	case "pinata":
		if c.Archive.PinataJWT == "" {
			return fmt.Errorf("archive.pinata_jwt is required")
		}
	case "dir":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required")
		}
	case "memory":
	default:
		return fmt.Errorf("archive.backend must be 'pinata', 'dir' or 'memory'")
	}

	if c.Index.Backend != "sqlite" && c.Index.Backend != "file" {
		return fmt.Errorf("index.backend must be 'sqlite' or 'file'")
	}
	if c.Index.Path == "" {
		return fmt.Errorf("index.path is required")
	}

	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}

	return nil
}

// Duration is a time.Duration read from a YAML string such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
