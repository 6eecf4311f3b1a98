package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cast"
)

//go:embed default_config.json
var defaultConfigJSON []byte

const configFileName = "rival_config.json"

// LoadDefaultConfig returns the built-in default configuration.
func LoadDefaultConfig() (*Config, error) {
	var config Config
	if err := json.Unmarshal(defaultConfigJSON, &config); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Load reads <nodeHome>/config/rival_config.json. A missing file is not an
// error: the default configuration is written there first and then returned,
// so a fresh home directory self-initializes.
func Load(nodeHome string) (*Config, error) {
	configPath := filepath.Join(nodeHome, "config", configFileName)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		config, err := LoadDefaultConfig()
		if err != nil {
			return nil, err
		}
		config.NodeHome = nodeHome
		// Re-validate so home-derived defaults (game state path) are filled
		// in now that the node home is known.
		if err := validateConfig(config); err != nil {
			return nil, err
		}
		if err := Save(config); err != nil {
			return nil, err
		}
		return config, nil
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if config.NodeHome == "" {
		config.NodeHome = nodeHome
	}
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Save writes the configuration to <NodeHome>/config/rival_config.json,
// creating the directory when needed.
func Save(config *Config) error {
	if config.NodeHome == "" {
		return fmt.Errorf("cannot save config: node home is not set")
	}
	configDir := filepath.Join(config.NodeHome, "config")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	configPath := filepath.Join(configDir, configFileName)
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyEnvOverrides lets deployment environment variables take precedence
// over the on-disk file. String values are taken verbatim; numeric values go
// through cast so a malformed override fails loudly instead of silently
// becoming zero.
func ApplyEnvOverrides(config *Config) error {
	if v := os.Getenv("BLOCKCHAIN_RPC_URL"); v != "" {
		config.RPCURL = v
	}
	if v := os.Getenv("BLOCKCHAIN_PRIVATE_KEY"); v != "" {
		config.PrivateKey = v
	}
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		config.ContractAddress = v
	}
	if v := os.Getenv("NFT_ID"); v != "" {
		id, err := cast.ToUint64E(v)
		if err != nil {
			return fmt.Errorf("invalid NFT_ID %q: %w", v, err)
		}
		config.AgentNFTID = id
	}
	if v := os.Getenv("RIVAL_API_KEY"); v != "" {
		config.APIKey = v
	}
	if v := os.Getenv("TAVILY_API_KEY"); v != "" {
		config.TavilyAPIKey = v
	}
	return nil
}

// validateConfig fills in defaults for missing values and rejects settings
// that cannot be defaulted away.
func validateConfig(config *Config) error {
	if config.LogFormat == "" {
		config.LogFormat = "console"
	}
	if config.LogFormat != "json" && config.LogFormat != "console" {
		return fmt.Errorf("invalid log_format %q: must be json or console", config.LogFormat)
	}

	if config.ContractAddress == "" {
		config.ContractAddress = "0x609a8aeeef8b89be02c5b59a936a520547252824"
	}
	if config.AgentNFTID == 0 {
		config.AgentNFTID = 3
	}

	if config.ResultBackend == "" {
		config.ResultBackend = string(BackendLog)
	}
	switch ResultBackend(config.ResultBackend) {
	case BackendLog, BackendRuntime:
	default:
		return fmt.Errorf("invalid result_backend %q: must be log or runtime", config.ResultBackend)
	}

	if config.ReceiptTimeoutSeconds <= 0 {
		config.ReceiptTimeoutSeconds = 120
	}
	if config.AcceptanceTimeoutSeconds <= 0 {
		config.AcceptanceTimeoutSeconds = 30
	}
	if config.ResultTimeoutSeconds <= 0 {
		config.ResultTimeoutSeconds = 300
	}
	if config.ResultPollSeconds <= 0 {
		config.ResultPollSeconds = 2
	}
	if config.AcceptancePollSeconds <= 0 {
		config.AcceptancePollSeconds = 1
	}

	if config.ServerPort == 0 {
		config.ServerPort = 8000
	}
	if config.ServerPort < 0 || config.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port %d", config.ServerPort)
	}
	if config.APIKey == "" {
		config.APIKey = "rival_agent_default_key_change_me"
	}

	if config.GameStateFile == "" && config.NodeHome != "" {
		config.GameStateFile = filepath.Join(config.NodeHome, "shared_game_state.json")
	}
	if config.PrizeWei == "" {
		config.PrizeWei = "0"
	}
	return nil
}

// ReceiptTimeout is how long a submission may stay unmined.
func (c *Config) ReceiptTimeout() time.Duration {
	return time.Duration(c.ReceiptTimeoutSeconds) * time.Second
}

// AcceptanceTimeout is how long to wait for the acceptance event.
func (c *Config) AcceptanceTimeout() time.Duration {
	return time.Duration(c.AcceptanceTimeoutSeconds) * time.Second
}

// ResultTimeout is how long to wait for the result event.
func (c *Config) ResultTimeout() time.Duration {
	return time.Duration(c.ResultTimeoutSeconds) * time.Second
}

// ResultPollInterval is the cadence of the result watch loop.
func (c *Config) ResultPollInterval() time.Duration {
	return time.Duration(c.ResultPollSeconds) * time.Second
}

// AcceptancePollInterval is the cadence of receipt and acceptance polling.
func (c *Config) AcceptancePollInterval() time.Duration {
	return time.Duration(c.AcceptancePollSeconds) * time.Second
}

// MockMode reports whether the provider should fabricate transactions and
// results locally instead of talking to a live contract.
func (c *Config) MockMode() bool {
	return c.PrivateKey == ""
}
