package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/praxis/agent-registry-go/internal/did/iden3"
	"github.com/praxis/agent-registry-go/internal/eip712"
	"github.com/praxis/agent-registry-go/pkg/utils"
)

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(path string, logger *logrus.Logger) (*AppConfig, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	config := DefaultConfig()

	if path == "" {
		applyEnvironmentOverrides(config)
		return config, validateConfig(config)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warnf("Configuration file %s not found, using defaults", path)
		// Still apply environment overrides even with defaults
		applyEnvironmentOverrides(config)
		return config, validateConfig(config)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	configString := utils.ExpandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(configString), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(config *AppConfig, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// validateConfig checks if the configuration is valid
func validateConfig(config *AppConfig) error {
	if config.DID.Method != iden3.Method {
		return fmt.Errorf("did.method %q is not supported", config.DID.Method)
	}
	if config.DID.Chain == "" || config.DID.Network == "" {
		return fmt.Errorf("did.chain and did.network cannot be empty")
	}
	if _, err := iden3.ParseTypeTag(config.DID.TypeTag); err != nil {
		return fmt.Errorf("did.type_tag: %w", err)
	}

	if config.Registry.ChainID <= 0 {
		return fmt.Errorf("registry.chain_id must be positive")
	}
	if config.Registry.Contract != "" && !common.IsHexAddress(config.Registry.Contract) {
		return fmt.Errorf("registry.contract %q is not an address", config.Registry.Contract)
	}
	if config.Registry.DomainName == "" {
		return fmt.Errorf("registry.domain_name cannot be empty")
	}
	if fee := config.Registry.RegistrationFeeWei; fee != "" {
		if n, ok := new(big.Int).SetString(fee, 10); !ok || n.Sign() < 0 {
			return fmt.Errorf("registry.registration_fee_wei %q is not a wei amount", fee)
		}
	}

	if config.Registration.TTL <= 0 {
		return fmt.Errorf("registration.ttl must be positive")
	}
	if config.Registration.NonceTimeout <= 0 {
		return fmt.Errorf("registration.nonce_timeout must be positive")
	}
	switch config.Registration.NonceSource {
	case "memory":
	case "chain":
		if config.Registry.RPCURL == "" || config.Registry.Contract == "" {
			return fmt.Errorf("registry.rpc_url and registry.contract are required for the chain nonce source")
		}
	case "postgres":
		if config.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres nonce source")
		}
	default:
		return fmt.Errorf("registration.nonce_source must be 'memory', 'chain' or 'postgres', got '%s'", config.Registration.NonceSource)
	}

	if config.Indexer.Enabled && (config.Registry.RPCURL == "" || config.Registry.Contract == "") {
		return fmt.Errorf("registry.rpc_url and registry.contract are required for the indexer")
	}

	switch config.Agent.Key.Source {
	case "file", "env", "hex":
	default:
		return fmt.Errorf("agent.key.source must be 'file', 'env' or 'hex', got '%s'", config.Agent.Key.Source)
	}

	switch config.Logging.Output {
	case "", utils.LogOutputStdout, utils.LogOutputStderr:
	default:
		return fmt.Errorf("logging.output must be 'stdout' or 'stderr', got '%s'", config.Logging.Output)
	}

	if config.HTTP.Enabled && (config.HTTP.Port <= 0 || config.HTTP.Port > 65535) {
		return fmt.Errorf("http.port %d is out of range", config.HTTP.Port)
	}

	return nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func applyEnvironmentOverrides(config *AppConfig) {
	if name := os.Getenv("AGENT_NAME"); name != "" {
		config.Agent.Name = name
	}
	if desc := os.Getenv("AGENT_DESCRIPTION"); desc != "" {
		config.Agent.Description = desc
	}
	if endpoint := os.Getenv("AGENT_SERVICE_ENDPOINT"); endpoint != "" {
		config.Agent.ServiceEndpoint = endpoint
	}
	if path := os.Getenv("AGENT_KEY_PATH"); path != "" {
		config.Agent.Key.Source = "file"
		config.Agent.Key.Path = path
	}
	if key := os.Getenv("AGENT_PRIVATE_KEY"); key != "" {
		config.Agent.Key.Source = "env"
		config.Agent.Key.Env = "AGENT_PRIVATE_KEY"
	}

	if chain := os.Getenv("DID_CHAIN"); chain != "" {
		config.DID.Chain = chain
	}
	if network := os.Getenv("DID_NETWORK"); network != "" {
		config.DID.Network = network
	}

	if rpc := os.Getenv("REGISTRY_RPC_URL"); rpc != "" {
		config.Registry.RPCURL = rpc
	}
	if chainID := os.Getenv("REGISTRY_CHAIN_ID"); chainID != "" {
		if v, err := strconv.ParseInt(chainID, 10, 64); err != nil {
			logrus.Warnf("Invalid REGISTRY_CHAIN_ID: %s", chainID)
		} else {
			config.Registry.ChainID = v
		}
	}
	if contract := os.Getenv("REGISTRY_CONTRACT"); contract != "" {
		config.Registry.Contract = contract
	}

	config.Registration.TTL = utils.DurationFromEnv("REGISTRATION_TTL", config.Registration.TTL)
	if src := os.Getenv("NONCE_SOURCE"); src != "" {
		config.Registration.NonceSource = strings.ToLower(src)
	}

	config.Indexer.Enabled = utils.BoolFromEnv("INDEXER_ENABLED", config.Indexer.Enabled)
	if start := os.Getenv("INDEXER_START_BLOCK"); start != "" {
		if v, err := strconv.ParseUint(start, 10, 64); err != nil {
			logrus.Warnf("Invalid INDEXER_START_BLOCK: %s", start)
		} else {
			config.Indexer.StartBlock = v
		}
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		config.Database.URL = url
	}

	config.HTTP.Enabled = utils.BoolFromEnv("HTTP_ENABLED", config.HTTP.Enabled)
	if portStr := os.Getenv("HTTP_PORT"); portStr != "" {
		if _, err := fmt.Sscanf(portStr, "%d", &config.HTTP.Port); err != nil {
			logrus.Warnf("Invalid HTTP_PORT: %s", portStr)
		}
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// TypeTag returns the parsed DID type tag.
func (c *AppConfig) TypeTag() iden3.TypeTag {
	tag, err := iden3.ParseTypeTag(c.DID.TypeTag)
	if err != nil {
		return iden3.DefaultTypeTag
	}
	return tag
}

// Codec returns the DID codec for the configured chain and network.
func (c *AppConfig) Codec() iden3.Codec {
	codec := iden3.NewCodec(c.DID.Chain, c.DID.Network)
	codec.TypeTag = c.TypeTag()
	return codec
}

// Domain returns the EIP-712 domain of the configured registry contract.
func (c *AppConfig) Domain() eip712.Domain {
	return eip712.Domain{
		Name:              c.Registry.DomainName,
		Version:           c.Registry.DomainVersion,
		ChainID:           big.NewInt(c.Registry.ChainID),
		VerifyingContract: common.HexToAddress(c.Registry.Contract),
	}
}

// RegistrationFee returns the configured fee in wei.
func (c *AppConfig) RegistrationFee() *big.Int {
	if n, ok := new(big.Int).SetString(c.Registry.RegistrationFeeWei, 10); ok {
		return n
	}
	return nil
}
