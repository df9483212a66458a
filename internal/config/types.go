package config

import (
	"time"

	"github.com/praxis/agent-registry-go/pkg/utils"
)

// AppConfig is the main configuration structure for the registry tools
type AppConfig struct {
	Agent        AgentConfig        `yaml:"agent" json:"agent"`
	DID          DIDConfig          `yaml:"did" json:"did"`
	Registry     RegistryConfig     `yaml:"registry" json:"registry"`
	Registration RegistrationConfig `yaml:"registration" json:"registration"`
	HTTP         HTTPConfig         `yaml:"http" json:"http"`
	Indexer      IndexerConfig      `yaml:"indexer" json:"indexer"`
	Database     DatabaseConfig     `yaml:"database" json:"database"`
	Logging      utils.LogConfig    `yaml:"logging" json:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
}

// AgentConfig describes the agent that registers itself
type AgentConfig struct {
	Name            string         `yaml:"name" json:"name"`
	Version         string         `yaml:"version" json:"version"`
	Description     string         `yaml:"description" json:"description"`
	ServiceEndpoint string         `yaml:"service_endpoint" json:"service_endpoint"`
	Key             AgentKeyConfig `yaml:"key" json:"key"`
}

// AgentKeyConfig defines how the agent's secp256k1 signing key is sourced.
type AgentKeyConfig struct {
	// Source is "file", "env" or "hex".
	Source string `yaml:"source" json:"source"`
	Path   string `yaml:"path" json:"path"`
	Env    string `yaml:"env" json:"env"`
	Hex    string `yaml:"hex" json:"-"`
}

// DIDConfig selects the DID method parameters used when deriving identifiers
type DIDConfig struct {
	Method   string        `yaml:"method" json:"method"`
	Chain    string        `yaml:"chain" json:"chain"`
	Network  string        `yaml:"network" json:"network"`
	TypeTag  string        `yaml:"type_tag" json:"type_tag"`
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// RegistryConfig points at the AgentRegistry contract and its EIP-712 domain
type RegistryConfig struct {
	RPCURL             string `yaml:"rpc_url" json:"rpc_url"`
	ChainID            int64  `yaml:"chain_id" json:"chain_id"`
	Contract           string `yaml:"contract" json:"contract"`
	DomainName         string `yaml:"domain_name" json:"domain_name"`
	DomainVersion      string `yaml:"domain_version" json:"domain_version"`
	RegistrationFeeWei string `yaml:"registration_fee_wei" json:"registration_fee_wei"`
}

// RegistrationConfig controls request lifetime and nonce lookups
type RegistrationConfig struct {
	TTL          time.Duration `yaml:"ttl" json:"ttl"`
	NonceTimeout time.Duration `yaml:"nonce_timeout" json:"nonce_timeout"`
	// NonceSource is "chain", "memory" or "postgres".
	NonceSource string `yaml:"nonce_source" json:"nonce_source"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	Port           int      `yaml:"port" json:"port"`
	Host           string   `yaml:"host" json:"host"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// IndexerConfig controls the AgentRegistered event indexer of registry-server
type IndexerConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	StartBlock   uint64        `yaml:"start_block" json:"start_block"`
	BatchSize    uint64        `yaml:"batch_size" json:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// DatabaseConfig configures the shared nonce ledger and indexer store
type DatabaseConfig struct {
	URL string `yaml:"url" json:"-"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Agent: AgentConfig{
			Name:    "registry-agent",
			Version: "1.0.0",
			Key: AgentKeyConfig{
				Source: "file",
				Path:   "./configs/keys/agent.key",
				Env:    "AGENT_PRIVATE_KEY",
			},
		},
		DID: DIDConfig{
			Method:   "iden3",
			Chain:    "polygon",
			Network:  "amoy",
			TypeTag:  "0x0d01",
			CacheTTL: time.Minute,
		},
		Registry: RegistryConfig{
			ChainID:            80002,
			DomainName:         "AgentRegistry",
			DomainVersion:      "1",
			RegistrationFeeWei: "10000000000000000",
		},
		Registration: RegistrationConfig{
			TTL:          time.Hour,
			NonceTimeout: 10 * time.Second,
			NonceSource:  "memory",
		},
		HTTP: HTTPConfig{
			Enabled:        true,
			Port:           8080,
			Host:           "0.0.0.0",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
			AllowedOrigins: []string{"*"},
		},
		Indexer: IndexerConfig{
			BatchSize:    2000,
			PollInterval: 15 * time.Second,
		},
		Logging: utils.DefaultLogConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
