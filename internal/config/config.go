package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config represents the keeper configuration.
type Config struct {
	Chain          ChainConfig          `yaml:"chain"`
	Coordinator    CoordinatorConfig    `yaml:"coordinator"`
	Publisher      PublisherConfig      `yaml:"publisher"`
	Generator      GeneratorConfig      `yaml:"generator"`
	Discord        DiscordConfig        `yaml:"discord"`
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// ChainConfig holds RPC endpoint, contract addresses and signing settings.
type ChainConfig struct {
	RPCURL              string        `yaml:"rpc_url"`
	AuctionVaultAddress string        `yaml:"auction_vault_address"`
	ConfigAddress       string        `yaml:"config_address"`
	PrivateKey          string        `yaml:"private_key"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	TxTimeout           time.Duration `yaml:"tx_timeout"`
	// LogLookbackBlocks bounds the bid event scan when deriving the top bidder.
	// Zero scans from genesis.
	LogLookbackBlocks uint64 `yaml:"log_lookback_blocks"`
}

// CoordinatorConfig holds auction lifecycle settings.
type CoordinatorConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	CharactersPerRound int           `yaml:"characters_per_round"`
	MaxCloseAttempts   int           `yaml:"max_close_attempts"`
	StaleClaimAfter    time.Duration `yaml:"stale_claim_after"`
	// HeartbeatTimeout fails the liveness probe when the loop has not
	// finished a step for this long.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// Owner identifies this instance in ledger claims. Defaults to the hostname.
	Owner string `yaml:"owner"`
}

// PublisherConfig holds content store settings.
type PublisherConfig struct {
	Driver      string        `yaml:"driver"` // "ipfs" or "memory"
	APIURL      string        `yaml:"api_url"`
	Pin         bool          `yaml:"pin"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Concurrency int           `yaml:"concurrency"`
}

// GeneratorConfig holds character generation settings.
type GeneratorConfig struct {
	Driver      string        `yaml:"driver"` // "openai" or "static"
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	ImageModel  string        `yaml:"image_model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Theme       string        `yaml:"theme"`
}

// DiscordConfig holds operator bot settings.
type DiscordConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Token          string `yaml:"token"`
	GuildID        string `yaml:"guild_id"`
	AlertChannelID string `yaml:"alert_channel_id"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "sqlx" or "memory"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
	LogLevel       string `yaml:"log_level"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Environment variables that take precedence over the file.
const (
	EnvAuctionVaultAddress = "AUCTION_VAULT_ADDRESS"
	EnvConfigAddress       = "CONFIG_ADDRESS"
	EnvRPCURL              = "RPC_URL"
	EnvPrivateKey          = "KEEPER_PRIVATE_KEY"
	EnvOpenAIKey           = "OPENAI_API_KEY"
	EnvDiscordToken        = "DISCORD_TOKEN"
	EnvDatabasePassword    = "DATABASE_PASSWORD"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			RPCURL:     "http://localhost:8545",
			RPCTimeout: 10 * time.Second,
			TxTimeout:  2 * time.Minute,
		},
		Coordinator: CoordinatorConfig{
			PollInterval:       15 * time.Second,
			CharactersPerRound: 3,
			MaxCloseAttempts:   5,
			StaleClaimAfter:    10 * time.Minute,
			HeartbeatTimeout:   15 * time.Minute,
		},
		Publisher: PublisherConfig{
			Driver:      "ipfs",
			APIURL:      "http://localhost:5001",
			Pin:         true,
			Timeout:     30 * time.Second,
			MaxAttempts: 4,
			Concurrency: 3,
		},
		Generator: GeneratorConfig{
			Driver:      "openai",
			Model:       "gpt-4o-mini",
			ImageModel:  "dall-e-3",
			Timeout:     2 * time.Minute,
			MaxAttempts: 3,
			Theme:       "retro pixel-art fantasy heroes",
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "sqlx",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "digichar-keeper",
			ServiceVersion: "0.1.0",
			LogLevel:       "info",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "digichar-keeper",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// Load reads a YAML configuration file from the given path, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Chain.AuctionVaultAddress, EnvAuctionVaultAddress)
	set(&c.Chain.ConfigAddress, EnvConfigAddress)
	set(&c.Chain.RPCURL, EnvRPCURL)
	set(&c.Chain.PrivateKey, EnvPrivateKey)
	set(&c.Generator.APIKey, EnvOpenAIKey)
	set(&c.Discord.Token, EnvDiscordToken)
	set(&c.Database.Password, EnvDatabasePassword)
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlx", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q: must be \"sqlx\" or \"memory\"", c.Database.Driver))
	}
	switch c.Publisher.Driver {
	case "ipfs", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported publisher driver %q: must be \"ipfs\" or \"memory\"", c.Publisher.Driver))
	}
	switch c.Generator.Driver {
	case "openai", "static":
	default:
		errs = append(errs, fmt.Errorf("unsupported generator driver %q: must be \"openai\" or \"static\"", c.Generator.Driver))
	}

	if !common.IsHexAddress(c.Chain.AuctionVaultAddress) {
		errs = append(errs, fmt.Errorf("chain.auction_vault_address %q is not a hex address", c.Chain.AuctionVaultAddress))
	}
	if !common.IsHexAddress(c.Chain.ConfigAddress) {
		errs = append(errs, fmt.Errorf("chain.config_address %q is not a hex address", c.Chain.ConfigAddress))
	}
	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required"))
	}
	if c.Chain.RPCTimeout <= 0 || c.Chain.TxTimeout <= 0 {
		errs = append(errs, errors.New("chain.rpc_timeout and chain.tx_timeout must be positive"))
	}

	if c.Coordinator.PollInterval <= 0 {
		errs = append(errs, errors.New("coordinator.poll_interval must be positive"))
	}
	if c.Coordinator.HeartbeatTimeout <= c.Coordinator.PollInterval {
		errs = append(errs, errors.New("coordinator.heartbeat_timeout must exceed coordinator.poll_interval"))
	}
	if c.Coordinator.CharactersPerRound < 1 {
		errs = append(errs, errors.New("coordinator.characters_per_round must be at least 1"))
	}
	if c.Coordinator.MaxCloseAttempts < 1 {
		errs = append(errs, errors.New("coordinator.max_close_attempts must be at least 1"))
	}
	if c.Publisher.Concurrency < 1 {
		errs = append(errs, errors.New("publisher.concurrency must be at least 1"))
	}
	if c.Generator.Driver == "openai" && c.Generator.APIKey == "" {
		errs = append(errs, fmt.Errorf("generator.api_key is required for the openai driver (or set %s)", EnvOpenAIKey))
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		errs = append(errs, fmt.Errorf("discord.token is required when discord is enabled (or set %s)", EnvDiscordToken))
	}

	return errors.Join(errs...)
}
