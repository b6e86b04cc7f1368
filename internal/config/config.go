package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ChainConfig describes one monitored network.
type ChainConfig struct {
	GlobalChainID   string `mapstructure:"global_chain_id"`
	RPCURL          string `mapstructure:"rpc_url"`
	RegistryAddress string `mapstructure:"registry_address"`
	// Empty address disables the WASM registry for this chain.
	WasmRegistryAddress string        `mapstructure:"wasm_registry_address"`
	BatchSize           uint64        `mapstructure:"batch_size"`
	BlockDelay          uint64        `mapstructure:"block_delay"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	SyncThresholdBlocks uint64        `mapstructure:"sync_threshold_blocks"`
	StartBlock          uint64        `mapstructure:"start_block"`
}

// HasWasmRegistry reports whether a WASM registry is configured.
func (c ChainConfig) HasWasmRegistry() bool {
	return c.WasmRegistryAddress != ""
}

// FillerConfig bounds one filler worker.
type FillerConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	IdleInterval  time.Duration `mapstructure:"idle_interval"`
	FailureWindow time.Duration `mapstructure:"failure_window"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
}

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	PgDSN        string        `mapstructure:"pg_dsn"`
	IpfsEndpoint string        `mapstructure:"ipfs_endpoint"`
	LogLevel     string        `mapstructure:"log_level"`
	MetaFiller   FillerConfig  `mapstructure:"meta_filler"`
	WasmFiller   FillerConfig  `mapstructure:"wasm_filler"`
	Chains       []ChainConfig `mapstructure:"chains"`
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ipfs_endpoint", "https://ipfs.io/ipfs/")
	v.SetDefault("log_level", "info")
	v.SetDefault("meta_filler.batch_size", 10)
	v.SetDefault("meta_filler.idle_interval", time.Minute)
	v.SetDefault("meta_filler.failure_window", time.Hour)
	v.SetDefault("meta_filler.max_attempts", 3)
	v.SetDefault("wasm_filler.batch_size", 10)
	v.SetDefault("wasm_filler.idle_interval", time.Minute)
	v.SetDefault("wasm_filler.failure_window", time.Hour)
	v.SetDefault("wasm_filler.max_attempts", 3)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	applyChainDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyChainDefaults(cfg *Config) {
	for i := range cfg.Chains {
		chain := &cfg.Chains[i]
		if chain.BatchSize == 0 {
			chain.BatchSize = 2000
		}
		if chain.PollInterval == 0 {
			chain.PollInterval = 15 * time.Second
		}
		if chain.RetryDelay == 0 {
			chain.RetryDelay = 5 * time.Second
		}
		if chain.SyncThresholdBlocks == 0 {
			chain.SyncThresholdBlocks = 50
		}
	}
}

// Validate rejects incomplete configuration eagerly; a misconfigured chain
// must fail startup, not default silently.
func (c Config) Validate() error {
	if c.PgDSN == "" {
		return fmt.Errorf("pg_dsn is required")
	}
	if c.IpfsEndpoint == "" {
		return fmt.Errorf("ipfs_endpoint is required")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}

	seen := make(map[string]struct{}, len(c.Chains))
	for _, chain := range c.Chains {
		if chain.GlobalChainID == "" {
			return fmt.Errorf("chain missing global_chain_id")
		}
		if _, dup := seen[chain.GlobalChainID]; dup {
			return fmt.Errorf("chain %s: duplicate global_chain_id", chain.GlobalChainID)
		}
		seen[chain.GlobalChainID] = struct{}{}

		if chain.RPCURL == "" {
			return fmt.Errorf("chain %s: rpc_url is required", chain.GlobalChainID)
		}
		if !common.IsHexAddress(chain.RegistryAddress) {
			return fmt.Errorf("chain %s: registry_address %q is not a valid address", chain.GlobalChainID, chain.RegistryAddress)
		}
		if chain.WasmRegistryAddress != "" && !common.IsHexAddress(chain.WasmRegistryAddress) {
			return fmt.Errorf("chain %s: wasm_registry_address %q is not a valid address", chain.GlobalChainID, chain.WasmRegistryAddress)
		}
		if chain.BatchSize == 0 {
			return fmt.Errorf("chain %s: batch_size must be greater than zero", chain.GlobalChainID)
		}
		if chain.PollInterval <= 0 {
			return fmt.Errorf("chain %s: poll_interval must be positive", chain.GlobalChainID)
		}
		if chain.RetryDelay <= 0 {
			return fmt.Errorf("chain %s: retry_delay must be positive", chain.GlobalChainID)
		}
	}
	return nil
}
