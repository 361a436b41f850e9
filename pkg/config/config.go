// Package config provides a reusable loader for icprelayd configuration
// files and environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/synnergy-labs/icp-relay/pkg/utils"
)

// Config represents the unified configuration for an icprelayd node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Channel struct {
		MaxPackets    uint32 `mapstructure:"max_packets" json:"max_packets"`
		PeerContract  string `mapstructure:"peer_contract" json:"peer_contract"`
		TrustSeedFile string `mapstructure:"trust_seed_file" json:"trust_seed_file"`
	} `mapstructure:"channel" json:"channel"`

	Relay struct {
		ChainID       uint64        `mapstructure:"chain_id" json:"chain_id"`
		ListenAddr    string        `mapstructure:"listen_addr" json:"listen_addr"`
		PeerEndpoints []string      `mapstructure:"peer_endpoints" json:"peer_endpoints"`
		PingInterval  time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
	} `mapstructure:"relay" json:"relay"`

	Metrics struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Storage struct {
		DBPath string `mapstructure:"db_path" json:"db_path"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	AppConfig = Config{}
	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ICP_RELAY_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ICP_RELAY_ENV", ""))
}

// LoadFile reads configuration from an explicit path, as given to
// `icprelayd serve --config`, instead of searching the default config
// directories Load uses.
func LoadFile(path string) (*Config, error) {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}
	viper.AutomaticEnv()
	AppConfig = Config{}
	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	applyDefaults(&AppConfig)
	return &AppConfig, nil
}

// applyDefaults fills in zero-value fields that must never be empty for the
// relay to start, mirroring viper's SetDefault behavior but scoped to the
// fields icprelayd actually depends on at startup.
func applyDefaults(c *Config) {
	if c.Relay.PingInterval == 0 {
		c.Relay.PingInterval = 3 * time.Second
	}
	if c.Relay.ListenAddr == "" {
		c.Relay.ListenAddr = ":8901"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9101"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
