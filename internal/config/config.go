package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config models soldout.yml.
type Config struct {
	Collection struct {
		ID      string `yaml:"id"`
		Size    int    `yaml:"size"`
		Catalog string `yaml:"catalog"`
	} `yaml:"collection"`
	Chain struct {
		RPCURL             string `yaml:"rpc_url"`
		CollectionAddress  string `yaml:"collection_address"`
		MarketplaceAddress string `yaml:"marketplace_address"`
		MulticallAddress   string `yaml:"multicall_address"`
		TreasuryAddress    string `yaml:"treasury_address"`
	} `yaml:"chain"`
	Limits struct {
		CallsPerWindow      int `yaml:"calls_per_window"`
		WindowSeconds       int `yaml:"window_seconds"`
		BatchConcurrency    int `yaml:"batch_concurrency"`
		CallTimeoutSeconds  int `yaml:"call_timeout_seconds"`
		QueueTimeoutSeconds int `yaml:"queue_timeout_seconds"`
		ChunkSize           int `yaml:"chunk_size"`
	} `yaml:"limits"`
	Cache struct {
		CountsTTLSeconds    int    `yaml:"counts_ttl_seconds"`
		OwnershipTTLSeconds int    `yaml:"ownership_ttl_seconds"`
		SettleDelaySeconds  int    `yaml:"settle_delay_seconds"`
		DB                  string `yaml:"db"`
	} `yaml:"cache"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with soldout config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "soldout.yml")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Collection.ID == "" {
		return fmt.Errorf("config.collection.id is required")
	}
	if c.Collection.Size <= 0 {
		return fmt.Errorf("config.collection.size must be positive")
	}
	if c.Collection.Catalog == "" {
		return fmt.Errorf("config.collection.catalog is required")
	}
	for name, addr := range map[string]string{
		"collection_address":  c.Chain.CollectionAddress,
		"marketplace_address": c.Chain.MarketplaceAddress,
		"multicall_address":   c.Chain.MulticallAddress,
		"treasury_address":    c.Chain.TreasuryAddress,
	} {
		if addr == "" {
			return fmt.Errorf("config.chain.%s is required", name)
		}
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("config.chain.%s is not a hex address: %s", name, addr)
		}
	}
	if c.Limits.CallsPerWindow <= 0 {
		return fmt.Errorf("config.limits.calls_per_window must be positive")
	}
	if c.Limits.WindowSeconds <= 0 {
		return fmt.Errorf("config.limits.window_seconds must be positive")
	}
	if c.Limits.ChunkSize <= 0 {
		return fmt.Errorf("config.limits.chunk_size must be positive")
	}
	if c.Limits.BatchConcurrency <= 0 {
		return fmt.Errorf("config.limits.batch_concurrency must be positive")
	}
	if c.Cache.CountsTTLSeconds <= 0 {
		return fmt.Errorf("config.cache.counts_ttl_seconds must be positive")
	}
	if c.Cache.OwnershipTTLSeconds <= 0 {
		return fmt.Errorf("config.cache.ownership_ttl_seconds must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Duration accessors keep time math out of call sites.

func (c *Config) Window() time.Duration {
	return time.Duration(c.Limits.WindowSeconds) * time.Second
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Limits.CallTimeoutSeconds) * time.Second
}

func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.Limits.QueueTimeoutSeconds) * time.Second
}

func (c *Config) CountsTTL() time.Duration {
	return time.Duration(c.Cache.CountsTTLSeconds) * time.Second
}

func (c *Config) OwnershipTTL() time.Duration {
	return time.Duration(c.Cache.OwnershipTTLSeconds) * time.Second
}

func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Cache.SettleDelaySeconds) * time.Second
}

// Treasury returns the creator/treasury address items are minted from.
func (c *Config) Treasury() common.Address {
	return common.HexToAddress(c.Chain.TreasuryAddress)
}

// Default returns the default Config struct for a collection.
func Default(collectionID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, collectionID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(collectionID string) string {
	return fmt.Sprintf(defaultTemplate, collectionID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `collection:
  id: %s
  size: 7800
  catalog: catalog.yml

chain:
  rpc_url: http://127.0.0.1:8545
  collection_address: "0x0000000000000000000000000000000000000001"
  marketplace_address: "0x0000000000000000000000000000000000000002"
  multicall_address: "0xcA11bde05977b3631167028862bE2a173976CA11"
  treasury_address: "0x0000000000000000000000000000000000000003"

limits:
  calls_per_window: 100
  window_seconds: 10
  batch_concurrency: 4
  call_timeout_seconds: 15
  queue_timeout_seconds: 30
  chunk_size: 100

cache:
  counts_ttl_seconds: 60
  ownership_ttl_seconds: 300
  settle_delay_seconds: 5
  db: ""

server:
  addr: ":8787"
  base_path: /v0
  jwt_secret: ""
`
