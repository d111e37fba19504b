package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/spf13/viper"
)

// Config holds all configuration for a sync node
type Config struct {
	// Application settings
	ConfigFile string `mapstructure:"config_file" yaml:"config_file"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`

	// Peer identity and seed peers
	Node NodeConfig `mapstructure:"node" yaml:"node"`

	// Handshake and retry timing
	Handshake HandshakeConfig `mapstructure:"handshake" yaml:"handshake"`

	// Sync settings
	Sync SyncConfig `mapstructure:"sync" yaml:"sync"`

	// Worker pool settings
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// Storage settings
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Management API settings
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Monitoring settings
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
}

type NodeConfig struct {
	AdvertisedHost         string `mapstructure:"advertised_host" yaml:"advertised_host"`
	Port                   int    `mapstructure:"port" yaml:"port"`
	Peers                  string `mapstructure:"peers" yaml:"peers"` // comma separated host:port or multiaddr
	MaxIncomingConnections int    `mapstructure:"max_incoming_connections" yaml:"max_incoming_connections"`
}

type HandshakeConfig struct {
	IncomingTimeout time.Duration `mapstructure:"incoming_timeout" yaml:"incoming_timeout"`
	OutgoingTimeout time.Duration `mapstructure:"outgoing_timeout" yaml:"outgoing_timeout"`
	RetryPenalty    time.Duration `mapstructure:"retry_penalty" yaml:"retry_penalty"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

type SyncConfig struct {
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	BlockSize         int64         `mapstructure:"block_size" yaml:"block_size"`
	RequestLimit      int           `mapstructure:"request_limit" yaml:"request_limit"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" yaml:"inactivity_timeout"`
	ChecksumAlgorithm string        `mapstructure:"checksum_algorithm" yaml:"checksum_algorithm"` // "sha256", "md5"
	ExcludePatterns   []string      `mapstructure:"exclude_patterns" yaml:"exclude_patterns"`
}

type PoolConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	TempDir string `mapstructure:"temp_dir" yaml:"temp_dir"`
	Watch   bool   `mapstructure:"watch" yaml:"watch"`
}

type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
}

// Load loads configuration from environment variables, an optional config
// file in the usual locations and default values
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/meshsync")

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(filename string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filename)

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", filename, err)
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}
	config.ConfigFile = filename
	return config, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("MESHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Application defaults
	v.SetDefault("log_level", "info")

	// Node defaults
	v.SetDefault("node.advertised_host", "localhost")
	v.SetDefault("node.port", 8111)
	v.SetDefault("node.peers", "")
	v.SetDefault("node.max_incoming_connections", 10)

	// Handshake defaults
	v.SetDefault("handshake.incoming_timeout", "10s")
	v.SetDefault("handshake.outgoing_timeout", "20s")
	v.SetDefault("handshake.retry_penalty", "5s")
	v.SetDefault("handshake.poll_interval", "10s")
	v.SetDefault("handshake.dial_timeout", "5s")

	// Sync defaults
	v.SetDefault("sync.interval", "60s")
	v.SetDefault("sync.block_size", 1048576)
	v.SetDefault("sync.request_limit", 10)
	v.SetDefault("sync.inactivity_timeout", "20s")
	v.SetDefault("sync.checksum_algorithm", "sha256")
	v.SetDefault("sync.exclude_patterns", []string{"*.tmp", "*.lock", "*.swp"})

	// Pool defaults
	v.SetDefault("pool.workers", 4)

	// Storage defaults
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.temp_dir", "./data/.meshsync")
	v.SetDefault("storage.watch", true)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8112)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.AdvertisedHost) == "" {
		return fmt.Errorf("advertised host must be set")
	}

	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("invalid node port: %d", c.Node.Port)
	}

	if c.Node.MaxIncomingConnections <= 0 {
		return fmt.Errorf("max incoming connections must be positive")
	}

	if _, err := c.SeedPeers(); err != nil {
		return fmt.Errorf("invalid seed peers: %w", err)
	}

	if c.Handshake.IncomingTimeout <= 0 || c.Handshake.OutgoingTimeout <= 0 {
		return fmt.Errorf("handshake timeouts must be positive")
	}

	if c.Handshake.RetryPenalty < 0 {
		return fmt.Errorf("retry penalty must not be negative")
	}

	if c.Handshake.PollInterval <= 0 || c.Handshake.DialTimeout <= 0 {
		return fmt.Errorf("poll interval and dial timeout must be positive")
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}

	if c.Sync.BlockSize <= 0 {
		return fmt.Errorf("sync block size must be positive")
	}

	if c.Sync.RequestLimit <= 0 {
		return fmt.Errorf("sync request limit must be positive")
	}

	if c.Sync.InactivityTimeout <= 0 {
		return fmt.Errorf("sync inactivity timeout must be positive")
	}

	if c.Sync.ChecksumAlgorithm != "sha256" && c.Sync.ChecksumAlgorithm != "md5" {
		return fmt.Errorf("invalid checksum algorithm: %s", c.Sync.ChecksumAlgorithm)
	}

	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool workers must be positive")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data dir must be set")
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}

	if c.Monitoring.Enabled && !strings.HasPrefix(c.Monitoring.MetricsPath, "/") {
		return fmt.Errorf("metrics path must start with /: %q", c.Monitoring.MetricsPath)
	}

	return nil
}

// Self returns the identity this node advertises in handshakes.
func (c *Config) Self() protocol.HostPort {
	return protocol.HostPort{Host: c.Node.AdvertisedHost, Port: c.Node.Port}
}

// SeedPeers parses the configured peer list.
func (c *Config) SeedPeers() ([]protocol.HostPort, error) {
	return protocol.ParsePeerList(c.Node.Peers)
}
