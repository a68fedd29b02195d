package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config represents the direct connectivity client configuration
type Config struct {
	Account           AccountConfig           `mapstructure:"account"`
	Endpoints         EndpointsConfig         `mapstructure:"endpoints"`
	Transport         TransportConfig         `mapstructure:"transport"`
	Metadata          MetadataConfig          `mapstructure:"metadata"`
	Cache             CacheConfig             `mapstructure:"cache"`
	Redis             RedisConfig             `mapstructure:"redis"`
	Consistency       ConsistencyConfig       `mapstructure:"consistency"`
	BackgroundRefresh BackgroundRefreshConfig `mapstructure:"background_refresh"`
	Server            ServerConfig            `mapstructure:"server"`
	Metrics           MetricsConfig           `mapstructure:"metrics"`
	Logging           LoggingConfig           `mapstructure:"logging"`
}

// AccountConfig describes the database account the client talks to
type AccountConfig struct {
	DefaultConsistency           string `mapstructure:"default_consistency"`
	EnableMultipleWriteLocations bool   `mapstructure:"enable_multiple_write_locations"`
	MaxReplicaSetSize            int    `mapstructure:"max_replica_set_size"`
	MasterKey                    string `mapstructure:"master_key"`
}

// EndpointsConfig lists the regional gateway endpoints in preference order
type EndpointsConfig struct {
	Write                []string `mapstructure:"write"`
	Read                 []string `mapstructure:"read"`
	MaxBackupReadRegions int      `mapstructure:"max_backup_read_regions"`
}

// TransportConfig represents replica transport configuration
type TransportConfig struct {
	Protocol           string        `mapstructure:"protocol"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	MaxRecvMsgSize     int           `mapstructure:"max_recv_msg_size"`
	KeepAliveTime      time.Duration `mapstructure:"keepalive_time"`
}

// MetadataConfig represents the metadata source (gateway or static topology)
type MetadataConfig struct {
	Mode           string        `mapstructure:"mode"`
	TopologyPath   string        `mapstructure:"topology_path"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	QPS            float64       `mapstructure:"qps"`
	Burst          int           `mapstructure:"burst"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

// CacheConfig represents address and metadata cache configuration
type CacheConfig struct {
	EntryTTL                   time.Duration `mapstructure:"entry_ttl"`
	SuboptimalPartitionRefresh time.Duration `mapstructure:"suboptimal_partition_refresh"`
	SnapshotTTL                time.Duration `mapstructure:"snapshot_ttl"`
	// WarmCollections lists collection links (dbs/<db>/colls/<coll>) whose
	// addresses are loaded at startup.
	WarmCollections []string `mapstructure:"warm_collections"`
}

// RedisConfig represents the optional Redis address snapshot store
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// ConsistencyConfig holds quorum and barrier tuning
type ConsistencyConfig struct {
	EnforceSessionCheck          bool          `mapstructure:"enforce_session_check"`
	MaxReadQuorumRetries         int           `mapstructure:"max_read_quorum_retries"`
	MaxPrimaryReadRetries        int           `mapstructure:"max_primary_read_retries"`
	MaxReadBarrierRetries        int           `mapstructure:"max_read_barrier_retries"`
	ReadBarrierDelay             time.Duration `mapstructure:"read_barrier_delay"`
	MaxGlobalBarrierRetries      int           `mapstructure:"max_global_barrier_retries"`
	MaxShortGlobalBarrierRetries int           `mapstructure:"max_short_global_barrier_retries"`
	ShortGlobalBarrierDelay      time.Duration `mapstructure:"short_global_barrier_delay"`
	GlobalBarrierDelay           time.Duration `mapstructure:"global_barrier_delay"`
	// MaxGoneRetries bounds how often a request is re-driven after a
	// staleness error (Gone, InvalidPartition, range split).
	MaxGoneRetries   int           `mapstructure:"max_gone_retries"`
	GoneRetryBackoff time.Duration `mapstructure:"gone_retry_backoff"`
}

// BackgroundRefreshConfig sizes the background address refresh pool
type BackgroundRefreshConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// ServerConfig represents the debug/health HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Account.DefaultConsistency == "" {
		c.Account.DefaultConsistency = "Session"
	}
	if !isValidConsistencyLevel(c.Account.DefaultConsistency) {
		return errors.New("account.default_consistency must be one of: Strong, BoundedStaleness, Session, ConsistentPrefix, Eventual")
	}
	if c.Account.MaxReplicaSetSize <= 0 {
		return errors.New("account.max_replica_set_size must be positive")
	}
	if len(c.Endpoints.Write) == 0 {
		return errors.New("endpoints.write must contain at least one endpoint")
	}
	if c.Endpoints.MaxBackupReadRegions < 0 {
		return errors.New("endpoints.max_backup_read_regions must not be negative")
	}
	switch c.Transport.Protocol {
	case "https", "rntbd":
	default:
		return fmt.Errorf("transport.protocol must be https or rntbd, got %q", c.Transport.Protocol)
	}
	if c.Transport.RequestTimeout <= 0 {
		return errors.New("transport.request_timeout must be positive")
	}
	switch c.Metadata.Mode {
	case "gateway":
		if c.Metadata.QPS <= 0 {
			return errors.New("metadata.qps must be positive")
		}
	case "static":
		if c.Metadata.TopologyPath == "" {
			return errors.New("metadata.topology_path is required in static mode")
		}
	default:
		return fmt.Errorf("metadata.mode must be gateway or static, got %q", c.Metadata.Mode)
	}
	for _, link := range c.Cache.WarmCollections {
		parts := strings.Split(strings.Trim(link, "/"), "/")
		if len(parts) != 4 || parts[0] != "dbs" || parts[2] != "colls" {
			return fmt.Errorf("cache.warm_collections: %q is not a collection link", link)
		}
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return errors.New("redis.host is required when redis is enabled")
	}
	if c.Consistency.MaxReadQuorumRetries <= 0 || c.Consistency.MaxGlobalBarrierRetries <= 0 {
		return errors.New("consistency retry counts must be positive")
	}
	if c.BackgroundRefresh.Workers <= 0 {
		return errors.New("background_refresh.workers must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// isValidConsistencyLevel checks if the consistency level is valid
func isValidConsistencyLevel(level string) bool {
	switch level {
	case "Strong", "BoundedStaleness", "Session", "ConsistentPrefix", "Eventual":
		return true
	default:
		return false
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			DefaultConsistency: "Session",
			MaxReplicaSetSize:  4,
		},
		Endpoints: EndpointsConfig{
			Write:                []string{"https://localhost:8081/"},
			MaxBackupReadRegions: 1,
		},
		Transport: TransportConfig{
			Protocol:       "rntbd",
			RequestTimeout: 10 * time.Second,
			MaxRecvMsgSize: 16 * 1024 * 1024,
			KeepAliveTime:  30 * time.Second,
		},
		Metadata: MetadataConfig{
			Mode:           "gateway",
			RequestTimeout: 5 * time.Second,
			QPS:            50,
			Burst:          100,
			MaxRetries:     2,
			RetryBackoff:   100 * time.Millisecond,
		},
		Cache: CacheConfig{
			SuboptimalPartitionRefresh: 10 * time.Minute,
			SnapshotTTL:                5 * time.Minute,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			MaxRetries:   3,
			PoolSize:     20,
			MinIdleConns: 2,
		},
		Consistency: ConsistencyConfig{
			MaxReadQuorumRetries:         6,
			MaxPrimaryReadRetries:        6,
			MaxReadBarrierRetries:        6,
			ReadBarrierDelay:             5 * time.Millisecond,
			MaxGlobalBarrierRetries:      30,
			MaxShortGlobalBarrierRetries: 4,
			ShortGlobalBarrierDelay:      10 * time.Millisecond,
			GlobalBarrierDelay:           30 * time.Millisecond,
			MaxGoneRetries:               10,
			GoneRetryBackoff:             100 * time.Millisecond,
		},
		BackgroundRefresh: BackgroundRefreshConfig{
			Workers:   4,
			QueueSize: 256,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
