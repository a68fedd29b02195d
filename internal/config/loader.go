package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	// Environment variables take precedence over the file
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if level := os.Getenv("DIRECTCONN_DEFAULT_CONSISTENCY"); level != "" {
		cfg.Account.DefaultConsistency = level
	}
	if key := os.Getenv("DIRECTCONN_MASTER_KEY"); key != "" {
		cfg.Account.MasterKey = key
	}

	// Endpoints are comma separated in preference order
	if write := os.Getenv("DIRECTCONN_WRITE_ENDPOINTS"); write != "" {
		cfg.Endpoints.Write = splitList(write)
	}
	if read := os.Getenv("DIRECTCONN_READ_ENDPOINTS"); read != "" {
		cfg.Endpoints.Read = splitList(read)
	}
	if backups := os.Getenv("DIRECTCONN_MAX_BACKUP_READ_REGIONS"); backups != "" {
		if n, err := strconv.Atoi(backups); err == nil {
			cfg.Endpoints.MaxBackupReadRegions = n
		}
	}

	if protocol := os.Getenv("DIRECTCONN_PROTOCOL"); protocol != "" {
		cfg.Transport.Protocol = protocol
	}
	if mode := os.Getenv("DIRECTCONN_METADATA_MODE"); mode != "" {
		cfg.Metadata.Mode = mode
	}
	if path := os.Getenv("DIRECTCONN_TOPOLOGY_PATH"); path != "" {
		cfg.Metadata.TopologyPath = path
	}

	// Redis configuration
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
		cfg.Redis.Enabled = true
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}

	// Logging configuration
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
