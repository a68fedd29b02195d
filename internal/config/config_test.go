package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30, cfg.Consistency.MaxGlobalBarrierRetries)
	assert.Equal(t, 4, cfg.Consistency.MaxShortGlobalBarrierRetries)
	assert.Equal(t, 10*time.Millisecond, cfg.Consistency.ShortGlobalBarrierDelay)
	assert.Equal(t, 30*time.Millisecond, cfg.Consistency.GlobalBarrierDelay)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown consistency",
			mutate:  func(c *Config) { c.Account.DefaultConsistency = "quorum" },
			wantErr: "account.default_consistency",
		},
		{
			name:    "no write endpoints",
			mutate:  func(c *Config) { c.Endpoints.Write = nil },
			wantErr: "endpoints.write",
		},
		{
			name:    "bad protocol",
			mutate:  func(c *Config) { c.Transport.Protocol = "tcp" },
			wantErr: "transport.protocol",
		},
		{
			name: "static mode without topology",
			mutate: func(c *Config) {
				c.Metadata.Mode = "static"
				c.Metadata.TopologyPath = ""
			},
			wantErr: "metadata.topology_path",
		},
		{
			name:    "warm collection is not a collection link",
			mutate:  func(c *Config) { c.Cache.WarmCollections = []string{"dbs/db1/colls/orders", "dbs/db1"} },
			wantErr: "cache.warm_collections",
		},
		{
			name: "redis enabled without host",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Host = ""
			},
			wantErr: "redis.host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "directconn.yaml")
	content := `
account:
  default_consistency: Strong
  max_replica_set_size: 4
endpoints:
  write: ["https://east.example.com/"]
  read: ["https://east.example.com/", "https://west.example.com/"]
  max_backup_read_regions: 2
transport:
  protocol: https
  request_timeout: 3s
cache:
  entry_ttl: 10m
  warm_collections: ["dbs/db1/colls/orders"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DIRECTCONN_READ_ENDPOINTS", "https://west.example.com/, https://north.example.com/")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Strong", cfg.Account.DefaultConsistency)
	assert.Equal(t, "https", cfg.Transport.Protocol)
	assert.Equal(t, 3*time.Second, cfg.Transport.RequestTimeout)
	assert.Equal(t, 2, cfg.Endpoints.MaxBackupReadRegions)
	assert.Equal(t, []string{"https://west.example.com/", "https://north.example.com/"}, cfg.Endpoints.Read)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 10*time.Minute, cfg.Cache.EntryTTL)
	assert.Equal(t, []string{"dbs/db1/colls/orders"}, cfg.Cache.WarmCollections)
	// untouched sections keep defaults
	assert.Equal(t, 6, cfg.Consistency.MaxReadQuorumRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
