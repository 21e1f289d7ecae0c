package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	cfg, err := loadConfig("", envMap(map[string]string{
		"CHAINHOOK_RPC_URL":          "https://rpc.example.com",
		"CHAINHOOK_RPC_CONTRACT_IDS": "CAAA, CBBB,",
		"CHAINHOOK_POLL_INTERVAL":    "2s",
		"CHAINHOOK_MAX_ATTEMPTS":     "5",
	}))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"CAAA", "CBBB"}, cfg.RPC.ContractIDs)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.PollInterval)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 16, cfg.Pipeline.Concurrency)
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chainhook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
store:
  driver: postgres
  dsn: postgres://localhost/chainhook
rpc:
  url: https://rpc.example.com
pipeline:
  request_timeout: 3s
  rate_limit: 10
`), 0o600))

	cfg, err := loadConfig(path, envMap(map[string]string{"CHAINHOOK_RATE_LIMIT": "20"}))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 3*time.Second, cfg.Pipeline.RequestTimeout)
	assert.Equal(t, 20, cfg.Pipeline.RateLimit)
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing rpc url", map[string]string{}},
		{"bad driver", map[string]string{"CHAINHOOK_RPC_URL": "u", "CHAINHOOK_STORE_DRIVER": "sqlite"}},
		{"postgres without dsn", map[string]string{"CHAINHOOK_RPC_URL": "u", "CHAINHOOK_STORE_DRIVER": "postgres"}},
		{"bad duration", map[string]string{"CHAINHOOK_RPC_URL": "u", "CHAINHOOK_POLL_INTERVAL": "soon"}},
		{"bad level", map[string]string{"CHAINHOOK_RPC_URL": "u", "CHAINHOOK_LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig("", envMap(tt.env))
			assert.Error(t, err)
		})
	}
}
