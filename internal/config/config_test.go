package config

import (
	"testing"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, uint64(16*1024), cfg.ChunkSize)
	assert.Equal(t, uint64(100*1024*1024), cfg.MaxFileSize)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Zero(t, cfg.OfferTimeout)
	assert.Len(t, cfg.STUNServers, 5)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverridesDefaults(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"PEERDROP_RENDEZVOUS_URL":    "wss://signal.example.com/ws",
		"PEERDROP_LOG_LEVEL":         "debug",
		"PEERDROP_CHUNK_SIZE":        "48KiB",
		"PEERDROP_MAX_FILE_SIZE":     "1GiB",
		"PEERDROP_MAX_TRANSFER_SIZE": "2GiB",
		"PEERDROP_OFFER_TIMEOUT":     "2m",
		"PEERDROP_STUN_SERVERS":      "stun:a:3478, stun:b:3478",
		"PEERDROP_AUTO_ACCEPT":       "true",
		"PEERDROP_CONNECT_TIMEOUT":   "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "wss://signal.example.com/ws", cfg.RendezvousURL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint64(48*1024), cfg.ChunkSize)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(1<<30), cfg.MaxFileSize)
	assert.Equal(t, uint64(2<<30), cfg.MaxTransferSize)
	assert.Equal(t, 2*time.Minute, cfg.OfferTimeout)
	assert.Equal(t, []string{"stun:a:3478", "stun:b:3478"}, cfg.STUNServers)
	assert.True(t, cfg.AutoAccept)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
}

func TestEnvErrors(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(envMap(map[string]string{
		"PEERDROP_CHUNK_SIZE":   "lots",
		"PEERDROP_RETRY_DELAY":  "soon",
		"PEERDROP_AUTO_ACCEPT":  "maybe",
		"PEERDROP_HISTORY_DB":   "h.db",
		"PEERDROP_STUN_SERVERS": "",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PEERDROP_CHUNK_SIZE")
	assert.Contains(t, err.Error(), "PEERDROP_RETRY_DELAY")
	assert.Contains(t, err.Error(), "PEERDROP_AUTO_ACCEPT")

	// Valid values are still applied.
	assert.Equal(t, "h.db", cfg.HistoryDB)
	assert.Empty(t, cfg.STUNServers)
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.applyEnv(envMap(map[string]string{
		"PEERDROP_LOG_LEVEL":  "warn",
		"PEERDROP_CHUNK_SIZE": "32KiB",
		"PEERDROP_OUTPUT_DIR": "/env",
	})))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level", "error", "--chunk-size", "8KiB", "-y", "--stun", "stun:x:1"}))

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, uint64(8*1024), cfg.ChunkSize)
	assert.Equal(t, "/env", cfg.OutputDir)
	assert.True(t, cfg.AutoAccept)
	assert.Equal(t, []string{"stun:x:1"}, cfg.STUNServers)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":  func(c *Config) { c.LogLevel = "loud" },
		"chunk size": func(c *Config) { c.ChunkSize = 1 << 20 },
		"max chunk":  func(c *Config) { c.ChunkSize = 64 * 1024 },
		"zero chunk": func(c *Config) { c.ChunkSize = 0 },
		"max size":   func(c *Config) { c.MaxFileSize = 0 },
		"total size": func(c *Config) { c.MaxTransferSize = c.MaxFileSize - 1 },
		"watermarks": func(c *Config) { c.LowWaterMark = c.HighWaterMark },
		"connect":    func(c *Config) { c.ConnectTimeout = 0 },
		"url":        func(c *Config) { c.RendezvousURL = "" },
		"negative":   func(c *Config) { c.OfferTimeout = -time.Second },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.ChunkSize = 4096
	cfg.OfferTimeout = time.Minute
	log := cfg.Logger()

	sc := cfg.Session(log)
	assert.Equal(t, 4096, sc.Transfer.ChunkSize)
	assert.Equal(t, cfg.MaxTransferSize, sc.Transfer.MaxTransferSize)
	assert.Equal(t, transfer.DefaultMaxOfferFiles, sc.Transfer.MaxOfferFiles)
	assert.Equal(t, time.Minute, sc.Transfer.OfferTimeout)
	assert.NotNil(t, sc.Transfer.Logger)
	assert.Equal(t, cfg.ConnectTimeout, sc.ConnectTimeout)

	rc := cfg.Rendezvous(log)
	assert.Equal(t, cfg.RendezvousURL, rc.URL)
	assert.Equal(t, cfg.HighWaterMark, rc.WebRTC.HighWaterMark)
	assert.Equal(t, cfg.STUNServers, rc.WebRTC.STUNServers)
}
