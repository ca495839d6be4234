package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emperorhan/cellsync/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvKeys = []string{
	"DB_DRIVER", "DB_URL", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME_MIN",
	"DB_POOL_STATS_INTERVAL_MS", "NODE_UNHEALTHY_AFTER",
	"NODE_RPC_URL", "INDEXER_RPC_URL", "RPC_TIMEOUT_SEC", "RPC_RPS", "RPC_BURST",
	"RPC_RETRY_MAX_ATTEMPTS", "RPC_BACKOFF_INITIAL_MS", "RPC_BACKOFF_MAX_MS",
	"SYNC_WORKERS", "SYNC_INTERVAL_MS", "SYNC_PAGE_SIZE", "REORG_MAX_DEPTH",
	"LOCK_PERIOD_BLOCKS", "LOCK_PERIOD_TYPE_CODE_HASH", "SYNC_RATE_WINDOW",
	"REDIS_URL", "REDIS_SYNC_CHANNEL", "API_PORT", "TRACING_ENABLED",
	"TRACING_ENDPOINT", "TRACING_INSECURE", "TRACING_SAMPLE_RATIO",
	"ALERT_WEBHOOK_URL", "ALERT_SLACK_WEBHOOK_URL", "ALERT_COOLDOWN_SEC",
	"LOG_LEVEL", "WATCH_FILE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.DB.Driver)
	assert.Equal(t, filepath.Join(".cellsync", "cache.db"), filepath.Join(filepath.Base(filepath.Dir(cfg.DB.URL)), filepath.Base(cfg.DB.URL)))
	assert.Equal(t, dbPoolStatsIntervalDefaultMS, cfg.DB.PoolStatsIntervalMS)
	assert.Equal(t, "http://127.0.0.1:8114", cfg.Node.RPCURL)
	assert.Equal(t, cfg.Node.RPCURL, cfg.Node.IndexerURL)
	assert.Equal(t, 30*time.Second, cfg.Node.Timeout)
	assert.Equal(t, 4, cfg.Node.RetryMaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Node.BackoffInitial)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 2*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 100, cfg.Sync.PageSize)
	assert.Equal(t, int64(256), cfg.Sync.MaxReorgDepth)
	assert.Equal(t, time.Minute, cfg.Sync.RateWindow)
	assert.Zero(t, cfg.Lock.Blocks)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, "cellsync:sync_state", cfg.Redis.Channel)
	assert.Equal(t, 8080, cfg.Server.APIPort)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Alert.Cooldown)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.WatchFile)
}

func TestLoad_EnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_URL", "postgres://cellsync:cellsync@db:5432/cellsync?sslmode=disable")
	t.Setenv("NODE_RPC_URL", "https://node.example:8114")
	t.Setenv("INDEXER_RPC_URL", "https://indexer.example:8116")
	t.Setenv("RPC_RPS", "2.5")
	t.Setenv("SYNC_WORKERS", "8")
	t.Setenv("SYNC_INTERVAL_MS", "500")
	t.Setenv("REORG_MAX_DEPTH", "64")
	t.Setenv("SYNC_RATE_WINDOW", "30s")
	t.Setenv("LOCK_PERIOD_BLOCKS", "180")
	t.Setenv("LOCK_PERIOD_TYPE_CODE_HASH", "0x82d76d1b75fe2fd9a27dfbaa65a039221a380d76c926f378d3f81cf3e7e13f2e")
	t.Setenv("REDIS_URL", "redis://redis:6379")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("WATCH_FILE", "/etc/cellsync/watch.yaml")
	t.Setenv("DB_POOL_STATS_INTERVAL_MS", "12500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, "https://indexer.example:8116", cfg.Node.IndexerURL)
	assert.Equal(t, 2.5, cfg.Node.RPS)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.Interval)
	assert.Equal(t, int64(64), cfg.Sync.MaxReorgDepth)
	assert.Equal(t, 30*time.Second, cfg.Sync.RateWindow)
	assert.Equal(t, int64(180), cfg.Lock.Blocks)
	assert.Equal(t, "redis://redis:6379", cfg.Redis.URL)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "/etc/cellsync/watch.yaml", cfg.WatchFile)
	assert.Equal(t, 12500, cfg.DB.PoolStatsIntervalMS)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"node url scheme", map[string]string{"NODE_RPC_URL": "ftp://node"}, "NODE_RPC_URL"},
		{"indexer url host", map[string]string{"INDEXER_RPC_URL": "http://"}, "INDEXER_RPC_URL"},
		{"zero workers", map[string]string{"SYNC_WORKERS": "0"}, "SYNC_WORKERS"},
		{"zero page size", map[string]string{"SYNC_PAGE_SIZE": "0"}, "SYNC_PAGE_SIZE"},
		{"negative reorg depth", map[string]string{"REORG_MAX_DEPTH": "-1"}, "REORG_MAX_DEPTH"},
		{"lock period without type", map[string]string{"LOCK_PERIOD_BLOCKS": "180"}, "LOCK_PERIOD_TYPE_CODE_HASH"},
		{"sample ratio", map[string]string{"TRACING_SAMPLE_RATIO": "1.5"}, "TRACING_SAMPLE_RATIO"},
		{"pool stats too low", map[string]string{"DB_POOL_STATS_INTERVAL_MS": "1"}, "DB_POOL_STATS_INTERVAL_MS"},
		{"pool stats not a number", map[string]string{"DB_POOL_STATS_INTERVAL_MS": "soon"}, "DB_POOL_STATS_INTERVAL_MS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetEnvInt_InvalidValue(t *testing.T) {
	t.Setenv("TEST_INT", "not_a_number")
	assert.Equal(t, 42, getEnvInt("TEST_INT", 42))
}

func TestGetEnvInt_ValidValue(t *testing.T) {
	t.Setenv("TEST_INT", " 100 ")
	assert.Equal(t, 100, getEnvInt("TEST_INT", 42))
}

func TestGetEnvDuration_RejectsNonPositive(t *testing.T) {
	t.Setenv("TEST_DUR", "-5s")
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR", time.Minute))
}

func TestParseWatchFile(t *testing.T) {
	raw := []byte(`
scripts:
  - code_hash: "0x9bd7e06f3ecf4be0f2fcd2188b23f1b9fcc88e5d4b65a8637b17723bbda3cce8"
    hash_type: type
    args: "0x36c329ed630d6ce750712a477543672adab57f4c"
    start_block: 1200000
    wallet_id: main
  - code_hash: "0x5c5069eb0857efc65e1bca0c07df34c31663b3622fd3876c876320fc9634e2a8"
    hash_type: type
    args: "0xabcdef"
    kind: multisig
`)
	regs, err := ParseWatchFile(raw)
	require.NoError(t, err)
	require.Len(t, regs, 2)

	assert.Equal(t, model.ScriptKindAddress, regs[0].Kind)
	assert.Equal(t, int64(1200000), regs[0].StartBlockNumber)
	assert.Equal(t, model.HashType("type"), regs[0].Script.HashType)
	require.NotNil(t, regs[0].WalletID)
	assert.Equal(t, "main", *regs[0].WalletID)

	assert.Equal(t, model.ScriptKindMultisig, regs[1].Kind)
	assert.Nil(t, regs[1].WalletID)
	assert.Zero(t, regs[1].StartBlockNumber)
}

func TestParseWatchFile_Errors(t *testing.T) {
	_, err := ParseWatchFile([]byte("scripts: [ {args: 0x01} ]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code_hash")

	_, err = ParseWatchFile([]byte("scripts: {"))
	require.Error(t, err)
}

func TestLoadWatchFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scripts: []\n"), 0o600))

	regs, err := LoadWatchFile(path)
	require.NoError(t, err)
	assert.Empty(t, regs)

	_, err = LoadWatchFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
