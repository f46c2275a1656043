package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomstack/loom/internal/assert"
	"github.com/loomstack/loom/internal/config"
)

func TestDefaults(t *testing.T) {
	as := assert.New(t)
	cfg := config.NewDefaultConfig()

	as.Equal(config.DefaultAPIPort, cfg.APIPort)
	as.Equal(config.DefaultAPIHost, cfg.APIHost)
	as.Equal("info", cfg.LogLevel)
	as.Equal(config.BackendSQLite, cfg.Store.Backend)
	as.Equal(config.DefaultStorePath, cfg.Store.Path)
	as.Equal(config.DefaultWorkerCount, cfg.Worker.Count)
	as.Equal(500*time.Millisecond, cfg.PollInterval())
	as.Equal(time.Minute, cfg.Lease())
	as.Equal(config.DefaultRetryCount, cfg.Activity.DefaultRetryCount)
	as.Equal(30*time.Second, cfg.ActivityTimeout())
	as.Equal(time.Second, cfg.BackoffBase())
	as.Equal(5*time.Minute, cfg.BackoffCap())
	as.ConfigValid(cfg)
}

func TestLoadFile(t *testing.T) {
	as := assert.New(t)
	path := filepath.Join(t.TempDir(), "loom.toml")
	content := `
api_port = 9090
log_level = "debug"

[store]
backend = "postgres"
dsn = "postgres://loom@localhost/loom"

[worker]
count = 8
lease_ms = 120000

[activity]
default_retry_count = 5
`
	as.NoError(os.WriteFile(path, []byte(content), 0o644))

	cfg := config.NewDefaultConfig()
	as.NoError(cfg.LoadFile(path))

	as.Equal(9090, cfg.APIPort)
	as.Equal("debug", cfg.LogLevel)
	as.Equal(config.BackendPostgres, cfg.Store.Backend)
	as.Equal("postgres://loom@localhost/loom", cfg.Store.DSN)
	as.Equal(8, cfg.Worker.Count)
	as.Equal(2*time.Minute, cfg.Lease())
	as.Equal(5, cfg.Activity.DefaultRetryCount)

	// defaults survive for keys the file does not mention
	as.Equal(int64(config.DefaultPollIntervalMs), cfg.Worker.PollIntervalMs)
	as.ConfigValid(cfg)
}

func TestLoadFileMissing(t *testing.T) {
	as := assert.New(t)
	cfg := config.NewDefaultConfig()
	as.NoError(cfg.LoadFile(filepath.Join(t.TempDir(), "absent.toml")))
	as.NoError(cfg.LoadFile(""))
	as.ConfigValid(cfg)
}

func TestLoadFileMalformed(t *testing.T) {
	as := assert.New(t)
	path := filepath.Join(t.TempDir(), "loom.toml")
	as.NoError(os.WriteFile(path, []byte("api_port = {"), 0o644))

	cfg := config.NewDefaultConfig()
	as.Error(cfg.LoadFile(path))
}

func TestLoadFromEnv(t *testing.T) {
	as := assert.New(t)
	t.Setenv("API_HOST", "127.0.0.1")
	t.Setenv("API_PORT", "9191")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("STORE_PATH", "/tmp/loom-test.db")
	t.Setenv("WORKER_COUNT", "2")
	t.Setenv("WORKER_LEASE_MS", "30000")
	t.Setenv("ACTIVITY_BACKOFF_BASE_MS", "250")

	cfg := config.NewDefaultConfig()
	as.NoError(cfg.LoadFromEnv())

	as.Equal("127.0.0.1", cfg.APIHost)
	as.Equal(9191, cfg.APIPort)
	as.Equal("warn", cfg.LogLevel)
	as.Equal("/tmp/loom-test.db", cfg.Store.Path)
	as.Equal(2, cfg.Worker.Count)
	as.Equal(30*time.Second, cfg.Lease())
	as.Equal(250*time.Millisecond, cfg.BackoffBase())
	as.ConfigValid(cfg)
}

func TestLoadFromEnvOverridesFile(t *testing.T) {
	as := assert.New(t)
	path := filepath.Join(t.TempDir(), "loom.toml")
	as.NoError(os.WriteFile(path, []byte("api_port = 9090"), 0o644))
	t.Setenv("API_PORT", "9999")

	cfg := config.NewDefaultConfig()
	as.NoError(cfg.LoadFile(path))
	as.NoError(cfg.LoadFromEnv())
	as.Equal(9999, cfg.APIPort)
}

func TestLoadFromEnvInvalid(t *testing.T) {
	as := assert.New(t)

	t.Setenv("API_PORT", "not-a-number")
	cfg := config.NewDefaultConfig()
	as.Error(cfg.LoadFromEnv())

	t.Setenv("API_PORT", "70000")
	cfg = config.NewDefaultConfig()
	as.Error(cfg.LoadFromEnv())

	t.Setenv("API_PORT", "")
	t.Setenv("WORKER_COUNT", "-1")
	cfg = config.NewDefaultConfig()
	as.Error(cfg.LoadFromEnv())
}

func TestValidate(t *testing.T) {
	as := assert.New(t)

	cfg := config.NewDefaultConfig()
	cfg.APIPort = 0
	as.ConfigInvalid(cfg, "API port")

	cfg = config.NewDefaultConfig()
	cfg.Store.Backend = "mongodb"
	as.ConfigInvalid(cfg, "backend")

	cfg = config.NewDefaultConfig()
	cfg.Store.Path = ""
	as.ConfigInvalid(cfg, "store path")

	cfg = config.NewDefaultConfig()
	cfg.Store.Backend = config.BackendPostgres
	as.ConfigInvalid(cfg, "DSN")

	cfg = config.NewDefaultConfig()
	cfg.Worker.Count = 0
	as.ConfigInvalid(cfg, "worker count")

	cfg = config.NewDefaultConfig()
	cfg.Worker.LeaseMs = 0
	as.ConfigInvalid(cfg, "lease")

	cfg = config.NewDefaultConfig()
	cfg.Activity.DefaultRetryCount = -1
	as.ConfigInvalid(cfg, "retry count")

	cfg = config.NewDefaultConfig()
	cfg.Activity.BackoffCapMs = cfg.Activity.BackoffBaseMs - 1
	as.ConfigInvalid(cfg, "backoff cap")
}
