package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, "sagaflow.db", cfg.Storage.Path)
	assert.Equal(t, "backups", cfg.Storage.BackupDir)
	assert.Equal(t, 10, cfg.DLQ.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Alerts.RateLimit)
	assert.Equal(t, 1000, cfg.Alerts.RingSize)
	assert.Equal(t, "conservative", cfg.Retry.DefaultPolicy)
	assert.Equal(t, "local", cfg.Node)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sagaflow.yaml")
	body := `
storage:
  backend: sqlite
  path: /var/lib/sagaflow/flow.db
dlq:
  max_retries: 3
alerts:
  rate_limit: 30s
  webhook_url: https://hooks.example.com/sagaflow
  email:
    addr: smtp.example.com:587
    from: eng@example.com
    to:
      - oncall@example.com
breakers:
  payment_gateway:
    failure_threshold: 1
    success_threshold: 1
    open_timeout: 90s
    reset_timeout: 3m
node: worker-2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/sagaflow/flow.db", cfg.Storage.Path)
	assert.Equal(t, 3, cfg.DLQ.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Alerts.RateLimit)
	assert.Equal(t, "https://hooks.example.com/sagaflow", cfg.Alerts.WebhookURL)
	assert.Equal(t, []string{"oncall@example.com"}, cfg.Alerts.Email.To)
	assert.Equal(t, "worker-2", cfg.Node)

	pg, ok := cfg.Breakers["payment_gateway"]
	require.True(t, ok)
	assert.Equal(t, 1, pg.FailureThreshold)
	assert.Equal(t, 90*time.Second, pg.OpenTimeout)
	assert.Equal(t, 3*time.Minute, pg.ResetTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SAGAFLOW_NODE", "worker-9")
	t.Setenv("SAGAFLOW_RETRY_DEFAULT_POLICY", "aggressive")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "worker-9", cfg.Node)
	assert.Equal(t, "aggressive", cfg.Retry.DefaultPolicy)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"memory ok", func(c *Config) {}, true},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, false},
		{"sqlite needs path", func(c *Config) { c.Storage.Backend = BackendSQLite; c.Storage.Path = "" }, false},
		{"mysql needs dsn", func(c *Config) { c.Storage.Backend = BackendMySQL }, false},
		{"mysql with dsn", func(c *Config) {
			c.Storage.Backend = BackendMySQL
			c.Storage.DSN = "flow:flow@tcp(localhost:3306)/flow?parseTime=true"
		}, true},
		{"negative dlq retries", func(c *Config) { c.DLQ.MaxRetries = -1 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mut(cfg)
			err = cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestOpenStoreMemory(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	st, err := cfg.OpenStore()
	require.NoError(t, err)
	require.NotNil(t, st)
	require.NoError(t, st.Close())
}

func TestOpenStoreSQLite(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = BackendSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "flow.db")

	st, err := cfg.OpenStore()
	require.NoError(t, err)
	require.NoError(t, st.Close())
}
