package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile_DefaultsFillPaths(t *testing.T) {
	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("data", "registry"), cfg.Registry.Path)
	assert.Equal(t, filepath.Join("data", "ledger.db"), cfg.Quota.LedgerPath)
	assert.Equal(t, 3, cfg.Recovery.MaxAttempts)
	assert.Equal(t, 0.8, cfg.Governor.HighWater)
}

func TestLoadFromFile_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "botfleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
data_dir: /srv/botfleet
registry:
  backend: badger
quota:
  per_tenant: 3
  meter_interval: 30m
recovery:
  base_delay: 2s
  max_delay: 1m
`), 0o644))

	t.Setenv("BOTFLEET_QUOTA_PER_TENANT", "7")
	t.Setenv("BOTFLEET_RESTART_MAX_DELAY", "90")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/srv/botfleet/registry.badger", cfg.Registry.Path)
	assert.Equal(t, 7, cfg.Quota.PerTenant)
	assert.Equal(t, 30*time.Minute, cfg.Quota.MeterInterval)
	assert.Equal(t, 2*time.Second, cfg.Recovery.BaseDelay)
	assert.Equal(t, 90*time.Second, cfg.Recovery.MaxDelay)
}

func TestLoadFromFile_Rejects(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFromFile(filepath.Join(dir, "botfleet.toml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"registry":{"backend":"etcd"}}`), 0o644))
	_, err = LoadFromFile(bad)
	require.ErrorContains(t, err, "unknown registry backend")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"no bot":        func(c *Config) { c.BotBin = " " },
		"tenant":        func(c *Config) { c.Quota.PerTenant = 0 },
		"global":        func(c *Config) { c.Quota.GlobalLive = 0 },
		"meter":         func(c *Config) { c.Quota.MeterInterval = 0 },
		"delays":        func(c *Config) { c.Recovery.MaxDelay = time.Millisecond },
		"high water":    func(c *Config) { c.Governor.HighWater = 1.5 },
		"recycle share": func(c *Config) { c.Governor.RecycleFraction = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
