package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPath(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_FirstRunCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "cal", cfg.IndexPrefix)
	assert.Equal(t, []string{"http://127.0.0.1:9200"}, cfg.Elastic.Addresses)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	want := DefaultConfig()
	want.IndexPrefix = "prod"
	want.Elastic.Addresses = []string{"http://es1:9200", "http://es2:9200"}
	want.Elastic.Username = "indexer"
	want.UserCaps = CapsConfig{MaxYears: 2, MaxInstances: 100}
	want.Cache.EventTTL = 5 * time.Minute
	want.PurgeCron = "0 3 * * *"

	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestNormalize_FillsZeroValues(t *testing.T) {
	cfg := &Config{IndexPrefix: "custom"}
	cfg.Normalize()

	assert.Equal(t, "custom", cfg.IndexPrefix)
	assert.Equal(t, DefaultConfig().Elastic.Addresses, cfg.Elastic.Addresses)
	assert.Equal(t, DefaultConfig().Bulk, cfg.Bulk)
	assert.Equal(t, 30*time.Second, cfg.Cache.TokenCheckInterval)
}

func TestLoad_PartialYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := "index_prefix: edge\nelastic:\n  addresses: [\"http://es:9200\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "edge", cfg.IndexPrefix)
	assert.Equal(t, []string{"http://es:9200"}, cfg.Elastic.Addresses)
	assert.Equal(t, DefaultConfig().UserCaps, cfg.UserCaps)
}
