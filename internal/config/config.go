// Package config loads the calidx service configuration from YAML.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ElasticConfig holds the document-store connection settings.
type ElasticConfig struct {
	// Addresses lists the cluster node URLs.
	Addresses []string `yaml:"addresses" json:"addresses"`
	// Username and Password are optional basic-auth credentials.
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// CapsConfig bounds recurrence materialization for one realm.
type CapsConfig struct {
	MaxYears     int `yaml:"max_years" json:"max_years"`
	MaxInstances int `yaml:"max_instances" json:"max_instances"`
}

// CacheConfig paces the token staleness check and the reconstructed-event
// cache.
type CacheConfig struct {
	// TokenCheckInterval throttles change-token staleness checks.
	TokenCheckInterval time.Duration `yaml:"token_check_interval" json:"token_check_interval"`
	// EventTTL bounds reconstructed-event entries; PurgeInterval paces the
	// opportunistic purge pass.
	EventTTL      time.Duration `yaml:"event_ttl" json:"event_ttl"`
	PurgeInterval time.Duration `yaml:"purge_interval" json:"purge_interval"`
}

// BulkConfig sizes the reindex bulk writer.
type BulkConfig struct {
	MaxActions   int           `yaml:"max_actions" json:"max_actions"`
	MaxBytes     int           `yaml:"max_bytes" json:"max_bytes"`
	FlushEvery   time.Duration `yaml:"flush_every" json:"flush_every"`
	MaxInFlight  int           `yaml:"max_in_flight" json:"max_in_flight"`
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
}

// Config is the top-level service configuration.
type Config struct {
	Elastic ElasticConfig `yaml:"elastic" json:"elastic"`

	// IndexPrefix is prepended to the lowercased document type to form the
	// live alias name.
	IndexPrefix string `yaml:"index_prefix" json:"index_prefix"`

	// PublicCaps applies to public events, UserCaps to everything else.
	PublicCaps CapsConfig `yaml:"public_caps" json:"public_caps"`
	UserCaps   CapsConfig `yaml:"user_caps" json:"user_caps"`

	Cache CacheConfig `yaml:"cache" json:"cache"`
	Bulk  BulkConfig  `yaml:"bulk" json:"bulk"`

	// PurgeCron is a cron-style schedule (e.g. "0 3 * * *") for the orphan
	// index purge. Empty disables the schedule.
	PurgeCron string `yaml:"purge_cron,omitempty" json:"purge_cron,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Elastic: ElasticConfig{
			Addresses: []string{"http://127.0.0.1:9200"},
		},
		IndexPrefix: "cal",
		PublicCaps:  CapsConfig{MaxYears: 10, MaxInstances: 2000},
		UserCaps:    CapsConfig{MaxYears: 4, MaxInstances: 500},
		Cache: CacheConfig{
			TokenCheckInterval: 30 * time.Second,
			EventTTL:           2 * time.Minute,
			PurgeInterval:      2 * time.Minute,
		},
		Bulk: BulkConfig{
			MaxActions:   500,
			MaxBytes:     4 << 20,
			FlushEvery:   5 * time.Second,
			MaxInFlight:  3,
			DrainTimeout: 2 * time.Minute,
		},
	}
}

// Normalize fills missing or zero values with defaults so partially filled
// configs still behave.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if len(c.Elastic.Addresses) == 0 {
		c.Elastic.Addresses = d.Elastic.Addresses
	}
	if c.IndexPrefix == "" {
		c.IndexPrefix = d.IndexPrefix
	}
	if c.PublicCaps == (CapsConfig{}) {
		c.PublicCaps = d.PublicCaps
	}
	if c.UserCaps == (CapsConfig{}) {
		c.UserCaps = d.UserCaps
	}
	if c.Cache.TokenCheckInterval <= 0 {
		c.Cache.TokenCheckInterval = d.Cache.TokenCheckInterval
	}
	if c.Cache.EventTTL <= 0 {
		c.Cache.EventTTL = d.Cache.EventTTL
	}
	if c.Cache.PurgeInterval <= 0 {
		c.Cache.PurgeInterval = d.Cache.PurgeInterval
	}
	if c.Bulk.MaxActions <= 0 {
		c.Bulk.MaxActions = d.Bulk.MaxActions
	}
	if c.Bulk.MaxBytes <= 0 {
		c.Bulk.MaxBytes = d.Bulk.MaxBytes
	}
	if c.Bulk.FlushEvery <= 0 {
		c.Bulk.FlushEvery = d.Bulk.FlushEvery
	}
	if c.Bulk.MaxInFlight <= 0 {
		c.Bulk.MaxInFlight = d.Bulk.MaxInFlight
	}
	if c.Bulk.DrainTimeout <= 0 {
		c.Bulk.DrainTimeout = d.Bulk.DrainTimeout
	}
}

// Load reads the configuration from the given YAML path. A missing file is
// created with defaults on first run, 0600.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes the configuration atomically: temp file in the same directory,
// chmod 0600, rename over the target.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calidx-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
