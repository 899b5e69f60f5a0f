package index

import "time"

// Caps bound recurrence materialization for one realm.
type Caps struct {
	MaxYears     int
	MaxInstances int
}

// Config holds the tunables for one Indexer and its cache layer.
type Config struct {
	// Prefix is prepended to the lowercased document type to form the
	// live alias name; reindex targets append a timestamp suffix.
	Prefix string

	// PublicCaps applies to public events, UserCaps to everything else.
	PublicCaps Caps
	UserCaps   Caps

	// TokenCheckInterval throttles change-token staleness checks.
	TokenCheckInterval time.Duration

	// EventCacheTTL bounds reconstructed-event cache entries;
	// EventCachePurgeInterval paces the opportunistic purge pass.
	EventCacheTTL           time.Duration
	EventCachePurgeInterval time.Duration

	// Bulk writer sizing for the reindex pipeline.
	BulkMaxActions   int
	BulkMaxBytes     int
	BulkFlushEvery   time.Duration
	BulkMaxInFlight  int
	BulkDrainTimeout time.Duration

	// ScrollKeepAlive is the cursor lifetime requested for reindex
	// scrolls; ScrollPageSize the page size.
	ScrollKeepAlive time.Duration
	ScrollPageSize  int
}

// DefaultConfig provides production defaults.
var DefaultConfig = Config{
	Prefix: "cal",

	PublicCaps: Caps{MaxYears: 10, MaxInstances: 2000},
	UserCaps:   Caps{MaxYears: 4, MaxInstances: 500},

	TokenCheckInterval: 30 * time.Second,

	EventCacheTTL:           2 * time.Minute,
	EventCachePurgeInterval: 2 * time.Minute,

	BulkMaxActions:   500,
	BulkMaxBytes:     4 << 20,
	BulkFlushEvery:   5 * time.Second,
	BulkMaxInFlight:  3,
	BulkDrainTimeout: 2 * time.Minute,

	ScrollKeepAlive: 2 * time.Minute,
	ScrollPageSize:  200,
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.PublicCaps == (Caps{}) {
		c.PublicCaps = d.PublicCaps
	}
	if c.UserCaps == (Caps{}) {
		c.UserCaps = d.UserCaps
	}
	if c.TokenCheckInterval <= 0 {
		c.TokenCheckInterval = d.TokenCheckInterval
	}
	if c.EventCacheTTL <= 0 {
		c.EventCacheTTL = d.EventCacheTTL
	}
	if c.EventCachePurgeInterval <= 0 {
		c.EventCachePurgeInterval = d.EventCachePurgeInterval
	}
	if c.BulkMaxActions <= 0 {
		c.BulkMaxActions = d.BulkMaxActions
	}
	if c.BulkMaxBytes <= 0 {
		c.BulkMaxBytes = d.BulkMaxBytes
	}
	if c.BulkFlushEvery <= 0 {
		c.BulkFlushEvery = d.BulkFlushEvery
	}
	if c.BulkMaxInFlight <= 0 {
		c.BulkMaxInFlight = d.BulkMaxInFlight
	}
	if c.BulkDrainTimeout <= 0 {
		c.BulkDrainTimeout = d.BulkDrainTimeout
	}
	if c.ScrollKeepAlive <= 0 {
		c.ScrollKeepAlive = d.ScrollKeepAlive
	}
	if c.ScrollPageSize <= 0 {
		c.ScrollPageSize = d.ScrollPageSize
	}
	return c
}

// capsFor selects the realm caps by the event's public flag.
func (c Config) capsFor(public bool) Caps {
	if public {
		return c.PublicCaps
	}
	return c.UserCaps
}
