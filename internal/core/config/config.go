// Package config provides configuration management for HitKeeper services.
package config

import "time"

// AnalyticsConfig holds configuration for the coordinator daemon and the
// hit uplink.
type AnalyticsConfig struct {
	// CollectorURL receives finalized hit bodies. Empty disables the
	// uplink; hits accumulate in the store.
	CollectorURL string

	// ReferrerTimeout bounds acquisition waits when the event and the
	// configuration shared state supply no bound. Zero disables waits.
	ReferrerTimeout time.Duration

	// QueueSize is the coordinator event queue capacity. Dispatch drops
	// events once full.
	QueueSize int

	// BatchSize caps hits drained per uplink poll.
	BatchSize int

	// FlushInterval is the uplink poll interval.
	FlushInterval time.Duration
}

// DefaultAnalyticsConfig returns configuration with default values.
func DefaultAnalyticsConfig() *AnalyticsConfig {
	return &AnalyticsConfig{
		CollectorURL:    "",
		ReferrerTimeout: 5 * time.Second,
		QueueSize:       256,
		BatchSize:       100,
		FlushInterval:   5 * time.Second,
	}
}
