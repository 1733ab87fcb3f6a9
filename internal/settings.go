package internal

import (
	"context"
)

// StaticSettings is a read-only site settings table loaded from
// configuration at start.
type StaticSettings map[string]string

// NewStaticSettings builds the settings table from cfg. Only keys that are
// configured are present.
func NewStaticSettings(cfg *Config) StaticSettings {
	s := StaticSettings{}
	if cfg.RateLimitPerMinute != "" {
		s["rate_limit_per_minute"] = cfg.RateLimitPerMinute
	}
	return s
}

// Setting returns the value stored under key.
func (s StaticSettings) Setting(_ context.Context, key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}
