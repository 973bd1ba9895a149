// Package config defines the exporter settings snapshot. Settings are owned
// by the host application's plugin/settings layer; this package only carries
// an immutable copy of them per start call or scrape, with range and type
// checks applied at the point of use.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/c360/streamexporter/errors"
)

// Default listener settings, matching the host plugin defaults
const (
	DefaultPort = 9192
	DefaultHost = "0.0.0.0"
)

// Settings is the recognized configuration surface of the exporter. It is
// treated as an immutable snapshot: lifecycle operations and scrapes each
// capture the value they were handed and never re-read it mid-flight.
type Settings struct {
	AutoStart bool   `json:"auto_start"`
	Host      string `json:"host"`
	Port      int    `json:"port"`

	IncludeM3UStats      bool `json:"include_m3u_stats"`
	IncludeEPGStats      bool `json:"include_epg_stats"`
	IncludeVODStats      bool `json:"include_vod_stats"`
	IncludeClientStats   bool `json:"include_client_stats"`
	IncludeSourceURLs    bool `json:"include_source_urls"`
	IncludeLegacyMetrics bool `json:"include_legacy_metrics"`

	SuppressAccessLogs bool   `json:"suppress_access_logs"`
	BaseURL            string `json:"base_url,omitempty"`
}

// DefaultSettings returns the settings the host plugin ships with:
// auto-start off, M3U statistics on, everything else opt-in.
func DefaultSettings() Settings {
	return Settings{
		Host:            DefaultHost,
		Port:            DefaultPort,
		IncludeM3UStats: true,
	}
}

// Validate checks the settings for range and type errors
func (s Settings) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("port %d out of range [1, 65535]: %w", s.Port, errors.ErrInvalidConfig),
			"Settings", "Validate", "check port")
	}
	if s.Host == "" {
		return errors.WrapInvalid(
			fmt.Errorf("host must not be empty: %w", errors.ErrInvalidConfig),
			"Settings", "Validate", "check host")
	}
	return nil
}

// Clone returns a copy of the settings. Settings is a value type, so this is
// a plain copy; the method exists to make snapshot-taking explicit at call sites.
func (s Settings) Clone() Settings {
	return s
}

// Addr returns the host:port the listener binds to
func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MetricsURL returns the externally reachable metrics endpoint. BaseURL, when
// set, overrides the bind address (useful behind a reverse proxy).
func (s Settings) MetricsURL() string {
	if s.BaseURL != "" {
		return s.BaseURL + "/metrics"
	}
	return fmt.Sprintf("http://%s:%d/metrics", s.Host, s.Port)
}

// Load reads settings from a JSON file, overlaying the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (Settings, error) {
	settings := DefaultSettings()

	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, errors.WrapInvalid(err, "Settings", "Load", "read settings file")
	}

	if err := json.Unmarshal(data, &settings); err != nil {
		return settings, errors.WrapInvalid(err, "Settings", "Load", "parse settings file")
	}

	if err := settings.Validate(); err != nil {
		return settings, err
	}

	return settings, nil
}
