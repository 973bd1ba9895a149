package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamexporter/errors"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.Equal(t, DefaultHost, s.Host)
	assert.Equal(t, DefaultPort, s.Port)
	assert.False(t, s.AutoStart)
	assert.True(t, s.IncludeM3UStats)
	assert.False(t, s.IncludeEPGStats)
	assert.False(t, s.IncludeVODStats)
	assert.False(t, s.IncludeClientStats)
	assert.False(t, s.IncludeSourceURLs)
	assert.False(t, s.IncludeLegacyMetrics)
	require.NoError(t, s.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults valid", func(*Settings) {}, false},
		{"port zero", func(s *Settings) { s.Port = 0 }, true},
		{"port too large", func(s *Settings) { s.Port = 70000 }, true},
		{"port negative", func(s *Settings) { s.Port = -1 }, true},
		{"empty host", func(s *Settings) { s.Host = "" }, true},
		{"localhost ok", func(s *Settings) { s.Host = "127.0.0.1" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAddrAndMetricsURL(t *testing.T) {
	s := DefaultSettings()
	s.Host = "127.0.0.1"
	s.Port = 9100

	assert.Equal(t, "127.0.0.1:9100", s.Addr())
	assert.Equal(t, "http://127.0.0.1:9100/metrics", s.MetricsURL())

	s.BaseURL = "https://metrics.example.internal"
	assert.Equal(t, "https://metrics.example.internal/metrics", s.MetricsURL())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	payload := `{"port": 9400, "include_epg_stats": true, "suppress_access_logs": true}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9400, s.Port)
	assert.Equal(t, DefaultHost, s.Host)
	assert.True(t, s.IncludeEPGStats)
	assert.True(t, s.SuppressAccessLogs)
	assert.True(t, s.IncludeM3UStats, "defaults not named in the file survive the overlay")
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 0}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
