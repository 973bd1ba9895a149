// Package hoststate is the reference Source implementation. The host
// application mirrors its catalogue and live streaming state into the shared
// KV substrate as JSON documents; this package reads those documents afresh
// on every scrape and projects them into collector snapshots.
//
// An absent document means the host has nothing of that kind right now, not
// an error. A record that fails to parse is skipped with a warning so one
// dirty entry cannot blank out the whole group.
package hoststate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360/streamexporter/collector"
	"github.com/c360/streamexporter/errors"
	"github.com/c360/streamexporter/statestore"
)

// Keys the host mirrors its state under
const (
	KeyVersion    = "state.version"
	KeyAccounts   = "state.m3u_accounts"
	KeyProfiles   = "state.m3u_profiles"
	KeyEPGSources = "state.epg_sources"
	KeyChannels   = "state.channels"
	KeyStreams    = "state.active_streams"
	KeyClients    = "state.active_clients"
	KeyVOD        = "state.vod"
)

// Source reads mirrored host state from the shared store. It implements
// collector.Source.
type Source struct {
	store  statestore.Store
	logger *slog.Logger
}

// Option is a functional option for configuring the Source
type Option func(*Source)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Source over the given store
func New(store statestore.Store, opts ...Option) *Source {
	s := &Source{
		store:  store,
		logger: slog.Default().With("component", "hoststate"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Wire records, matching the JSON shapes the host writes

type accountRecord struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	AccountType string `json:"account_type"`
	Status      string `json:"status"`
	IsActive    bool   `json:"is_active"`
	StreamCount int    `json:"stream_count"`
	Username    string `json:"username,omitempty"`
	ServerURL   string `json:"server_url,omitempty"`
}

type profileRecord struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	AccountName        string `json:"account_name"`
	IsActive           bool   `json:"is_active"`
	CurrentConnections int    `json:"current_connections"`
	MaxConnections     int    `json:"max_connections"`
}

type epgSourceRecord struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	SourceType string `json:"source_type"`
	Status     string `json:"status"`
	IsActive   bool   `json:"is_active"`
	Priority   int    `json:"priority"`
	URL        string `json:"url,omitempty"`
}

type channelViewersRecord struct {
	ChannelUUID   string `json:"channel_uuid"`
	ChannelNumber string `json:"channel_number"`
	Viewers       int    `json:"viewers"`
}

type channelsRecord struct {
	Total   int                    `json:"total"`
	Groups  int                    `json:"groups"`
	Viewers []channelViewersRecord `json:"viewers"`
}

type programRecord struct {
	Previous string `json:"previous,omitempty"`
	Current  string `json:"current,omitempty"`
	Next     string `json:"next,omitempty"`
}

type streamRecord struct {
	ChannelUUID   string `json:"channel_uuid"`
	ChannelName   string `json:"channel_name"`
	ChannelNumber string `json:"channel_number"`
	LogoURL       string `json:"logo_url,omitempty"`

	StreamID     int64  `json:"stream_id"`
	StreamIndex  int    `json:"stream_index"`
	StreamName   string `json:"stream_name"`
	Provider     string `json:"provider"`
	ProviderType string `json:"provider_type"`

	ProfileID             int64  `json:"profile_id"`
	ProfileName           string `json:"profile_name"`
	ProfileConnections    int    `json:"profile_connections"`
	ProfileMaxConnections int    `json:"profile_max_connections"`

	StreamProfile    string  `json:"stream_profile"`
	VideoCodec       string  `json:"video_codec"`
	Resolution       string  `json:"resolution"`
	FPS              float64 `json:"fps"`
	VideoBitrateKbps float64 `json:"video_bitrate_kbps"`
	AvgBitrateKbps   float64 `json:"avg_bitrate_kbps"`
	TotalBytes       int64   `json:"total_bytes"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	ActiveClients    int     `json:"active_clients"`
	Viewers          int     `json:"viewers"`
	State            string  `json:"state"`

	Program *programRecord `json:"program,omitempty"`
}

type clientRecord struct {
	ClientID      string `json:"client_id"`
	ChannelUUID   string `json:"channel_uuid"`
	ChannelNumber string `json:"channel_number"`

	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	WorkerID  string `json:"worker_id"`

	BytesSent        int64   `json:"bytes_sent"`
	BitrateKbps      float64 `json:"bitrate_kbps"`
	ConnectedSeconds float64 `json:"connected_seconds"`
}

type vodRecord struct {
	Sessions      int `json:"sessions"`
	ActiveStreams int `json:"active_streams"`
}

// read fetches and decodes one document. Absent key leaves out untouched and
// returns false. Read failures carry the collaborator-query sentinel so the
// pipeline can classify the skipped group; an unreachable substrate narrows
// that to source-unavailable.
func (s *Source) read(ctx context.Context, method, key string, out any) (bool, error) {
	value, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return false, nil
		}
		sentinel := errors.ErrCollaboratorQuery
		if errors.Is(err, errors.ErrCoordinationUnavailable) {
			sentinel = errors.ErrSourceUnavailable
		}
		return false, errors.WrapTransient(fmt.Errorf("%w: %w", sentinel, err),
			"hoststate", method, "read "+key)
	}
	if err := json.Unmarshal(value, out); err != nil {
		return false, errors.WrapInvalid(err, "hoststate", method, "decode "+key)
	}
	return true, nil
}

// Version returns the host application version
func (s *Source) Version(ctx context.Context) (string, error) {
	return statestore.GetString(ctx, s.store, KeyVersion)
}

// Accounts returns the configured provider accounts
func (s *Source) Accounts(ctx context.Context) ([]collector.AccountSnapshot, error) {
	var records []accountRecord
	if _, err := s.read(ctx, "Accounts", KeyAccounts, &records); err != nil {
		return nil, err
	}

	out := make([]collector.AccountSnapshot, 0, len(records))
	for _, r := range records {
		out = append(out, collector.AccountSnapshot{
			ID:          r.ID,
			Name:        r.Name,
			Type:        r.AccountType,
			Status:      r.Status,
			Active:      r.IsActive,
			StreamCount: r.StreamCount,
			Username:    r.Username,
			ServerURL:   r.ServerURL,
		})
	}
	return out, nil
}

// Profiles returns the connection-limiting profiles
func (s *Source) Profiles(ctx context.Context) ([]collector.ProfileSnapshot, error) {
	var records []profileRecord
	if _, err := s.read(ctx, "Profiles", KeyProfiles, &records); err != nil {
		return nil, err
	}

	out := make([]collector.ProfileSnapshot, 0, len(records))
	for _, r := range records {
		out = append(out, collector.ProfileSnapshot{
			ID:                 r.ID,
			Name:               r.Name,
			AccountName:        r.AccountName,
			Active:             r.IsActive,
			CurrentConnections: r.CurrentConnections,
			MaxConnections:     r.MaxConnections,
		})
	}
	return out, nil
}

// EPGSources returns the configured EPG sources
func (s *Source) EPGSources(ctx context.Context) ([]collector.EPGSourceSnapshot, error) {
	var records []epgSourceRecord
	if _, err := s.read(ctx, "EPGSources", KeyEPGSources, &records); err != nil {
		return nil, err
	}

	out := make([]collector.EPGSourceSnapshot, 0, len(records))
	for _, r := range records {
		out = append(out, collector.EPGSourceSnapshot{
			ID:       r.ID,
			Name:     r.Name,
			Type:     r.SourceType,
			Status:   r.Status,
			Active:   r.IsActive,
			Priority: r.Priority,
			URL:      r.URL,
		})
	}
	return out, nil
}

// Channels returns the channel catalogue counts and per-channel viewers
func (s *Source) Channels(ctx context.Context) (collector.ChannelStats, error) {
	var record channelsRecord
	if _, err := s.read(ctx, "Channels", KeyChannels, &record); err != nil {
		return collector.ChannelStats{}, err
	}

	stats := collector.ChannelStats{Total: record.Total, Groups: record.Groups}
	for _, v := range record.Viewers {
		id, err := uuid.Parse(v.ChannelUUID)
		if err != nil {
			s.logger.Warn("skipping viewer record with bad channel uuid",
				"channel_uuid", v.ChannelUUID, "error", err)
			continue
		}
		stats.Viewers = append(stats.Viewers, collector.ChannelViewers{
			ChannelUUID:   id,
			ChannelNumber: v.ChannelNumber,
			Viewers:       v.Viewers,
		})
	}
	return stats, nil
}

// ActiveStreams returns the live stream snapshots
func (s *Source) ActiveStreams(ctx context.Context) ([]collector.StreamSnapshot, error) {
	var records []streamRecord
	if _, err := s.read(ctx, "ActiveStreams", KeyStreams, &records); err != nil {
		return nil, err
	}

	out := make([]collector.StreamSnapshot, 0, len(records))
	for _, r := range records {
		id, err := uuid.Parse(r.ChannelUUID)
		if err != nil {
			s.logger.Warn("skipping stream record with bad channel uuid",
				"channel_uuid", r.ChannelUUID, "stream_id", r.StreamID, "error", err)
			continue
		}
		snapshot := collector.StreamSnapshot{
			ChannelUUID:   id,
			ChannelName:   r.ChannelName,
			ChannelNumber: r.ChannelNumber,
			LogoURL:       r.LogoURL,

			StreamID:     r.StreamID,
			StreamIndex:  r.StreamIndex,
			StreamName:   r.StreamName,
			Provider:     r.Provider,
			ProviderType: r.ProviderType,

			ProfileID:             r.ProfileID,
			ProfileName:           r.ProfileName,
			ProfileConnections:    r.ProfileConnections,
			ProfileMaxConnections: r.ProfileMaxConnections,

			StreamProfile:    r.StreamProfile,
			VideoCodec:       r.VideoCodec,
			Resolution:       r.Resolution,
			FPS:              r.FPS,
			VideoBitrateKbps: r.VideoBitrateKbps,
			AvgBitrateKbps:   r.AvgBitrateKbps,
			BytesTotal:       r.TotalBytes,
			Uptime:           time.Duration(r.UptimeSeconds * float64(time.Second)),
			ActiveClients:    r.ActiveClients,
			Viewers:          r.Viewers,
			State:            r.State,
		}
		if r.Program != nil {
			snapshot.Program = &collector.ProgramWindow{
				Previous: r.Program.Previous,
				Current:  r.Program.Current,
				Next:     r.Program.Next,
			}
		}
		out = append(out, snapshot)
	}
	return out, nil
}

// ActiveClients returns the connected viewer snapshots
func (s *Source) ActiveClients(ctx context.Context) ([]collector.ClientSnapshot, error) {
	var records []clientRecord
	if _, err := s.read(ctx, "ActiveClients", KeyClients, &records); err != nil {
		return nil, err
	}

	out := make([]collector.ClientSnapshot, 0, len(records))
	for _, r := range records {
		id, err := uuid.Parse(r.ChannelUUID)
		if err != nil {
			s.logger.Warn("skipping client record with bad channel uuid",
				"channel_uuid", r.ChannelUUID, "client_id", r.ClientID, "error", err)
			continue
		}
		out = append(out, collector.ClientSnapshot{
			ClientID:      r.ClientID,
			ChannelUUID:   id,
			ChannelNumber: r.ChannelNumber,
			IP:            r.IP,
			UserAgent:     r.UserAgent,
			WorkerID:      r.WorkerID,
			BytesTotal:    r.BytesSent,
			BitrateKbps:   r.BitrateKbps,
			Connected:     time.Duration(r.ConnectedSeconds * float64(time.Second)),
		})
	}
	return out, nil
}

// VODSessions returns the VOD session aggregates
func (s *Source) VODSessions(ctx context.Context) (collector.VODStats, error) {
	var record vodRecord
	if _, err := s.read(ctx, "VODSessions", KeyVOD, &record); err != nil {
		return collector.VODStats{}, err
	}
	return collector.VODStats{Sessions: record.Sessions, ActiveStreams: record.ActiveStreams}, nil
}
