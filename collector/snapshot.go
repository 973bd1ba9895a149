package collector

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Snapshot types are read-only projections of host state, reconstructed
// fresh on every scrape and discarded with the response that produced them.
// Nothing here is ever cached between scrapes; stale data must never be
// served.

// AccountSnapshot describes one configured provider account
type AccountSnapshot struct {
	ID          int64
	Name        string
	Type        string // e.g. "M3U", "XC"
	Status      string
	Active      bool
	StreamCount int
	Username    string // credentials-bearing, emitted only behind the URL toggle
	ServerURL   string // emitted only behind the URL toggle
}

// ProfileSnapshot describes one connection-limiting profile
type ProfileSnapshot struct {
	ID                 int64
	Name               string
	AccountName        string
	Active             bool
	CurrentConnections int
	MaxConnections     int // 0 means unlimited; the usage ratio is omitted then
}

// EPGSourceSnapshot describes one EPG source
type EPGSourceSnapshot struct {
	ID       int64
	Name     string
	Type     string
	Status   string
	Active   bool
	Priority int
	URL      string // emitted only behind the URL toggle
}

// ChannelViewers is the per-channel viewer count keyed by channel identity
type ChannelViewers struct {
	ChannelUUID   uuid.UUID
	ChannelNumber string
	Viewers       int
}

// ChannelStats aggregates the channel catalogue counts
type ChannelStats struct {
	Total   int
	Groups  int
	Viewers []ChannelViewers
}

// ProgramWindow is the EPG program window around now for a channel
type ProgramWindow struct {
	Previous string
	Current  string
	Next     string
}

// StreamSnapshot describes one active channel/stream pairing
type StreamSnapshot struct {
	ChannelUUID   uuid.UUID
	ChannelName   string
	ChannelNumber string
	LogoURL       string

	StreamID     int64
	StreamIndex  int
	StreamName   string
	Provider     string
	ProviderType string

	ProfileID             int64
	ProfileName           string
	ProfileConnections    int
	ProfileMaxConnections int

	StreamProfile    string
	VideoCodec       string
	Resolution       string
	FPS              float64
	VideoBitrateKbps float64
	AvgBitrateKbps   float64
	BytesTotal       int64
	Uptime           time.Duration
	ActiveClients    int
	Viewers          int
	State            string // active, buffering, error, ...

	Program *ProgramWindow
}

// ClientSnapshot describes one connected viewer
type ClientSnapshot struct {
	ClientID      string
	ChannelUUID   uuid.UUID
	ChannelNumber string

	IP        string
	UserAgent string
	WorkerID  string

	BytesTotal  int64
	BitrateKbps float64
	Connected   time.Duration
}

// VODStats aggregates VOD session state
type VODStats struct {
	Sessions      int
	ActiveStreams int
}

// Source is the read-only boundary to the host application's data-access
// layer. Every method must be safe to invoke at arbitrary frequency; the
// pipeline calls all of them afresh on each scrape. A method error omits
// that feature group for the scrape in progress, nothing more.
type Source interface {
	Version(ctx context.Context) (string, error)
	Accounts(ctx context.Context) ([]AccountSnapshot, error)
	Profiles(ctx context.Context) ([]ProfileSnapshot, error)
	EPGSources(ctx context.Context) ([]EPGSourceSnapshot, error)
	Channels(ctx context.Context) (ChannelStats, error)
	ActiveStreams(ctx context.Context) ([]StreamSnapshot, error)
	ActiveClients(ctx context.Context) ([]ClientSnapshot, error)
	VODSessions(ctx context.Context) (VODStats, error)
}
