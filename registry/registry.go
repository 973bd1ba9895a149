// Package registry is the single source of truth for every metric the
// exporter can emit: Prometheus name, type, help text, and label schema,
// partitioned into always-on, feature-toggled, and informational groups.
//
// Ordering is a documented contract, not an accident: DescriptorsFor returns
// descriptors in declared order, informational metrics first within the
// document and any _info metric for an entity strictly after that entity's
// value metrics, so consumers reading the raw exposition top to bottom see
// values before their enrichment labels.
package registry

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/c360/streamexporter/config"
)

// Kind is the metric type of a descriptor
type Kind int

// Supported metric kinds
const (
	Gauge Kind = iota
	Counter
)

// MetricType maps a Kind to its exposition-format type
func (k Kind) MetricType() dto.MetricType {
	if k == Counter {
		return dto.MetricType_COUNTER
	}
	return dto.MetricType_GAUGE
}

// Feature identifies a toggleable metric group
type Feature uint8

// Feature flags, one bit each
const (
	FeatureM3U Feature = 1 << iota
	FeatureEPG
	FeatureVOD
	FeatureClients
	FeatureSourceURLs
	FeatureLegacy
)

// FeatureSet is a bitmask of enabled features, computed once per scrape
type FeatureSet uint8

// Has reports whether the feature is enabled
func (fs FeatureSet) Has(f Feature) bool {
	return fs&FeatureSet(f) != 0
}

// Features derives the enabled-feature set from a settings snapshot
func Features(s config.Settings) FeatureSet {
	var fs FeatureSet
	if s.IncludeM3UStats {
		fs |= FeatureSet(FeatureM3U)
	}
	if s.IncludeEPGStats {
		fs |= FeatureSet(FeatureEPG)
	}
	if s.IncludeVODStats {
		fs |= FeatureSet(FeatureVOD)
	}
	if s.IncludeClientStats {
		fs |= FeatureSet(FeatureClients)
	}
	if s.IncludeSourceURLs {
		fs |= FeatureSet(FeatureSourceURLs)
	}
	if s.IncludeLegacyMetrics {
		fs |= FeatureSet(FeatureLegacy)
	}
	return fs
}

// Variant distinguishes the layered metric shape from the deprecated
// combined-label shape kept for consumers still migrating.
type Variant int

// Metric shape variants
const (
	Layered Variant = iota
	// Legacy metrics fold values into the label set itself, so every value
	// change mints a new series identity. This cardinality hazard is the
	// documented behavior of the deprecated shape and must not be repaired.
	Legacy
)

// Descriptor declares one exposed metric. Immutable; constructed at package
// init from the static catalogue.
type Descriptor struct {
	Name   string
	Kind   Kind
	Help   string
	Labels []string // identity-first label schema, in emission order
	// URLLabels are appended to Labels only when FeatureSourceURLs is
	// enabled; the default posture is redaction.
	URLLabels []string
	// Feature gates the descriptor; zero means always on
	Feature Feature
	Variant Variant
	// Info marks a constant-value metadata metric carrying descriptive
	// labels for joining against the entity's value metrics
	Info bool
	// Entity groups descriptors for the values-before-info ordering contract
	Entity string
}

// Metric names. The namespace matches the host application so dashboards
// carry over unchanged.
const (
	MetricInfo = "dispatcharr_info"

	MetricM3UAccounts       = "dispatcharr_m3u_accounts"
	MetricM3UAccountStatus  = "dispatcharr_m3u_account_status"
	MetricM3UAccountInfo    = "dispatcharr_m3u_account_info"
	MetricProfileConns      = "dispatcharr_profile_connections"
	MetricProfileMaxConns   = "dispatcharr_profile_max_connections"
	MetricProfileUsage      = "dispatcharr_profile_connection_usage"
	MetricProfileInfo       = "dispatcharr_profile_info"
	MetricEPGSources        = "dispatcharr_epg_sources"
	MetricEPGSourceStatus   = "dispatcharr_epg_source_status"
	MetricEPGSourceInfo     = "dispatcharr_epg_source_info"
	MetricChannels          = "dispatcharr_channels"
	MetricChannelGroups     = "dispatcharr_channel_groups"
	MetricChannelViewers    = "dispatcharr_channel_viewers"
	MetricActiveStreams     = "dispatcharr_active_streams"
	MetricStreamFPS         = "dispatcharr_stream_fps"
	MetricStreamBitrate     = "dispatcharr_stream_bitrate_kbps"
	MetricStreamAvgBitrate  = "dispatcharr_stream_avg_bitrate_kbps"
	MetricStreamBytes       = "dispatcharr_stream_bytes_total"
	MetricStreamUptime      = "dispatcharr_stream_uptime_seconds"
	MetricStreamClients     = "dispatcharr_stream_clients"
	MetricStreamInfo        = "dispatcharr_stream_info"
	MetricStreamProgramInfo = "dispatcharr_stream_program_info"
	MetricClientBytes       = "dispatcharr_client_bytes_total"
	MetricClientBitrate     = "dispatcharr_client_bitrate_kbps"
	MetricClientConnected   = "dispatcharr_client_connected_seconds"
	MetricClientInfo        = "dispatcharr_client_info"
	MetricVODSessions       = "dispatcharr_vod_sessions"
	MetricVODActiveStreams  = "dispatcharr_vod_active_streams"
	MetricStreamInfoLegacy  = "dispatcharr_stream_info_legacy"
	MetricGroupSuccess      = "dispatcharr_exporter_group_success"
)

// Stream identity labels shared by every per-stream value metric
var streamIdentity = []string{"channel_uuid", "channel_number", "stream_id"}

// Client identity labels shared by every per-client value metric
var clientIdentity = []string{"client_id", "channel_uuid", "channel_number"}

// catalogue declares every metric in emission order. Do not reorder entries:
// the sequence here is the exposition ordering contract.
var catalogue = []Descriptor{
	// Informational group, always first
	{
		Name: MetricInfo, Kind: Gauge, Info: true, Entity: "instance",
		Help:   "Dispatcharr version and instance information",
		Labels: []string{"version"},
	},

	// M3U account group
	{
		Name: MetricM3UAccounts, Kind: Gauge, Feature: FeatureM3U, Entity: "m3u_accounts",
		Help:   "Total number of M3U accounts",
		Labels: []string{"status"},
	},
	{
		Name: MetricM3UAccountStatus, Kind: Gauge, Feature: FeatureM3U, Entity: "m3u_accounts",
		Help:   "M3U account status breakdown",
		Labels: []string{"status"},
	},
	{
		Name: MetricM3UAccountInfo, Kind: Gauge, Feature: FeatureM3U, Info: true, Entity: "m3u_accounts",
		Help:      "Information about each M3U account",
		Labels:    []string{"account_id", "account_name", "account_type", "status", "is_active", "stream_count"},
		URLLabels: []string{"username", "server_url"},
	},

	// M3U profile group (part of M3U stats)
	{
		Name: MetricProfileConns, Kind: Gauge, Feature: FeatureM3U, Entity: "profile",
		Help:   "Current connections per M3U profile",
		Labels: []string{"profile_id"},
	},
	{
		Name: MetricProfileMaxConns, Kind: Gauge, Feature: FeatureM3U, Entity: "profile",
		Help:   "Maximum allowed connections per M3U profile",
		Labels: []string{"profile_id"},
	},
	{
		Name: MetricProfileUsage, Kind: Gauge, Feature: FeatureM3U, Entity: "profile",
		Help:   "Connection usage ratio per M3U profile, omitted when unlimited",
		Labels: []string{"profile_id"},
	},
	{
		Name: MetricProfileInfo, Kind: Gauge, Feature: FeatureM3U, Info: true, Entity: "profile",
		Help:   "Information about each M3U profile",
		Labels: []string{"profile_id", "profile_name", "account_name"},
	},

	// EPG source group
	{
		Name: MetricEPGSources, Kind: Gauge, Feature: FeatureEPG, Entity: "epg_source",
		Help:   "Total number of EPG sources",
		Labels: []string{"status"},
	},
	{
		Name: MetricEPGSourceStatus, Kind: Gauge, Feature: FeatureEPG, Entity: "epg_source",
		Help:   "EPG source status breakdown",
		Labels: []string{"status"},
	},
	{
		Name: MetricEPGSourceInfo, Kind: Gauge, Feature: FeatureEPG, Info: true, Entity: "epg_source",
		Help:      "Information about each EPG source",
		Labels:    []string{"source_id", "source_name", "source_type", "status", "is_active", "priority"},
		URLLabels: []string{"url"},
	},

	// Channel group, always on
	{
		Name: MetricChannels, Kind: Gauge, Entity: "channel",
		Help:   "Total number of channels",
		Labels: []string{"status"},
	},
	{
		Name: MetricChannelGroups, Kind: Gauge, Entity: "channel",
		Help: "Total number of channel groups",
	},
	{
		Name: MetricChannelViewers, Kind: Gauge, Entity: "channel",
		Help:   "Current viewers per channel, emitted only when above zero",
		Labels: []string{"channel_uuid", "channel_number"},
	},

	// Stream group, always on
	{
		Name: MetricActiveStreams, Kind: Gauge, Entity: "stream",
		Help: "Total number of active streams",
	},
	{
		Name: MetricStreamFPS, Kind: Gauge, Entity: "stream",
		Help:   "Source frames per second of the active stream",
		Labels: streamIdentity,
	},
	{
		Name: MetricStreamBitrate, Kind: Gauge, Entity: "stream",
		Help:   "Source video bitrate in kbps",
		Labels: streamIdentity,
	},
	{
		Name: MetricStreamAvgBitrate, Kind: Gauge, Entity: "stream",
		Help:   "Average delivered bitrate in kbps over the stream lifetime",
		Labels: streamIdentity,
	},
	{
		Name: MetricStreamBytes, Kind: Counter, Entity: "stream",
		Help:   "Bytes transferred since the stream started",
		Labels: streamIdentity,
	},
	{
		Name: MetricStreamUptime, Kind: Counter, Entity: "stream",
		Help:   "Seconds since the stream started",
		Labels: streamIdentity,
	},
	{
		Name: MetricStreamClients, Kind: Gauge, Entity: "stream",
		Help:   "Clients attached to the active stream",
		Labels: streamIdentity,
	},
	{
		Name: MetricStreamInfo, Kind: Gauge, Info: true, Entity: "stream",
		Help: "Descriptive labels for each active stream, joinable on the identity labels",
		Labels: append(append([]string{}, streamIdentity...),
			"stream_name", "provider", "provider_type", "profile_name",
			"stream_profile", "video_codec", "resolution", "state"),
		URLLabels: []string{"logo_url"},
	},
	{
		Name: MetricStreamProgramInfo, Kind: Gauge, Feature: FeatureEPG, Info: true, Entity: "stream",
		Help:   "EPG program window around now for each active stream",
		Labels: []string{"channel_uuid", "channel_number", "position", "title"},
	},

	// Client group
	{
		Name: MetricClientBytes, Kind: Counter, Feature: FeatureClients, Entity: "client",
		Help:   "Bytes transferred to the client since connect",
		Labels: clientIdentity,
	},
	{
		Name: MetricClientBitrate, Kind: Gauge, Feature: FeatureClients, Entity: "client",
		Help:   "Current delivery bitrate to the client in kbps",
		Labels: clientIdentity,
	},
	{
		Name: MetricClientConnected, Kind: Counter, Feature: FeatureClients, Entity: "client",
		Help:   "Seconds since the client connected",
		Labels: clientIdentity,
	},
	{
		Name: MetricClientInfo, Kind: Gauge, Feature: FeatureClients, Info: true, Entity: "client",
		Help: "Descriptive labels for each connected client, joinable on the identity labels",
		Labels: append(append([]string{}, clientIdentity...),
			"ip", "user_agent", "worker_id"),
	},

	// VOD group
	{
		Name: MetricVODSessions, Kind: Gauge, Feature: FeatureVOD, Entity: "vod",
		Help: "Total number of VOD sessions",
	},
	{
		Name: MetricVODActiveStreams, Kind: Gauge, Feature: FeatureVOD, Entity: "vod",
		Help: "Total number of active VOD streams",
	},

	// Deprecated combined-label shape, opt-in only
	{
		Name: MetricStreamInfoLegacy, Kind: Gauge, Feature: FeatureLegacy, Variant: Legacy,
		Info: true, Entity: "stream_legacy",
		Help: "Deprecated combined-label stream information; values participate in the " +
			"label set so every change creates a new series",
		Labels: []string{
			"channel_uuid", "channel_name", "channel_number", "logo_url",
			"stream_id", "stream_index", "stream_name", "provider", "provider_type",
			"profile_id", "profile_name", "profile_connections", "profile_max_connections",
			"stream_profile", "video_codec", "resolution", "fps",
			"video_bitrate_kbps", "avg_bitrate_kbps", "total_transfer_mb",
			"uptime_seconds", "active_clients", "state",
		},
	},

	// Degraded-collection marker, after all domain groups
	{
		Name: MetricGroupSuccess, Kind: Gauge, Entity: "exporter",
		Help:   "Whether the collaborator queries for a metric group succeeded this scrape",
		Labels: []string{"group"},
	},
}

// DescriptorsFor returns the descriptors active for the enabled-feature set,
// in the declared emission order. A disabled feature contributes zero
// descriptors, not empty-valued ones.
func DescriptorsFor(enabled FeatureSet) []Descriptor {
	out := make([]Descriptor, 0, len(catalogue))
	for _, d := range catalogue {
		if d.Feature != 0 && !enabled.Has(d.Feature) {
			continue
		}
		if d.Variant == Legacy && !enabled.Has(FeatureLegacy) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// All returns the complete catalogue regardless of feature gating
func All() []Descriptor {
	out := make([]Descriptor, len(catalogue))
	copy(out, catalogue)
	return out
}

// Lookup returns the descriptor for a metric name
func Lookup(name string) (Descriptor, bool) {
	for _, d := range catalogue {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// EffectiveLabels returns the label schema for a descriptor under the given
// feature set: the base labels plus URL labels when source URLs are enabled.
func (d Descriptor) EffectiveLabels(enabled FeatureSet) []string {
	if len(d.URLLabels) == 0 || !enabled.Has(FeatureSourceURLs) {
		return d.Labels
	}
	out := make([]string, 0, len(d.Labels)+len(d.URLLabels))
	out = append(out, d.Labels...)
	out = append(out, d.URLLabels...)
	return out
}
