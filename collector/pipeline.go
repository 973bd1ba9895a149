// Package collector produces the full exposition document for one scrape.
// Every value is read from the host's data-access collaborators at call
// time; no mutable state is shared between scrapes. The layered value/info
// split is the central design decision: per-series value metrics carry only
// stable identity labels, and one constant _info metric per entity carries
// the descriptive label set, joinable on the shared identity labels.
package collector

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/c360/streamexporter/config"
	"github.com/c360/streamexporter/errors"
	"github.com/c360/streamexporter/registry"
)

// ExcludedAccountName is the host's built-in account, filtered from all
// account and profile enumeration (case-insensitive)
const ExcludedAccountName = "custom"

// Collection group names for the degraded-collection marker, in emission order
const (
	GroupM3U      = "m3u"
	GroupEPG      = "epg"
	GroupChannels = "channels"
	GroupStreams  = "streams"
	GroupClients  = "clients"
	GroupVOD      = "vod"
)

// Pipeline renders the metric document for one scrape. It implements
// prometheus.Gatherer so promhttp can serve it directly; the families are
// returned in the registry's declared order, not sorted.
type Pipeline struct {
	source    Source
	settings  func() config.Settings
	logger    *slog.Logger
	telemetry *telemetry
}

// Option is a functional option for configuring the Pipeline
type Option func(*Pipeline)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithoutRuntimeMetrics omits the Go runtime and process collectors from the
// self-telemetry registry. Used by tests that assert on complete documents.
func WithoutRuntimeMetrics() Option {
	return func(p *Pipeline) {
		p.telemetry = newTelemetry(false)
	}
}

// NewPipeline creates a collector pipeline over the given source. settings
// is called once per scrape so lifecycle restarts pick up configuration
// changes; the returned value is treated as an immutable snapshot for the
// duration of that scrape.
func NewPipeline(source Source, settings func() config.Settings, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:    source,
		settings:  settings,
		logger:    slog.Default().With("component", "collector"),
		telemetry: newTelemetry(true),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Gather implements prometheus.Gatherer. It never fails the whole scrape: a
// collaborator error omits that group, flips its success marker to zero, and
// the rest of the document is still produced.
func (p *Pipeline) Gather() ([]*dto.MetricFamily, error) {
	start := time.Now()
	ctx := context.Background()

	settings := p.settings().Clone()
	features := registry.Features(settings)
	builder := newDocBuilder(features)

	p.collectInfo(ctx, builder)

	type groupResult struct {
		name string
		ok   bool
	}
	var results []groupResult
	run := func(name string, enabled bool, collect func(context.Context, *docBuilder) error) {
		if !enabled {
			return
		}
		err := collect(ctx, builder)
		if err != nil {
			p.telemetry.collectionErrs.WithLabelValues(name).Inc()
			p.logger.Warn("metric group skipped for this scrape",
				"group", name,
				"class", errors.Classify(err).String(),
				"error", err)
		}
		results = append(results, groupResult{name: name, ok: err == nil})
	}

	run(GroupM3U, features.Has(registry.FeatureM3U), p.collectM3U)
	run(GroupEPG, features.Has(registry.FeatureEPG), p.collectEPG)
	run(GroupChannels, true, p.collectChannels)
	run(GroupStreams, true, func(ctx context.Context, b *docBuilder) error {
		return p.collectStreams(ctx, b, features)
	})
	run(GroupClients, features.Has(registry.FeatureClients), p.collectClients)
	run(GroupVOD, features.Has(registry.FeatureVOD), p.collectVOD)

	for _, r := range results {
		value := 0.0
		if r.ok {
			value = 1.0
		}
		builder.sample(registry.MetricGroupSuccess, map[string]string{"group": r.name}, value)
	}

	p.telemetry.scrapes.Inc()
	p.telemetry.scrapeDuration.Observe(time.Since(start).Seconds())

	families := builder.families()
	if selfFamilies, err := p.telemetry.registry.Gather(); err == nil {
		families = append(families, selfFamilies...)
	}

	return families, nil
}

// Render returns the exposition text for one scrape. Used by tests and by
// callers that want the document without going through HTTP.
func (p *Pipeline) Render() (string, error) {
	families, err := p.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return "", fmt.Errorf("encode family %s: %w", family.GetName(), err)
		}
	}
	return buf.String(), nil
}

// collectInfo emits the version/instance metric. A version lookup failure is
// not a group failure; the version label falls back to "unknown".
func (p *Pipeline) collectInfo(ctx context.Context, b *docBuilder) {
	version, err := p.source.Version(ctx)
	if err != nil || version == "" {
		version = "unknown"
	}
	b.sample(registry.MetricInfo, map[string]string{"version": version}, 1)
}

func excludedAccount(name string) bool {
	return strings.EqualFold(name, ExcludedAccountName)
}

func (p *Pipeline) collectM3U(ctx context.Context, b *docBuilder) error {
	accounts, err := p.source.Accounts(ctx)
	if err != nil {
		return err
	}
	profiles, err := p.source.Profiles(ctx)
	if err != nil {
		return err
	}

	kept := accounts[:0:0]
	for _, account := range accounts {
		if !excludedAccount(account.Name) {
			kept = append(kept, account)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].ID < kept[j].ID })

	active := 0
	statusCounts := make(map[string]int)
	for _, account := range kept {
		if account.Active {
			active++
		}
		statusCounts[account.Status]++
	}

	b.sample(registry.MetricM3UAccounts, map[string]string{"status": "total"}, float64(len(kept)))
	b.sample(registry.MetricM3UAccounts, map[string]string{"status": "active"}, float64(active))

	statuses := make([]string, 0, len(statusCounts))
	for status := range statusCounts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		b.sample(registry.MetricM3UAccountStatus, map[string]string{"status": status}, float64(statusCounts[status]))
	}

	for _, account := range kept {
		labels := map[string]string{
			"account_id":   strconv.FormatInt(account.ID, 10),
			"account_name": account.Name,
			"account_type": orUnknown(account.Type),
			"status":       account.Status,
			"is_active":    strconv.FormatBool(account.Active),
			"stream_count": strconv.Itoa(account.StreamCount),
		}
		if account.Type == "XC" && account.Username != "" {
			labels["username"] = account.Username
		}
		if account.ServerURL != "" {
			labels["server_url"] = account.ServerURL
		}
		b.sample(registry.MetricM3UAccountInfo, labels, 1)
	}

	activeProfiles := profiles[:0:0]
	for _, profile := range profiles {
		if profile.Active && !excludedAccount(profile.AccountName) {
			activeProfiles = append(activeProfiles, profile)
		}
	}
	sort.Slice(activeProfiles, func(i, j int) bool { return activeProfiles[i].ID < activeProfiles[j].ID })

	for _, profile := range activeProfiles {
		identity := map[string]string{"profile_id": strconv.FormatInt(profile.ID, 10)}
		b.sample(registry.MetricProfileConns, identity, float64(profile.CurrentConnections))
		b.sample(registry.MetricProfileMaxConns, identity, float64(profile.MaxConnections))
		// The ratio only exists when the denominator is meaningful
		if profile.MaxConnections > 0 {
			usage := float64(profile.CurrentConnections) / float64(profile.MaxConnections)
			b.sample(registry.MetricProfileUsage, identity, usage)
		}
	}
	for _, profile := range activeProfiles {
		b.sample(registry.MetricProfileInfo, map[string]string{
			"profile_id":   strconv.FormatInt(profile.ID, 10),
			"profile_name": profile.Name,
			"account_name": profile.AccountName,
		}, 1)
	}

	return nil
}

func (p *Pipeline) collectEPG(ctx context.Context, b *docBuilder) error {
	sources, err := p.source.EPGSources(ctx)
	if err != nil {
		return err
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })

	active := 0
	statusCounts := make(map[string]int)
	for _, source := range sources {
		if source.Active {
			active++
		}
		statusCounts[source.Status]++
	}

	b.sample(registry.MetricEPGSources, map[string]string{"status": "total"}, float64(len(sources)))
	b.sample(registry.MetricEPGSources, map[string]string{"status": "active"}, float64(active))

	statuses := make([]string, 0, len(statusCounts))
	for status := range statusCounts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		b.sample(registry.MetricEPGSourceStatus, map[string]string{"status": status}, float64(statusCounts[status]))
	}

	for _, source := range sources {
		labels := map[string]string{
			"source_id":   strconv.FormatInt(source.ID, 10),
			"source_name": source.Name,
			"source_type": orUnknown(source.Type),
			"status":      source.Status,
			"is_active":   strconv.FormatBool(source.Active),
			"priority":    strconv.Itoa(source.Priority),
		}
		if source.URL != "" {
			labels["url"] = source.URL
		}
		b.sample(registry.MetricEPGSourceInfo, labels, 1)
	}

	return nil
}

func (p *Pipeline) collectChannels(ctx context.Context, b *docBuilder) error {
	stats, err := p.source.Channels(ctx)
	if err != nil {
		return err
	}

	b.sample(registry.MetricChannels, map[string]string{"status": "total"}, float64(stats.Total))
	b.scalar(registry.MetricChannelGroups, float64(stats.Groups))

	viewers := append([]ChannelViewers(nil), stats.Viewers...)
	sort.Slice(viewers, func(i, j int) bool { return viewers[i].ChannelUUID.String() < viewers[j].ChannelUUID.String() })
	for _, v := range viewers {
		if v.Viewers <= 0 {
			continue
		}
		b.sample(registry.MetricChannelViewers, map[string]string{
			"channel_uuid":   v.ChannelUUID.String(),
			"channel_number": v.ChannelNumber,
		}, float64(v.Viewers))
	}

	return nil
}

func (p *Pipeline) collectStreams(ctx context.Context, b *docBuilder, features registry.FeatureSet) error {
	streams, err := p.source.ActiveStreams(ctx)
	if err != nil {
		return err
	}
	sort.Slice(streams, func(i, j int) bool {
		if streams[i].ChannelUUID != streams[j].ChannelUUID {
			return streams[i].ChannelUUID.String() < streams[j].ChannelUUID.String()
		}
		return streams[i].StreamID < streams[j].StreamID
	})

	b.scalar(registry.MetricActiveStreams, float64(len(streams)))

	for _, stream := range streams {
		identity := streamIdentityLabels(stream)
		b.sample(registry.MetricStreamFPS, identity, stream.FPS)
		b.sample(registry.MetricStreamBitrate, identity, stream.VideoBitrateKbps)
		b.sample(registry.MetricStreamAvgBitrate, identity, stream.AvgBitrateKbps)
		b.sample(registry.MetricStreamBytes, identity, float64(stream.BytesTotal))
		b.sample(registry.MetricStreamUptime, identity, stream.Uptime.Seconds())
		b.sample(registry.MetricStreamClients, identity, float64(stream.ActiveClients))
	}

	for _, stream := range streams {
		labels := streamIdentityLabels(stream)
		labels["stream_name"] = stream.StreamName
		labels["provider"] = orUnknown(stream.Provider)
		labels["provider_type"] = orUnknown(stream.ProviderType)
		labels["profile_name"] = orUnknown(stream.ProfileName)
		labels["stream_profile"] = orUnknown(stream.StreamProfile)
		labels["video_codec"] = orUnknown(stream.VideoCodec)
		labels["resolution"] = orUnknown(stream.Resolution)
		labels["state"] = orUnknown(stream.State)
		if stream.LogoURL != "" {
			labels["logo_url"] = stream.LogoURL
		}
		b.sample(registry.MetricStreamInfo, labels, 1)
	}

	if features.Has(registry.FeatureEPG) {
		for _, stream := range streams {
			if stream.Program == nil {
				continue
			}
			for _, window := range []struct {
				position string
				title    string
			}{
				{"previous", stream.Program.Previous},
				{"current", stream.Program.Current},
				{"next", stream.Program.Next},
			} {
				if window.title == "" {
					continue
				}
				b.sample(registry.MetricStreamProgramInfo, map[string]string{
					"channel_uuid":   stream.ChannelUUID.String(),
					"channel_number": stream.ChannelNumber,
					"position":       window.position,
					"title":          window.title,
				}, 1)
			}
		}
	}

	if features.Has(registry.FeatureLegacy) {
		for _, stream := range streams {
			b.sample(registry.MetricStreamInfoLegacy, legacyStreamLabels(stream), 1)
		}
	}

	return nil
}

func (p *Pipeline) collectClients(ctx context.Context, b *docBuilder) error {
	clients, err := p.source.ActiveClients(ctx)
	if err != nil {
		return err
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })

	for _, client := range clients {
		identity := clientIdentityLabels(client)
		b.sample(registry.MetricClientBytes, identity, float64(client.BytesTotal))
		b.sample(registry.MetricClientBitrate, identity, client.BitrateKbps)
		b.sample(registry.MetricClientConnected, identity, client.Connected.Seconds())
	}

	for _, client := range clients {
		labels := clientIdentityLabels(client)
		labels["ip"] = client.IP
		labels["user_agent"] = client.UserAgent
		labels["worker_id"] = client.WorkerID
		b.sample(registry.MetricClientInfo, labels, 1)
	}

	return nil
}

func (p *Pipeline) collectVOD(ctx context.Context, b *docBuilder) error {
	stats, err := p.source.VODSessions(ctx)
	if err != nil {
		return err
	}

	b.scalar(registry.MetricVODSessions, float64(stats.Sessions))
	b.scalar(registry.MetricVODActiveStreams, float64(stats.ActiveStreams))
	return nil
}

func streamIdentityLabels(stream StreamSnapshot) map[string]string {
	return map[string]string{
		"channel_uuid":   stream.ChannelUUID.String(),
		"channel_number": stream.ChannelNumber,
		"stream_id":      strconv.FormatInt(stream.StreamID, 10),
	}
}

func clientIdentityLabels(client ClientSnapshot) map[string]string {
	return map[string]string{
		"client_id":      client.ClientID,
		"channel_uuid":   client.ChannelUUID.String(),
		"channel_number": client.ChannelNumber,
	}
}

// legacyStreamLabels reproduces the deprecated combined-label shape, values
// and all. The churn this causes on every value change is the documented
// behavior consumers opted into.
func legacyStreamLabels(stream StreamSnapshot) map[string]string {
	profileID := "none"
	if stream.ProfileID > 0 {
		profileID = strconv.FormatInt(stream.ProfileID, 10)
	}
	uptimeSeconds := int64(stream.Uptime.Seconds())
	totalMB := float64(stream.BytesTotal) / 1024 / 1024

	return map[string]string{
		"channel_uuid":            stream.ChannelUUID.String(),
		"channel_name":            stream.ChannelName,
		"channel_number":          stream.ChannelNumber,
		"logo_url":                stream.LogoURL,
		"stream_id":               strconv.FormatInt(stream.StreamID, 10),
		"stream_index":            strconv.Itoa(stream.StreamIndex),
		"stream_name":             stream.StreamName,
		"provider":                orUnknown(stream.Provider),
		"provider_type":           orUnknown(stream.ProviderType),
		"profile_id":              profileID,
		"profile_name":            orUnknown(stream.ProfileName),
		"profile_connections":     strconv.Itoa(stream.ProfileConnections),
		"profile_max_connections": strconv.Itoa(stream.ProfileMaxConnections),
		"stream_profile":          orUnknown(stream.StreamProfile),
		"video_codec":             orUnknown(stream.VideoCodec),
		"resolution":              orUnknown(stream.Resolution),
		"fps":                     strconv.FormatFloat(stream.FPS, 'f', -1, 64),
		"video_bitrate_kbps":      strconv.FormatFloat(stream.VideoBitrateKbps, 'f', -1, 64),
		"avg_bitrate_kbps":        strconv.FormatFloat(stream.AvgBitrateKbps, 'f', 2, 64),
		"total_transfer_mb":       strconv.FormatFloat(totalMB, 'f', 2, 64),
		"uptime_seconds":          strconv.FormatInt(uptimeSeconds, 10),
		"active_clients":          strconv.Itoa(stream.ActiveClients),
		"state":                   orUnknown(stream.State),
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
