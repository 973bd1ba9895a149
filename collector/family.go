package collector

import (
	"fmt"

	dto "github.com/prometheus/client_model/go"
	"google.golang.org/protobuf/proto"

	"github.com/c360/streamexporter/registry"
)

// docBuilder accumulates metric families for one exposition document in
// first-sample order, which the collect functions drive in the registry's
// declared order. Families that receive no samples never materialize, so a
// disabled or empty group contributes zero lines.
type docBuilder struct {
	features registry.FeatureSet
	order    []*dto.MetricFamily
	byName   map[string]*dto.MetricFamily
}

func newDocBuilder(features registry.FeatureSet) *docBuilder {
	return &docBuilder{
		features: features,
		byName:   make(map[string]*dto.MetricFamily),
	}
}

// sample appends one metric line for the named family. Labels are emitted in
// the descriptor's schema order (identity labels first); schema labels absent
// from the provided map are skipped, which is how optional URL labels stay
// out of individual series.
func (b *docBuilder) sample(name string, labels map[string]string, value float64) {
	descriptor, ok := registry.Lookup(name)
	if !ok {
		// Catalogue and collect functions are maintained together; an
		// unknown name is a programming error surfaced loudly in tests.
		panic(fmt.Sprintf("collector: metric %q not in registry", name))
	}

	family := b.byName[name]
	if family == nil {
		family = &dto.MetricFamily{
			Name: proto.String(descriptor.Name),
			Help: proto.String(descriptor.Help),
			Type: descriptor.Kind.MetricType().Enum(),
		}
		b.byName[name] = family
		b.order = append(b.order, family)
	}

	var pairs []*dto.LabelPair
	for _, key := range descriptor.EffectiveLabels(b.features) {
		labelValue, present := labels[key]
		if !present {
			continue
		}
		pairs = append(pairs, &dto.LabelPair{
			Name:  proto.String(key),
			Value: proto.String(labelValue),
		})
	}

	metric := &dto.Metric{Label: pairs}
	if descriptor.Kind == registry.Counter {
		metric.Counter = &dto.Counter{Value: proto.Float64(value)}
	} else {
		metric.Gauge = &dto.Gauge{Value: proto.Float64(value)}
	}
	family.Metric = append(family.Metric, metric)
}

// scalar appends a sample with no labels
func (b *docBuilder) scalar(name string, value float64) {
	b.sample(name, nil, value)
}

// families returns the accumulated families in first-sample order
func (b *docBuilder) families() []*dto.MetricFamily {
	return b.order
}
