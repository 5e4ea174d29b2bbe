package metrics

import (
	"context"
	"time"

	"github.com/alecthomas/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineInstruments records the engine's document reads, repository syncs
// and webhook deliveries. A nil *EngineInstruments is valid and records
// nothing, so tests can pass nil.
type EngineInstruments struct {
	reads        metric.Int64Counter
	syncs        metric.Int64Counter
	syncDuration metric.Float64Histogram
	webhooks     metric.Int64Counter
}

func NewEngineInstruments() (*EngineInstruments, error) {
	meter := otel.Meter("docgate/engine")

	reads, err := meter.Int64Counter(
		"docgate.reads",
		metric.WithDescription("Count of document reads by repository and result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create reads counter")
	}

	syncs, err := meter.Int64Counter(
		"docgate.syncs",
		metric.WithDescription("Count of repository sync attempts by trigger and result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create syncs counter")
	}

	syncDuration, err := meter.Float64Histogram(
		"docgate.sync.duration",
		metric.WithDescription("Duration of repository syncs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create sync duration histogram")
	}

	webhooks, err := meter.Int64Counter(
		"docgate.webhooks",
		metric.WithDescription("Count of webhook deliveries by event and result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create webhooks counter")
	}

	return &EngineInstruments{
		reads:        reads,
		syncs:        syncs,
		syncDuration: syncDuration,
		webhooks:     webhooks,
	}, nil
}

func (m *EngineInstruments) RecordRead(ctx context.Context, repository, result string) {
	if m == nil {
		return
	}
	m.reads.Add(ctx, 1, metric.WithAttributes(
		AttrRepository.String(repository),
		AttrResult.String(result),
	))
}

func (m *EngineInstruments) RecordSync(ctx context.Context, repository, trigger, result string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrRepository.String(repository),
		AttrTrigger.String(trigger),
		AttrResult.String(result),
	)
	m.syncs.Add(ctx, 1, attrs)
	m.syncDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *EngineInstruments) RecordWebhook(ctx context.Context, event, result string) {
	if m == nil {
		return
	}
	m.webhooks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("docgate.webhook.event", event),
		AttrResult.String(result),
	))
}
