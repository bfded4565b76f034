// Package observability turns bus events into OpenTelemetry metrics.
//
// Instruments:
//   - tasker.reminder.events (Int64Counter): reminder.* events, attribute "event"
//   - tasker.reminder.items (Int64Counter): rows or messages covered by those events
//   - tasker.job.runs (Int64Counter): scheduler outcomes, attributes "job", "status"
//   - tasker.job.duration (Float64Histogram): finished and failed runs, seconds
//   - tasker.eventbus.dropped (Int64ObservableCounter): events lost to slow subscribers
package observability

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tasker/internal/eventbus"
	"tasker/internal/reminder"
	"tasker/internal/task/scheduler"
	logx "tasker/pkg/logx"
)

const meterName = "tasker"

type Bridge struct {
	bus eventbus.Bus
	log logx.Logger

	events   metric.Int64Counter
	items    metric.Int64Counter
	jobRuns  metric.Int64Counter
	jobTimes metric.Float64Histogram
	reg      metric.Registration
}

// NewBridge creates the instruments on meter. A nil meter uses the global
// MeterProvider.
func NewBridge(meter metric.Meter, bus eventbus.Bus, log logx.Logger) (*Bridge, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bridge{bus: bus, log: log.With(logx.String("comp", "metrics"))}

	var err error
	if b.events, err = meter.Int64Counter("tasker.reminder.events",
		metric.WithDescription("Reminder lifecycle events"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if b.items, err = meter.Int64Counter("tasker.reminder.items",
		metric.WithDescription("Instances or messages covered by reminder events"),
		metric.WithUnit("{item}"),
	); err != nil {
		return nil, err
	}
	if b.jobRuns, err = meter.Int64Counter("tasker.job.runs",
		metric.WithDescription("Scheduled job outcomes"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if b.jobTimes, err = meter.Float64Histogram("tasker.job.duration",
		metric.WithDescription("Duration of scheduled job runs in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	dropped, err := meter.Int64ObservableCounter("tasker.eventbus.dropped",
		metric.WithDescription("Events dropped because a subscriber was full"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	b.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(dropped, int64(eventbus.Dropped(bus)))
		return nil
	}, dropped)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Run records every bus event until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	ch, unsubscribe := b.bus.Subscribe(256)
	defer unsubscribe()
	defer func() {
		if err := b.reg.Unregister(); err != nil {
			b.log.Debug("metrics callback not unregistered", logx.Err(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			b.Record(ctx, e)
		}
	}
}

// Record updates the instruments for one event. Unknown events are ignored.
func (b *Bridge) Record(ctx context.Context, e eventbus.Event) {
	switch data := e.Data.(type) {
	case reminder.Event:
		attrs := metric.WithAttributes(attribute.String("event", strings.TrimPrefix(e.Type, "reminder.")))
		b.events.Add(ctx, 1, attrs)
		if data.Count > 0 {
			b.items.Add(ctx, int64(data.Count), attrs)
		}
	case scheduler.JobEvent:
		status := strings.TrimPrefix(e.Type, "job.")
		if status == "started" {
			return
		}
		attrs := metric.WithAttributes(
			attribute.String("job", data.Name),
			attribute.String("status", status),
		)
		b.jobRuns.Add(ctx, 1, attrs)
		if status != "skipped" {
			b.jobTimes.Record(ctx, data.Duration.Seconds(), attrs)
		}
	}
}
