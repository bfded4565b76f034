package observability

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	logx "tasker/pkg/logx"
)

// Provider is an in-process MeterProvider whose totals are read on demand
// and written to the log.
type Provider struct {
	reader *sdkmetric.ManualReader
	mp     *sdkmetric.MeterProvider
}

func NewProvider() *Provider {
	reader := sdkmetric.NewManualReader()
	return &Provider{reader: reader, mp: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))}
}

func (p *Provider) Meter() metric.Meter { return p.mp.Meter(meterName) }

func (p *Provider) Shutdown(ctx context.Context) error { return p.mp.Shutdown(ctx) }

// Total is one counter series, or the run count of one histogram series.
type Total struct {
	Name  string
	Attrs string
	Value float64
}

// Totals collects the cumulative value of every series, sorted by name and
// attributes.
func (p *Provider) Totals(ctx context.Context) ([]Total, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	enc := attribute.DefaultEncoder()
	var out []Total
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out = append(out, Total{Name: m.Name, Attrs: dp.Attributes.Encoded(enc), Value: float64(dp.Value)})
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out = append(out, Total{Name: m.Name, Attrs: dp.Attributes.Encoded(enc), Value: dp.Value})
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out = append(out, Total{Name: m.Name + ".count", Attrs: dp.Attributes.Encoded(enc), Value: float64(dp.Count)})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Attrs < out[j].Attrs
	})
	return out, nil
}

// Report logs the current totals at info level.
func (p *Provider) Report(ctx context.Context, log logx.Logger) error {
	totals, err := p.Totals(ctx)
	if err != nil {
		return err
	}
	for _, t := range totals {
		log.Info("metric", logx.String("name", t.Name), logx.String("attrs", t.Attrs), logx.Any("value", t.Value))
	}
	return nil
}
