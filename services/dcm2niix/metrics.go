package dcm2niix

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("dcmjson/services/dcm2niix")

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcm2niix",
		Name:      "scans_total",
		Help:      "Scans executed, by outcome.",
	}, []string{"outcome"})

	scansSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcm2niix",
		Name:      "scans_skipped_total",
		Help:      "Scans rejected by the run decision, by reason.",
	}, []string{"reason"})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dcm2niix",
		Name:      "uploads_total",
		Help:      "Files uploaded to the archive, by resource.",
	}, []string{"resource"})

	converterDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dcm2niix",
		Name:      "converter_duration_seconds",
		Help:      "Wall time of converter invocations.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
	})
)

// PushMetrics pushes the default registry to the Pushgateway at url under job.
func PushMetrics(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
