package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"chatgate/internal/types"
)

// Metric and dimension names emitted by the worker pool.
const (
	metricQueueLag        = "QueueLag"
	metricDispatchLatency = "DispatchLatency"
	metricDispatchOutcome = "DispatchOutcome"

	dimKind    = "Kind"
	dimOutcome = "Outcome"
)

// PipelineMetrics records the worker pool's operational signals. Emission is
// fire-and-forget: a metrics outage must never slow down or fail a job.
type PipelineMetrics interface {
	// RecordQueueLag tracks time between enqueue and processing start.
	RecordQueueLag(ctx context.Context, lag time.Duration)
	// RecordDispatch tracks one attempt's outcome and duration per kind.
	RecordDispatch(ctx context.Context, kind types.MessageKind, outcome types.Outcome, latency time.Duration)
}

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPipelineMetrics publishes pipeline metrics to CloudWatch.
type CloudWatchPipelineMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ PipelineMetrics = (*CloudWatchPipelineMetrics)(nil)

// NewCloudWatchPipelineMetrics creates a publisher for the given namespace.
func NewCloudWatchPipelineMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchPipelineMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchPipelineMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (m *CloudWatchPipelineMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(metricQueueLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (m *CloudWatchPipelineMetrics) RecordDispatch(ctx context.Context, kind types.MessageKind, outcome types.Outcome, latency time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(dimKind), Value: aws.String(string(kind))},
		{Name: aws.String(dimOutcome), Value: aws.String(string(outcome))},
	}

	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(metricDispatchOutcome),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(metricDispatchLatency),
			Value:      aws.Float64(float64(latency.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(dimKind), Value: aws.String(string(kind))},
			},
		},
	)
}

func (m *CloudWatchPipelineMetrics) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to publish metrics", "error", err)
	}
}

// NoopMetrics discards everything. Used when metrics are disabled and in
// tests that do not assert on telemetry.
type NoopMetrics struct{}

var _ PipelineMetrics = NoopMetrics{}

func (NoopMetrics) RecordQueueLag(context.Context, time.Duration) {}
func (NoopMetrics) RecordDispatch(context.Context, types.MessageKind, types.Outcome, time.Duration) {
}
