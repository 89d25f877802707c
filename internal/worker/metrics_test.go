package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"chatgate/internal/types"
)

type mockCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (m *mockCloudWatch) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func dimValue(dims []cwtypes.Dimension, name string) string {
	for _, d := range dims {
		if d.Name != nil && *d.Name == name && d.Value != nil {
			return *d.Value
		}
	}
	return ""
}

func TestRecordQueueLag_PublishesMilliseconds(t *testing.T) {
	cw := &mockCloudWatch{}
	m := NewCloudWatchPipelineMetrics(cw, "ChatGate/Pipeline", slog.Default())

	m.RecordQueueLag(context.Background(), 1500*time.Millisecond)

	if len(cw.inputs) != 1 {
		t.Fatalf("PutMetricData calls = %d, want 1", len(cw.inputs))
	}
	in := cw.inputs[0]
	if *in.Namespace != "ChatGate/Pipeline" {
		t.Errorf("namespace = %q", *in.Namespace)
	}
	if len(in.MetricData) != 1 {
		t.Fatalf("data points = %d, want 1", len(in.MetricData))
	}
	datum := in.MetricData[0]
	if *datum.MetricName != "QueueLag" {
		t.Errorf("metric name = %q", *datum.MetricName)
	}
	if *datum.Value != 1500 {
		t.Errorf("value = %v, want 1500", *datum.Value)
	}
	if datum.Unit != cwtypes.StandardUnitMilliseconds {
		t.Errorf("unit = %v", datum.Unit)
	}
}

func TestRecordDispatch_EmitsOutcomeAndLatency(t *testing.T) {
	cw := &mockCloudWatch{}
	m := NewCloudWatchPipelineMetrics(cw, "ChatGate/Pipeline", slog.Default())

	m.RecordDispatch(context.Background(), types.KindImage, types.OutcomeFailedRetryable, 2*time.Second)

	if len(cw.inputs) != 1 {
		t.Fatalf("PutMetricData calls = %d, want 1", len(cw.inputs))
	}
	data := cw.inputs[0].MetricData
	if len(data) != 2 {
		t.Fatalf("data points = %d, want 2", len(data))
	}

	outcome := data[0]
	if *outcome.MetricName != "DispatchOutcome" {
		t.Errorf("metric name = %q", *outcome.MetricName)
	}
	if *outcome.Value != 1 {
		t.Errorf("outcome value = %v, want 1", *outcome.Value)
	}
	if got := dimValue(outcome.Dimensions, "Kind"); got != string(types.KindImage) {
		t.Errorf("Kind dimension = %q", got)
	}
	if got := dimValue(outcome.Dimensions, "Outcome"); got != string(types.OutcomeFailedRetryable) {
		t.Errorf("Outcome dimension = %q", got)
	}

	latency := data[1]
	if *latency.MetricName != "DispatchLatency" {
		t.Errorf("metric name = %q", *latency.MetricName)
	}
	if *latency.Value != 2000 {
		t.Errorf("latency value = %v, want 2000", *latency.Value)
	}
	// Latency is sliced by kind only; outcome would explode cardinality.
	if got := dimValue(latency.Dimensions, "Outcome"); got != "" {
		t.Errorf("latency carries Outcome dimension %q", got)
	}
}

func TestMetrics_PublishFailureIsSwallowed(t *testing.T) {
	cw := &mockCloudWatch{err: errors.New("throttled")}
	m := NewCloudWatchPipelineMetrics(cw, "ChatGate/Pipeline", slog.Default())

	// Must not panic or propagate anything.
	m.RecordQueueLag(context.Background(), time.Second)
	m.RecordDispatch(context.Background(), types.KindText, types.OutcomeSucceeded, time.Second)

	if len(cw.inputs) != 2 {
		t.Errorf("PutMetricData calls = %d, want 2", len(cw.inputs))
	}
}
