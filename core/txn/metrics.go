package txn

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// TaskMetrics holds the metric instruments recorded across a
// transaction task's lifetime. It is adapted from GojoDB's gRPC gateway
// metrics (internal/telemetry/grpc_metric.go): the same
// counter/histogram shapes, retargeted from "RPCs handled by the
// gateway server" to "RPCs and retries driven by one client task."
type TaskMetrics struct {
	tasksActive      metric.Int64UpDownCounter
	tasksCompleted   metric.Int64Counter
	tasksAborted     metric.Int64Counter
	prepareRPCsSent  metric.Int64Counter
	decisionRPCsSent metric.Int64Counter
	transportRetries metric.Int64Counter
	staleRoutingHits metric.Int64Counter
	taskLatency      metric.Int64Histogram
}

// NewTaskMetrics creates and registers every instrument on meter. Pass
// the no-op meter (as pkg/telemetry.New does when telemetry is
// disabled) in tests.
func NewTaskMetrics(meter metric.Meter) (*TaskMetrics, error) {
	tasksActive, err := meter.Int64UpDownCounter(
		"gojodb.txnclient.tasks.active",
		metric.WithDescription("Number of transaction tasks currently between INIT and DONE."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	tasksCompleted, err := meter.Int64Counter(
		"gojodb.txnclient.tasks.completed_total",
		metric.WithDescription("Total number of tasks that reached DONE with status OK."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	tasksAborted, err := meter.Int64Counter(
		"gojodb.txnclient.tasks.aborted_total",
		metric.WithDescription("Total number of tasks whose decision resolved to ABORT."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	prepareRPCsSent, err := meter.Int64Counter(
		"gojodb.txnclient.prepare_rpcs_sent_total",
		metric.WithDescription("Total number of prepare RPCs launched across all tasks."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	decisionRPCsSent, err := meter.Int64Counter(
		"gojodb.txnclient.decision_rpcs_sent_total",
		metric.WithDescription("Total number of decision RPCs launched across all tasks."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	transportRetries, err := meter.Int64Counter(
		"gojodb.txnclient.transport_retries_total",
		metric.WithDescription("Total number of times a transport fault rewound the commit cache cursor."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	staleRoutingHits, err := meter.Int64Counter(
		"gojodb.txnclient.stale_routing_total",
		metric.WithDescription("Total number of UNKNOWN_TABLET responses that triggered a route refresh."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	taskLatency, err := meter.Int64Histogram(
		"gojodb.txnclient.task.duration",
		metric.WithDescription("Wall-clock time from INIT to DONE."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &TaskMetrics{
		tasksActive:      tasksActive,
		tasksCompleted:   tasksCompleted,
		tasksAborted:     tasksAborted,
		prepareRPCsSent:  prepareRPCsSent,
		decisionRPCsSent: decisionRPCsSent,
		transportRetries: transportRetries,
		staleRoutingHits: staleRoutingHits,
		taskLatency:      taskLatency,
	}, nil
}

func (m *TaskMetrics) taskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksActive.Add(ctx, 1)
}

func (m *TaskMetrics) taskDone(ctx context.Context, status StatusCode, decision Decision, elapsedMillis int64) {
	if m == nil {
		return
	}
	m.tasksActive.Add(ctx, -1)
	m.taskLatency.Record(ctx, elapsedMillis)
	if status == StatusOK {
		m.tasksCompleted.Add(ctx, 1)
		if decision == DecisionAbort {
			m.tasksAborted.Add(ctx, 1)
		}
	}
}

func (m *TaskMetrics) prepareRPCSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.prepareRPCsSent.Add(ctx, 1)
}

func (m *TaskMetrics) decisionRPCSent(ctx context.Context) {
	if m == nil {
		return
	}
	m.decisionRPCsSent.Add(ctx, 1)
}

func (m *TaskMetrics) transportRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.transportRetries.Add(ctx, 1)
}

func (m *TaskMetrics) staleRouting(ctx context.Context) {
	if m == nil {
		return
	}
	m.staleRoutingHits.Add(ctx, 1)
}
