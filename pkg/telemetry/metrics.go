package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	hostResolutionCounter metric.Int64Counter
	ruleMatchCounter      metric.Int64Counter
	buildTriggerCounter   metric.Int64Counter
	taskCounter           metric.Int64Counter
	taskLatencyHistogram  metric.Float64Histogram
)

// RecordHostResolution counts how an incoming documentation host was resolved.
// kind is one of subdomain, cname, rtdheader or unresolved; status is the
// HTTP status returned when resolution failed, zero otherwise.
func RecordHostResolution(ctx context.Context, kind string, status int) {
	if err := ensureMetrics(); err != nil {
		return
	}
	hostResolutionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resolution.kind", kind),
		attribute.Int("http.status_code", status),
	))
}

// RecordRuleMatch counts an automation rule that ran on a version.
func RecordRuleMatch(ctx context.Context, project, action string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	ruleMatchCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rtd.project", project),
		attribute.String("rule.action", action),
	))
}

// RecordBuildTriggered counts builds queued for a project.
func RecordBuildTriggered(ctx context.Context, project string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	buildTriggerCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("rtd.project", project)))
}

// TaskMetrics captures one task execution.
type TaskMetrics struct {
	Queue    string
	Task     string
	Outcome  string
	Duration time.Duration
	Attempts int
}

// RecordTask emits counters and latency for a task execution.
func RecordTask(ctx context.Context, m TaskMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("task.queue", m.Queue),
		attribute.String("task.name", m.Task),
		attribute.String("task.outcome", m.Outcome),
		attribute.Int("task.attempts", m.Attempts),
	)
	taskCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		taskLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("rtd")

		hostResolutionCounter, metricsInitErr = meter.Int64Counter(
			"rtd.proxito.resolutions_total",
			metric.WithDescription("Documentation host resolutions partitioned by kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		ruleMatchCounter, metricsInitErr = meter.Int64Counter(
			"rtd.automation.matches_total",
			metric.WithDescription("Automation rules that ran on a version"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		buildTriggerCounter, metricsInitErr = meter.Int64Counter(
			"rtd.builds.triggered_total",
			metric.WithDescription("Builds queued"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		taskCounter, metricsInitErr = meter.Int64Counter(
			"rtd.tasks.executions_total",
			metric.WithDescription("Task executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		taskLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"rtd.tasks.duration_ms",
			metric.WithDescription("Observed task latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
