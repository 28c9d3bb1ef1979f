package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnnotateProject attaches the resolved project and version to the span.
func AnnotateProject(span trace.Span, project, version string) {
	if span == nil || !span.IsRecording() {
		return
	}
	if project != "" {
		span.SetAttributes(attribute.String("rtd.project", project))
	}
	if version != "" {
		span.SetAttributes(attribute.String("rtd.version", version))
	}
}

// RecordPermissionDecision annotates the span with an authorization outcome.
func RecordPermissionDecision(span trace.Span, action string, allowed bool, reason string) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("rtd.permission.action", action),
		attribute.Bool("rtd.permission.allowed", allowed),
	)
	if reason != "" {
		span.SetAttributes(attribute.String("rtd.permission.reason", reason))
	}
	if !allowed {
		span.AddEvent("permission.denied")
	}
}
