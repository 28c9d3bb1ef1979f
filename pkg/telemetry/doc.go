// Package telemetry wires OpenTelemetry exporters and meters for the
// documentation platform.
//
// It centralises trace provider setup and offers helpers that attach
// project, version and permission metadata to spans so operators can
// correlate host resolution, builds and tasks.
package telemetry
