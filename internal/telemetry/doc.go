// Package telemetry wraps OpenTelemetry tracing SDK initialization for the
// router controller. When disabled, it configures a noop TracerProvider and
// makes no outbound connections.
package telemetry
