// Package telemetry wires OpenTelemetry exporters and meters for the broker.
//
// It centralises trace and meter provider setup, applies broker resource
// attributes, and offers helpers that attach authorization outcomes to spans
// and record per-session metrics so operators can correlate rejected peers
// with connection behaviour.
package telemetry
