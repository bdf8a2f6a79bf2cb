// Package tracing wraps the queue-consume and workflow-execute paths in
// OpenTelemetry spans, exported via OTLP/gRPC.
package tracing

// Config holds OpenTelemetry tracing settings (§6 ambient configuration).
type Config struct {
	// Enabled toggles span export; when false, Init installs a no-op
	// tracer provider and every Trace* helper becomes a pass-through.
	Enabled bool
	// ServiceName identifies this worker in exported spans.
	ServiceName string
	// Endpoint is the OTLP/gRPC collector address (host:port).
	Endpoint string
	// SampleRate is the fraction of traces sampled, 0.0-1.0.
	SampleRate float64
	// Insecure disables TLS on the OTLP/gRPC connection.
	Insecure bool
}
