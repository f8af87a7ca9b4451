package telemetry

type Config struct {
	// The URL to the Jaeger collector. Empty disables tracing.
	JaegerURL string `yaml:"jaegerUrl"`
	// ID of the service instance. Random when empty.
	ID string `yaml:"id"`
}

// Enabled reports whether a tracing backend is configured.
func (c Config) Enabled() bool {
	return c.JaegerURL != ""
}
