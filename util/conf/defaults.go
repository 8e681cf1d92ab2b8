package conf

// DefaultConfig is a flat map of default values, keyed by the same
// dot-delimited paths koanf uses.
type DefaultConfig map[string]any
