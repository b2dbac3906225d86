// Package sym defines the canonical symbols used as structured log markers
// and CLI prefixes. They are stable across logs, CLI output and documentation.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // job executor, timers and leases
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
)
