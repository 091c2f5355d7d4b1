package lifecycle

import "context"

// Component defines the lifecycle interface every long-running subsystem of
// the scan engine implements, so the Manager can bring them up and down in
// dependency order around a batch loop. The metrics HTTP server registered
// by cmd/ciscan/commands/scan.go is the simplest example: it has nothing to
// depend on, starts a listener, and shuts it down on signal.
type Component interface {
	// Start initializes and starts the component, e.g. opening a listener
	// or a database pool. The provided context can be used to signal
	// shutdown or set deadlines. Must be idempotent - safe to call multiple
	// times. Returns error if initialization fails, aborting the whole
	// manager's Start call.
	Start(ctx context.Context) error

	// Stop gracefully stops the component, e.g. draining an in-flight scan
	// batch before closing its listener. Must respect the context deadline
	// for graceful shutdown. Returns error if shutdown fails, but this
	// shouldn't prevent other components from stopping.
	Stop(ctx context.Context) error

	// Name returns the component's name, used in dependency declarations
	// and in the Manager's startup/shutdown logging (e.g. "metrics-server").
	// Must return a non-empty string.
	Name() string
}
