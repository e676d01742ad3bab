package embedding

import "sync"

var (
	instanceMu sync.Mutex
	instance   Provider
)

// Instance returns the process-wide embedding provider, lazily constructing
// the default local backend on first call. Subsequent calls return the same
// instance. The first call may block while the backend initialises; callers
// on a latency-sensitive path should warm it during startup.
func Instance() Provider {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = NewLocal()
	}
	return instance
}

// SetInstance replaces the process-wide provider. Call during startup before
// any Instance use to select a non-default backend, or from tests to inject
// a fake. Passing nil resets to lazy default construction.
func SetInstance(p Provider) {
	instanceMu.Lock()
	instance = p
	instanceMu.Unlock()
}
