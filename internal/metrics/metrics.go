// Package metrics is the minimal instrumentation seam for the pipeline.
//
// Core code depends only on Backend; the process wires a concrete backend
// (Datadog, or nothing) at startup. The default is a nop so library code can
// always call the package-level helpers.
package metrics

import (
	"sync"
	"time"
)

// Backend receives measurements. Implementations must be safe for
// concurrent use.
type Backend interface {
	// IncCounter adds delta to a named counter.
	IncCounter(name string, delta float64, tags ...string)
	// ObserveDuration records one duration sample for a named timing.
	ObserveDuration(name string, d time.Duration, tags ...string)
	// Flush submits buffered measurements.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, ...string)            {}
func (nopBackend) ObserveDuration(string, time.Duration, ...string) {}
func (nopBackend) Flush() error                                     { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide backend. Call once at startup,
// before pipeline work begins.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, tags ...string) {
	current().IncCounter(name, delta, tags...)
}

func ObserveDuration(name string, d time.Duration, tags ...string) {
	current().ObserveDuration(name, d, tags...)
}

func Flush() error { return current().Flush() }
