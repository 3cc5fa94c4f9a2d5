// Package fcm implements the Flow Collection Manager runtime: a
// single-threaded cooperative scheduler driving pluggable collectors on
// sample/report timers, the shared flow aggregator, and the memory
// watchdog.
package fcm

import "context"

// Plugin is the collector lifecycle contract every collector implementation
// satisfies. DSO resolution from the original C design is replaced by a
// static, compile-time registry (see Register/NewPlugin below) per the
// re-architecture guidance: dynamic loading failure modes collapse onto
// ErrPluginResolveError at config-apply time instead of dlopen/dlsym calls.
type Plugin interface {
	// Init prepares the plugin with its other_config map. Called once
	// when the owning collector config is added.
	Init(otherConfig map[string]string) error
	// CollectPeriodic is invoked on every sample tick after fresh flows
	// have been pulled from the aggregator.
	CollectPeriodic(ctx context.Context, now int64) error
	// SendReport is invoked when the collector's report-tick counter
	// reaches its collector's report_ticks.
	SendReport(ctx context.Context, now int64) error
	// Close releases plugin resources; invoked when the owning collector
	// config is deleted.
	Close() error
}

// Factory constructs a fresh Plugin instance for one collector.
type Factory func() Plugin

var registry = map[string]Factory{}

// Register installs a plugin factory under name. Panics on empty name, nil
// factory, or duplicate registration — the same fail-fast posture as a
// static init-time table, matching the teacher's plugin registries.
func Register(name string, f Factory) {
	if name == "" {
		panic("fcm: plugin name must not be empty")
	}
	if f == nil {
		panic("fcm: plugin factory must not be nil")
	}
	if _, exists := registry[name]; exists {
		panic("fcm: plugin already registered: " + name)
	}
	registry[name] = f
}

// NewPlugin resolves name in the static registry and constructs an
// instance. Returns ok=false (the caller wraps this as
// ferr.ErrPluginResolveError) when name is unknown.
func NewPlugin(name string) (Plugin, bool) {
	f, ok := registry[name]
	if !ok {
		return nil, false
	}
	return f(), true
}

// ListPlugins returns the names of every registered plugin, for
// diagnostics and the fcmctl CLI.
func ListPlugins() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	return names
}
