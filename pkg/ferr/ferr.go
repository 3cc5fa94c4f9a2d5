// Package ferr defines the error taxonomy shared by the FCM, RTS, and
// gatekeeper-cache subsystems. Every sentinel is tested with errors.Is;
// callers that need extra context wrap one of these with fmt.Errorf("...: %w").
package ferr

import "errors"

var (
	// ErrInvalidArg means the caller passed a null, malformed, or
	// out-of-domain argument. Returned, not logged, by default.
	ErrInvalidArg = errors.New("ferr: invalid argument")

	// ErrOutOfMemory means a pool was exhausted or an injected Allocator
	// returned nothing.
	ErrOutOfMemory = errors.New("ferr: out of memory")

	// ErrInvalidSignature means a bundle load failed its magic, version,
	// or section-shape checks. No partial install occurs.
	ErrInvalidSignature = errors.New("ferr: invalid signature bundle")

	// ErrNoSignature means an operation required a loaded bundle and none
	// is installed.
	ErrNoSignature = errors.New("ferr: no signature bundle loaded")

	// ErrUnknownKey means a subscription key is absent from the bundle's
	// key list.
	ErrUnknownKey = errors.New("ferr: unknown subscription key")

	// ErrBusy means a subscription was attempted while live handles hold
	// a reference that prevents publisher-table mutation.
	ErrBusy = errors.New("ferr: busy")

	// ErrPluginResolveError means collector plugin resolution (static
	// registry lookup) failed; the collector is left uninitialized.
	ErrPluginResolveError = errors.New("ferr: plugin resolve error")

	// ErrMissingReportConfig is a soft, deferred error: the collector's
	// referenced report config does not exist yet, so the collector is
	// parked.
	ErrMissingReportConfig = errors.New("ferr: missing report config")

	// ErrTransportError means a gatekeeper HTTP round-trip failed; the
	// verdict is unknown and the caller decides a default.
	ErrTransportError = errors.New("ferr: transport error")
)
