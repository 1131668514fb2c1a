// Package agenterr defines the typed error kinds surfaced by the
// machine agent's components, so callers can branch with errors.Is
// instead of matching on error strings.
package agenterr

import "errors"

var (
	// ErrPortNotReady means a child never listened on its assigned port
	// within the configured timeout.
	ErrPortNotReady = errors.New("port not ready")

	// ErrSpawnFailed means the child executable was missing or could
	// not be started.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrUnknownLanguage means no RuntimeDescriptor matched the
	// requested language key or alias.
	ErrUnknownLanguage = errors.New("unknown language")

	// ErrLanguageUnavailable means a descriptor's validate() reported
	// the language runtime is not usable on this machine.
	ErrLanguageUnavailable = errors.New("language unavailable")

	// ErrAdoptionStale means an on-disk marker pointed at a dead PID or
	// an idle port and was discarded.
	ErrAdoptionStale = errors.New("adoption marker stale")

	// ErrSyncDied means a supervised sync server exited unexpectedly.
	// This is the primary data-loss-prevention signal.
	ErrSyncDied = errors.New("sync server died unexpectedly")

	// ErrBridgeTransient means one side of a document bridge closed and
	// a reconnect has been scheduled.
	ErrBridgeTransient = errors.New("bridge side closed")

	// ErrBridgeFatal means the bridge has been marked destroyed and
	// will not reconnect.
	ErrBridgeFatal = errors.New("bridge destroyed")

	// ErrTunnelDisconnected means the upstream relay tunnel dropped.
	ErrTunnelDisconnected = errors.New("tunnel disconnected")

	// ErrCatalogPushFailed means the periodic catalog POST to the relay
	// failed.
	ErrCatalogPushFailed = errors.New("catalog push failed")

	// ErrCloudFetchFailed means pulling a missing document from the
	// relay failed.
	ErrCloudFetchFailed = errors.New("cloud fetch failed")

	// ErrRuntimeStartFailed wraps a failure anywhere in the runtime
	// start sequence (spawn, port wait) after cleanup has been
	// attempted.
	ErrRuntimeStartFailed = errors.New("runtime start failed")
)
