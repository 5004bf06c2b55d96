// Package discovery hosts discovery engines. Each engine runs discovery
// requests by handing them to a pluggable DiscoveryService chosen by request
// type. Engine definitions, including the request type bindings, live on a
// remote metadata server and are fetched through a ConfigClient.
//
// # Startup sequence
//
// The metadata server may be down or incomplete when the server starts, so
// only the local configuration document can stop a server from starting:
//
//  1. ServerConfigFromViper(version), then Validate. Fails: exit
//  2. NewServer(config, client, loader). Fails: exit
//  3. Start(ctx) fetches every engine definition in parallel and returns when
//     they are all done or the startup grace period has passed. Fetches still
//     in flight carry on in the background, and engines that can't fetch
//     their definition are retried with capped exponential backoff. The
//     configuration listener subscribes (and retries) independently
//  4. Dispatch requests. Engines that are not READY return ENGINE_NOT_INITIALIZED
//  5. Wait for SIGTERM, then Stop()
//
// # Error handling
//
// Every error raised by this package is a *Error with a Kind from a closed
// set. Startup kinds (NO_CONFIG_DOC, NO_METADATA_SERVER_URL,
// NO_METADATA_SERVER_NAME, NO_DISCOVERY_ENGINES, DUPLICATE_DISCOVERY_ENGINE)
// are returned from NewServer and are fatal.
//
// Failures to fetch a definition or subscribe to changes are transient. They
// are logged, recorded on the engine (see EngineInstance.LastError and
// EngineReport) and retried, they are never returned to request callers. An
// engine that is READY keeps serving with its last good definition when a
// refresh fails.
//
// Request kinds (UNKNOWN_ENGINE, UNKNOWN_REQUEST_TYPE,
// INVALID_DISCOVERY_SERVICE, NULL_DISCOVERY_SERVICE, ENGINE_NOT_INITIALIZED,
// DISCOVERY_SERVICE_FAILED) are returned from Dispatch. A failed service load
// only affects its own request type.
package discovery

import "github.com/overmindtech/discovery-server/tracing"

var tracer = tracing.Tracer()
