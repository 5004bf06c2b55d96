package discovery

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the machine-readable kind of an error raised by the discovery
// engine services. The set is closed: callers can switch on it and it is
// stable across releases.
type ErrorKind string

// Startup errors. The server refuses to start until the local configuration
// document is fixed.
const (
	KindNoConfigDoc              ErrorKind = "NO_CONFIG_DOC"
	KindNoMetadataServerURL      ErrorKind = "NO_METADATA_SERVER_URL"
	KindNoMetadataServerName     ErrorKind = "NO_METADATA_SERVER_NAME"
	KindNoDiscoveryEngines       ErrorKind = "NO_DISCOVERY_ENGINES"
	KindDuplicateDiscoveryEngine ErrorKind = "DUPLICATE_DISCOVERY_ENGINE"
)

// Transient errors. These are recorded against an engine or the listener and
// logged, they are never returned to request callers directly.
const (
	KindConfigurationListenerFailure ErrorKind = "CONFIGURATION_LISTENER_FAILURE"
	KindUnknownEngineConfigAtStartup ErrorKind = "UNKNOWN_DISCOVERY_ENGINE_CONFIG_AT_STARTUP"
	KindUnknownEngineConfig          ErrorKind = "UNKNOWN_DISCOVERY_ENGINE_CONFIG"
)

// Request errors, returned synchronously from Dispatch
const (
	KindUnknownEngine           ErrorKind = "UNKNOWN_ENGINE"
	KindUnknownRequestType      ErrorKind = "UNKNOWN_REQUEST_TYPE"
	KindInvalidDiscoveryService ErrorKind = "INVALID_DISCOVERY_SERVICE"
	KindNullDiscoveryService    ErrorKind = "NULL_DISCOVERY_SERVICE"
	KindEngineNotInitialized    ErrorKind = "ENGINE_NOT_INITIALIZED"
	KindDiscoveryServiceFailed  ErrorKind = "DISCOVERY_SERVICE_FAILED"
	KindUnknownRequest          ErrorKind = "UNKNOWN_DISCOVERY_REQUEST"
)

type errorDescription struct {
	httpStatus   int
	number       string
	systemAction string
	userAction   string
}

var catalogue = map[ErrorKind]errorDescription{
	KindNoConfigDoc: {
		http.StatusBadRequest, "001",
		"The discovery engine services can not retrieve their configuration values. The discovery server fails to start.",
		"Add the discovery engine services section to the server's configuration document and restart the server.",
	},
	KindNoMetadataServerURL: {
		http.StatusBadRequest, "002",
		"The discovery engine services are not able to locate the metadata server. The discovery server fails to start.",
		"Add the platform URL root of the metadata server to the configuration document and restart the server.",
	},
	KindNoMetadataServerName: {
		http.StatusBadRequest, "003",
		"The server is not able to retrieve its configuration from the metadata server. It fails to start.",
		"Add the name of the metadata server to the configuration document and restart the server.",
	},
	KindNoDiscoveryEngines: {
		http.StatusBadRequest, "004",
		"The server is not able to run any discovery requests. It fails to start.",
		"Add the qualified name of at least one discovery engine to the configuration document and restart the server.",
	},
	KindDuplicateDiscoveryEngine: {
		http.StatusBadRequest, "005",
		"The server can not decide which engine instance should serve requests. It fails to start.",
		"Remove the duplicate discovery engine name from the configuration document and restart the server.",
	},
	KindConfigurationListenerFailure: {
		http.StatusBadRequest, "010",
		"The discovery server continues to run. The listener keeps retrying and engines keep serving with the configuration they already have.",
		"Check that the metadata server and its notification transport are running.",
	},
	KindUnknownEngineConfigAtStartup: {
		http.StatusBadRequest, "011",
		"The discovery server is not able to initialize the discovery engine yet. It keeps retrying in the background.",
		"Check that the metadata server is running and that the discovery engine definition has been published.",
	},
	KindUnknownEngineConfig: {
		http.StatusBadRequest, "014",
		"The discovery engine keeps serving with its last known definition, if it has one.",
		"This may be a configuration error or the metadata server may be down. Review the other messages.",
	},
	KindUnknownEngine: {
		http.StatusBadRequest, "020",
		"The discovery request is not run and an error is returned to the caller.",
		"Correct the engine name in the request or add the engine to the server's configuration document.",
	},
	KindUnknownRequestType: {
		http.StatusBadRequest, "021",
		"The discovery request is not run and an error is returned to the caller.",
		"Correct the request type or add a binding for it to the discovery engine definition.",
	},
	KindInvalidDiscoveryService: {
		http.StatusBadRequest, "022",
		"The discovery request is not run and an error is returned to the caller. Other request types are unaffected.",
		"Check that the discovery service implementation is deployed and that its connector parameters are correct.",
	},
	KindNullDiscoveryService: {
		http.StatusInternalServerError, "023",
		"The discovery request is not run and an error is returned to the caller.",
		"This is a defect in the discovery server. Report it along with the server logs.",
	},
	KindEngineNotInitialized: {
		http.StatusServiceUnavailable, "024",
		"The discovery engine is not able to run any discovery requests until it has retrieved its configuration.",
		"Wait for the engine to retrieve its configuration, or check the metadata server if this persists.",
	},
	KindDiscoveryServiceFailed: {
		http.StatusBadRequest, "025",
		"The discovery service reported a failure. The result is returned to the caller.",
		"Review the failure reported by the discovery service.",
	},
	KindUnknownRequest: {
		http.StatusNotFound, "026",
		"No discovery request with this identifier is being tracked.",
		"Check the request identifier. Finished requests are only retained for a limited time.",
	},
}

// Error is the single error type raised by the discovery engine services.
// The message is rendered from the structured fields, so callers that need
// the engine or request type can read them directly instead of parsing text.
type Error struct {
	Kind        ErrorKind
	Server      string // the discovery server
	Engine      string // the discovery engine qualified name
	RequestType string
	Service     string // the discovery service bound to the request type
	Method      string
	// MetadataServer is the name of the remote metadata server
	MetadataServer string
	// RequestID identifies an asynchronous request
	RequestID string
	Cause     error
}

// Error implements error
func (e *Error) Error() string {
	return fmt.Sprintf("%v %v", e.MessageID(), e.Message())
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind. This allows
// `errors.Is(err, &discovery.Error{Kind: discovery.KindUnknownEngine})`
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// MessageID returns the stable identifier of the message, e.g.
// DISCOVERY-ENGINE-SERVICES-400-020
func (e *Error) MessageID() string {
	d, ok := catalogue[e.Kind]
	if !ok {
		return "DISCOVERY-ENGINE-SERVICES-500-000"
	}
	return fmt.Sprintf("DISCOVERY-ENGINE-SERVICES-%d-%s", d.httpStatus, d.number)
}

// HTTPStatus returns the HTTP status code that should be used when this
// error is returned over a REST API
func (e *Error) HTTPStatus() int {
	if d, ok := catalogue[e.Kind]; ok {
		return d.httpStatus
	}
	return http.StatusInternalServerError
}

// SystemAction describes what the server did as a result of the error
func (e *Error) SystemAction() string {
	return catalogue[e.Kind].systemAction
}

// UserAction describes what an operator or caller should do about the error
func (e *Error) UserAction() string {
	return catalogue[e.Kind].userAction
}

// Message renders the human-readable message for the error
func (e *Error) Message() string {
	switch e.Kind {
	case KindNoConfigDoc:
		return fmt.Sprintf("Discovery server %v has been passed an empty configuration document section for the discovery engine services", e.Server)
	case KindNoMetadataServerURL:
		return fmt.Sprintf("Discovery server %v is not configured with the platform URL root of the metadata server", e.Server)
	case KindNoMetadataServerName:
		return fmt.Sprintf("Discovery server %v is not configured with the name of the metadata server", e.Server)
	case KindNoDiscoveryEngines:
		return fmt.Sprintf("Discovery server %v is not configured with any discovery engines", e.Server)
	case KindDuplicateDiscoveryEngine:
		return fmt.Sprintf("Discovery server %v lists discovery engine %v more than once", e.Server, e.Engine)
	case KindConfigurationListenerFailure:
		return fmt.Sprintf("The configuration listener for discovery server %v can not subscribe to metadata server %v. %v", e.Server, e.MetadataServer, describeCause(e.Cause))
	case KindUnknownEngineConfigAtStartup:
		return fmt.Sprintf("Properties for discovery engine %v have not been returned by metadata server %v to discovery server %v. %v", e.Engine, e.MetadataServer, e.Server, describeCause(e.Cause))
	case KindUnknownEngineConfig:
		return fmt.Sprintf("Properties for discovery engine %v could not be refreshed from metadata server %v by discovery server %v. %v", e.Engine, e.MetadataServer, e.Server, describeCause(e.Cause))
	case KindUnknownEngine:
		return fmt.Sprintf("Discovery engine %v is not running in discovery server %v", e.Engine, e.Server)
	case KindUnknownRequestType:
		return fmt.Sprintf("The discovery request type %v is not recognized by discovery engine %v hosted by discovery server %v", e.RequestType, e.Engine, e.Server)
	case KindInvalidDiscoveryService:
		return fmt.Sprintf("The discovery service %v linked to discovery request type %v can not be started. %v", e.Service, e.RequestType, describeCause(e.Cause))
	case KindNullDiscoveryService:
		return fmt.Sprintf("Method %v can not execute in discovery engine %v hosted by discovery server %v because the associated discovery service is nil", e.Method, e.Engine, e.Server)
	case KindEngineNotInitialized:
		msg := fmt.Sprintf("Discovery server %v is unable to pass a discovery request to discovery engine %v because this discovery engine has not retrieved its configuration from the metadata server", e.Server, e.Engine)
		if e.Cause != nil {
			msg = fmt.Sprintf("%v. %v", msg, describeCause(e.Cause))
		}
		return msg
	case KindDiscoveryServiceFailed:
		return fmt.Sprintf("The discovery service %v for request type %v on discovery engine %v failed. %v", e.Service, e.RequestType, e.Engine, describeCause(e.Cause))
	case KindUnknownRequest:
		return fmt.Sprintf("Discovery request %v is not known to discovery server %v", e.RequestID, e.Server)
	}

	return fmt.Sprintf("unknown error kind %q: %v", e.Kind, describeCause(e.Cause))
}

// describeCause renders the identity and message of an underlying error
func describeCause(err error) string {
	if err == nil {
		return "No further detail was returned."
	}

	var le *LoadError
	if errors.As(err, &le) {
		return fmt.Sprintf("The %v exception was returned with message %v", le.Failure, le.Error())
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fmt.Sprintf("The %v exception was returned with message %v", fe.Failure, fe.Error())
	}

	return fmt.Sprintf("The %T exception was returned with message %v", err, err.Error())
}

// KindOf returns the ErrorKind of err, or the empty string if err is not (and
// does not wrap) a *Error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsStartupError reports whether the error is one that should stop the
// server from starting
func IsStartupError(err error) bool {
	switch KindOf(err) {
	case KindNoConfigDoc, KindNoMetadataServerURL, KindNoMetadataServerName, KindNoDiscoveryEngines, KindDuplicateDiscoveryEngine:
		return true
	}
	return false
}
