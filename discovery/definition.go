package discovery

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ConnectorDescriptor describes how to construct the discovery service that
// is bound to a request type
type ConnectorDescriptor struct {
	// ServiceName is the display name of the discovery service
	ServiceName string `json:"serviceName" yaml:"serviceName"`
	// Implementation identifies the ServiceFactory registered with the loader
	Implementation string `json:"implementation" yaml:"implementation"`
	// Parameters are passed to the factory when the service is loaded
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Equal reports whether two descriptors would produce the same service
func (c ConnectorDescriptor) Equal(other ConnectorDescriptor) bool {
	return c.ServiceName == other.ServiceName &&
		c.Implementation == other.Implementation &&
		maps.Equal(c.Parameters, other.Parameters)
}

// RequestTypeBinding binds a request type to the connector used to serve it
type RequestTypeBinding struct {
	RequestType string              `json:"requestType" yaml:"requestType"`
	Connector   ConnectorDescriptor `json:"connector" yaml:"connector"`
}

// EngineDefinition is the configuration of a single discovery engine as
// returned by the metadata server. A definition is never modified once it has
// been fetched, a redefinition always produces a new value.
type EngineDefinition struct {
	QualifiedName string               `json:"qualifiedName" yaml:"qualifiedName"`
	DisplayName   string               `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Description   string               `json:"description,omitempty" yaml:"description,omitempty"`
	Version       string               `json:"version,omitempty" yaml:"version,omitempty"`
	Bindings      []RequestTypeBinding `json:"bindings" yaml:"bindings"`
}

var (
	ErrEmptyQualifiedName   = errors.New("definition has an empty qualified name")
	ErrEmptyRequestType     = errors.New("binding has an empty request type")
	ErrEmptyImplementation  = errors.New("binding has an empty implementation")
	ErrDuplicateRequestType = errors.New("request type is bound more than once")
	ErrWrongEngine          = errors.New("definition names a different engine")
)

// Validate checks that the definition is well formed and that it describes
// the expected engine. All problems are returned joined together.
func (d *EngineDefinition) Validate(expectedName string) error {
	if d == nil {
		return errors.New("definition is nil")
	}

	var errs []error

	if d.QualifiedName == "" {
		errs = append(errs, ErrEmptyQualifiedName)
	} else if expectedName != "" && d.QualifiedName != expectedName {
		errs = append(errs, fmt.Errorf("%w: expected %v, got %v", ErrWrongEngine, expectedName, d.QualifiedName))
	}

	seen := make(map[string]struct{}, len(d.Bindings))

	for i, b := range d.Bindings {
		if b.RequestType == "" {
			errs = append(errs, fmt.Errorf("binding %d: %w", i, ErrEmptyRequestType))
			continue
		}

		if b.Connector.Implementation == "" {
			errs = append(errs, fmt.Errorf("binding %v: %w", b.RequestType, ErrEmptyImplementation))
		}

		if _, ok := seen[b.RequestType]; ok {
			errs = append(errs, fmt.Errorf("%w: %v", ErrDuplicateRequestType, b.RequestType))
		}
		seen[b.RequestType] = struct{}{}
	}

	return errors.Join(errs...)
}

// Binding returns the connector for a request type
func (d *EngineDefinition) Binding(requestType string) (ConnectorDescriptor, bool) {
	if d == nil {
		return ConnectorDescriptor{}, false
	}

	for _, b := range d.Bindings {
		if b.RequestType == requestType {
			return b.Connector, true
		}
	}

	return ConnectorDescriptor{}, false
}

// RequestTypes returns the sorted list of request types that this engine
// supports
func (d *EngineDefinition) RequestTypes() []string {
	if d == nil {
		return nil
	}

	types := make([]string, 0, len(d.Bindings))
	for _, b := range d.Bindings {
		types = append(types, b.RequestType)
	}
	slices.Sort(types)

	return types
}
