// Package services contains the discovery services that ship with the
// discovery server. Engines bind them to request types through the
// implementation identifier in their connector descriptors
package services

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/overmindtech/discovery-server/discovery"
)

// Implementation identifiers
const (
	FileInventoryImplementation = "file-inventory"
	DNSLookupImplementation     = "dns-lookup"
	EchoImplementation          = "echo"
)

// Register adds every built-in service to the loader
func Register(loader *discovery.ServiceLoader) error {
	return errors.Join(
		loader.Register(FileInventoryImplementation, NewFileInventory),
		loader.Register(DNSLookupImplementation, NewDNSLookup),
		loader.Register(EchoImplementation, NewEcho),
	)
}

func incompatible(connector discovery.ConnectorDescriptor, format string, args ...any) error {
	return fmt.Errorf("%w: %v: %v", discovery.ErrIncompatibleConfiguration, connector.ServiceName, fmt.Sprintf(format, args...))
}

// int64Parameter reads an optional integer parameter from the connector
func int64Parameter(connector discovery.ConnectorDescriptor, key string, def int64) (int64, error) {
	raw, ok := connector.Parameters[key]
	if !ok || raw == "" {
		return def, nil
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, incompatible(connector, "%v must be a non-negative integer, got %q", key, raw)
	}

	return v, nil
}

// listParameter reads an optional comma separated parameter
func listParameter(connector discovery.ConnectorDescriptor, key string) []string {
	var out []string
	for _, part := range strings.Split(connector.Parameters[key], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
