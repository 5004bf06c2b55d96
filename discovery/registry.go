package discovery

import (
	"slices"
)

// EngineRegistry maps engine qualified names to their instances. Membership
// is fixed when the registry is built, so lookups need no locking
type EngineRegistry struct {
	server    string
	instances map[string]*EngineInstance
	names     []string
}

// NewEngineRegistry creates an instance for every engine name. An empty list
// or a repeated name is a fatal configuration error
func NewEngineRegistry(engineNames []string, opts InstanceOptions) (*EngineRegistry, error) {
	if len(engineNames) == 0 {
		return nil, &Error{
			Kind:   KindNoDiscoveryEngines,
			Server: opts.Server,
		}
	}

	r := &EngineRegistry{
		server:    opts.Server,
		instances: make(map[string]*EngineInstance, len(engineNames)),
		names:     make([]string, 0, len(engineNames)),
	}

	for _, name := range engineNames {
		if name == "" {
			return nil, &Error{
				Kind:   KindNoDiscoveryEngines,
				Server: opts.Server,
			}
		}

		if _, exists := r.instances[name]; exists {
			return nil, &Error{
				Kind:   KindDuplicateDiscoveryEngine,
				Server: opts.Server,
				Engine: name,
			}
		}

		r.instances[name] = NewEngineInstance(name, opts)
		r.names = append(r.names, name)
	}

	slices.Sort(r.names)

	return r, nil
}

// Get returns the instance for an engine, or an UNKNOWN_ENGINE error
func (r *EngineRegistry) Get(engineName string) (*EngineInstance, error) {
	if i, ok := r.instances[engineName]; ok {
		return i, nil
	}

	return nil, &Error{
		Kind:   KindUnknownEngine,
		Server: r.server,
		Engine: engineName,
	}
}

// Names returns the sorted engine names
func (r *EngineRegistry) Names() []string {
	return slices.Clone(r.names)
}

// Instances returns all instances, sorted by name
func (r *EngineRegistry) Instances() []*EngineInstance {
	instances := make([]*EngineInstance, 0, len(r.names))
	for _, name := range r.names {
		instances = append(instances, r.instances[name])
	}

	return instances
}
