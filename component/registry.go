package component

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/types"
)

// Factory creates a component from its raw JSON configuration. Factories
// parse and validate config and wire dependencies; all device and network
// I/O belongs in the component's Start method.
type Factory func(rawConfig json.RawMessage, deps Dependencies) (Discoverable, error)

// Registration holds factory and metadata for a component type
type Registration struct {
	Name        string       `json:"name"`
	Type        string       `json:"type"`     // input/processor/output
	Protocol    string       `json:"protocol"` // dtc, nats, file
	Domain      string       `json:"domain"`   // tracker, calorimeter
	Description string       `json:"description"`
	Version     string       `json:"version"`
	Schema      ConfigSchema `json:"schema"`
	Factory     Factory      `json:"-"`
}

// RegistrationConfig is the argument to RegisterWithConfig.
type RegistrationConfig struct {
	Name        string
	Factory     Factory
	Schema      ConfigSchema
	Type        string
	Protocol    string
	Domain      string
	Description string
	Version     string
}

// Registry holds component factories and the instances created from them.
// It is safe for concurrent use.
type Registry struct {
	mu              sync.RWMutex
	factories       map[string]*Registration
	instances       map[string]Discoverable
	resourceTracker map[string]string // resource ID -> instance name
}

// NewRegistry creates a new empty component registry
func NewRegistry() *Registry {
	return &Registry{
		factories:       make(map[string]*Registration),
		instances:       make(map[string]Discoverable),
		resourceTracker: make(map[string]string),
	}
}

// RegisterWithConfig registers a component factory.
//
//	registry.RegisterWithConfig(component.RegistrationConfig{
//	    Name:     "tracker-vst",
//	    Factory:  CreateInput,
//	    Schema:   trackerSchema,
//	    Type:     "input",
//	    Protocol: "dtc",
//	})
func (r *Registry) RegisterWithConfig(config RegistrationConfig) error {
	return r.RegisterFactory(config.Name, &Registration{
		Name:        config.Name,
		Factory:     config.Factory,
		Schema:      config.Schema,
		Type:        config.Type,
		Protocol:    config.Protocol,
		Domain:      config.Domain,
		Description: config.Description,
		Version:     config.Version,
	})
}

// RegisterFactory registers a component factory with the given name.
// Registering the same name twice fails.
func (r *Registry) RegisterFactory(name string, registration *Registration) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory name validation")
	}
	if registration == nil || registration.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory function validation")
	}
	if registration.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "component type validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("factory '%s' is already registered", name),
			"Registry", "RegisterFactory", "duplicate factory check")
	}
	r.factories[name] = registration
	return nil
}

// CreateComponent validates config, runs the named factory and registers the
// result under instanceName.
func (r *Registry) CreateComponent(
	instanceName string, config types.ComponentConfig, deps Dependencies,
) (Discoverable, error) {
	if err := ValidateComponentName(instanceName); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "instance name validation")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "component config validation")
	}
	if err := ValidateComponentName(config.Name); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "factory name validation")
	}
	if err := ValidateFactoryConfig(config.Config); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "config security validation")
	}

	r.mu.RLock()
	registration, exists := r.factories[config.Name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown component factory '%s'", config.Name),
			"Registry", "CreateComponent", "factory lookup")
	}
	if registration.Type != string(config.Type) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("component '%s' is type '%s', not '%s'", config.Name, registration.Type, config.Type),
			"Registry", "CreateComponent", "type validation")
	}

	if len(config.Config) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(config.Config, &fields); err != nil {
			return nil, errors.WrapInvalid(err, "Registry", "CreateComponent", "config decoding")
		}
		if verrs := ValidateConfig(fields, registration.Schema); len(verrs) > 0 {
			joined := make([]error, len(verrs))
			for i, v := range verrs {
				joined[i] = v
			}
			return nil, errors.WrapInvalid(stderrors.Join(joined...),
				"Registry", "CreateComponent", "schema validation")
		}
	}

	component, err := registration.Factory(config.Config, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "factory execution")
	}

	if err := r.RegisterInstance(instanceName, component); err != nil {
		return nil, errors.Wrap(err, "Registry", "CreateComponent", "instance registration")
	}
	return component, nil
}

// RegisterInstance registers a component instance. Names are unique and an
// exclusive port resource can be held by one instance only.
func (r *Registry) RegisterInstance(name string, component Discoverable) error {
	if name == "" || component == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterInstance", "instance validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("instance '%s' is already registered", name),
			"Registry", "RegisterInstance", "duplicate instance check")
	}

	exclusive := exclusiveResources(component)
	for _, id := range exclusive {
		if owner, taken := r.resourceTracker[id]; taken {
			return errors.WrapInvalid(
				fmt.Errorf("resource conflict: %s already used by component '%s'", id, owner),
				"Registry", "RegisterInstance", "exclusive resource check")
		}
	}

	r.instances[name] = component
	for _, id := range exclusive {
		r.resourceTracker[id] = name
	}
	return nil
}

// UnregisterInstance removes an instance and releases its resources.
func (r *Registry) UnregisterInstance(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	component, exists := r.instances[name]
	if !exists {
		return
	}
	for _, id := range exclusiveResources(component) {
		if r.resourceTracker[id] == name {
			delete(r.resourceTracker, id)
		}
	}
	delete(r.instances, name)
}

func exclusiveResources(component Discoverable) []string {
	var ids []string
	for _, port := range append(component.InputPorts(), component.OutputPorts()...) {
		if port.Config != nil && port.Config.IsExclusive() {
			ids = append(ids, port.Config.ResourceID())
		}
	}
	return ids
}

// ListComponents returns a copy of the registered instances.
func (r *Registry) ListComponents() map[string]Discoverable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.instances)
}

// Component returns the named instance, or nil.
func (r *Registry) Component(name string) Discoverable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[name]
}

// ListComponentTypes returns the registered factory names in sorted order.
func (r *Registry) ListComponentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// GetComponentSchema returns the schema registered with a factory.
func (r *Registry) GetComponentSchema(name string) (ConfigSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	registration, exists := r.factories[name]
	if !exists {
		return ConfigSchema{}, errors.WrapInvalid(fmt.Errorf("component type %q not found", name),
			"Registry", "GetComponentSchema", "type lookup")
	}
	return registration.Schema, nil
}
