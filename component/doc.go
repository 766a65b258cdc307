// Package component provides the component infrastructure for trkdaq:
// discovery, explicit registration, configuration schemas and lifecycle.
//
// # Registration
//
// Components are registered explicitly rather than from init(). Each component
// package exports a Register(*Registry) error function,
// componentregistry.RegisterAll calls them, and cmd/trkdaq calls RegisterAll
// with a Registry it owns. Tests create isolated registries the same way.
//
//	func Register(registry *component.Registry) error {
//		return registry.RegisterWithConfig(component.RegistrationConfig{
//			Name:        "tracker-vst",
//			Factory:     CreateInput,
//			Schema:      trackerSchema,
//			Type:        "input",
//			Protocol:    "dtc",
//			Domain:      "tracker",
//			Description: "Tracker VST readout front end",
//			Version:     "1.0.0",
//		})
//	}
//
// # Creation
//
// Registry.CreateComponent runs, in order: name validation, structural
// validation of the raw JSON (size, depth, control characters), validation of
// the decoded fields against the registered ConfigSchema, and finally the
// factory. The instance is then registered; exclusive port resources such as
// a DevicePort may be held by one instance only.
//
// # Schemas
//
// Config structs describe themselves with `schema:"..."` tags next to their
// json tags, and GenerateConfigSchema turns those into a ConfigSchema once at
// package init.
//
// # Lifecycle
//
// LifecycleComponent adds Initialize, Start(ctx) and Stop(timeout) to
// Discoverable. Start returns once the component is running; ctx bounds the
// whole run.
package component
