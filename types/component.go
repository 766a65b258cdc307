// Package types contains shared types used by config and component.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/c360/trkdaq/errors"
)

// ComponentType represents the category of a component
type ComponentType string

// Component type constants
const (
	ComponentTypeInput     ComponentType = "input"
	ComponentTypeProcessor ComponentType = "processor"
	ComponentTypeOutput    ComponentType = "output"
)

// String implements fmt.Stringer for ComponentType
func (ct ComponentType) String() string {
	return string(ct)
}

// ComponentConfig configures one component instance. The instance name is
// the key of the components map in the configuration file.
type ComponentConfig struct {
	Type    ComponentType   `json:"type"`    // input/processor/output
	Name    string          `json:"name"`    // factory name, e.g. "tracker-vst"
	Enabled bool            `json:"enabled"` // disabled components are not created
	Config  json.RawMessage `json:"config"`  // component-specific configuration
}

// Validate ensures the component configuration is valid
func (c ComponentConfig) Validate() error {
	if c.Type == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ComponentConfig", "Validate",
			"component type cannot be empty")
	}
	if c.Name == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "ComponentConfig", "Validate",
			"component factory name cannot be empty")
	}

	switch c.Type {
	case ComponentTypeInput, ComponentTypeProcessor, ComponentTypeOutput:
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ComponentConfig", "Validate",
			fmt.Sprintf("invalid component type: %s", c.Type))
	}
}

// PlatformMeta identifies the test stand a process runs on.
type PlatformMeta struct {
	Org      string // Organization namespace, e.g. "mu2e"
	Platform string // Platform identifier, e.g. "vst-1"
}
