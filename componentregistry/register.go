// Package componentregistry registers the trkdaq component factories.
package componentregistry

import (
	"errors"

	"github.com/c360/trkdaq/component"
	pkgerrors "github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/input/trackervst"
)

// Register registers every trkdaq component with the provided registry:
//
//   - tracker-vst input (DTC readout publishing containers to NATS)
func Register(registry *component.Registry) error {
	// Nil registry is a programming error, not invalid input
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ComponentRegistry", "Register", "registry validation")
	}

	if err := trackervst.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "tracker VST input component registration")
	}

	return nil
}
