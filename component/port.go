package component

import (
	"encoding/json"
	"fmt"

	"github.com/c360/trkdaq/errors"
)

// Direction for data flow
type Direction string

// Direction constants for port data flow
const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Port describes any I/O interface
type Port struct {
	Name        string    `json:"name"`
	Direction   Direction `json:"direction"`
	Required    bool      `json:"required"`
	Description string    `json:"description"`
	Config      Portable  `json:"config"`
}

// Portable is the resource behind a port.
type Portable interface {
	ResourceID() string // Unique identifier for conflict detection
	IsExclusive() bool  // Whether only one component may hold the resource
	Type() string       // Port type identifier
}

// NATSPort is a core NATS subject.
type NATSPort struct {
	Subject string `json:"subject"`
}

// ResourceID returns unique identifier for NATS ports
func (n NATSPort) ResourceID() string {
	return fmt.Sprintf("nats:%s", n.Subject)
}

// IsExclusive returns false as subjects can be shared
func (n NATSPort) IsExclusive() bool {
	return false
}

// Type returns the port type identifier
func (n NATSPort) Type() string {
	return "nats"
}

// JetStreamPort is a subject captured by a JetStream stream.
type JetStreamPort struct {
	StreamName string   `json:"stream_name"`
	Subjects   []string `json:"subjects"`
	Storage    string   `json:"storage,omitempty"` // "file" or "memory"
}

// ResourceID returns unique identifier for JetStream ports
func (j JetStreamPort) ResourceID() string {
	if j.StreamName != "" {
		return fmt.Sprintf("jetstream:%s", j.StreamName)
	}
	if len(j.Subjects) > 0 {
		return fmt.Sprintf("jetstream:%s", j.Subjects[0])
	}
	return "jetstream:unknown"
}

// IsExclusive returns false as several publishers may feed one stream
func (j JetStreamPort) IsExclusive() bool {
	return false
}

// Type returns the port type identifier
func (j JetStreamPort) Type() string {
	return "jetstream"
}

// FilePort is a path on the local file system.
type FilePort struct {
	Path      string `json:"path"`
	Exclusive bool   `json:"exclusive,omitempty"`
}

// ResourceID returns unique identifier for file ports
func (f FilePort) ResourceID() string {
	return fmt.Sprintf("file:%s", f.Path)
}

// IsExclusive reports whether the file is written by a single component.
func (f FilePort) IsExclusive() bool {
	return f.Exclusive
}

// Type returns the port type identifier
func (f FilePort) Type() string {
	return "file"
}

// DevicePort is a DTC transfer engine. One component owns a device.
type DevicePort struct {
	Device  string `json:"device"`
	SimMode string `json:"sim_mode,omitempty"`
}

// ResourceID returns unique identifier for device ports
func (d DevicePort) ResourceID() string {
	return fmt.Sprintf("dtc:%s", d.Device)
}

// IsExclusive returns true; a transfer engine has one reader
func (d DevicePort) IsExclusive() bool {
	return true
}

// Type returns the port type identifier
func (d DevicePort) Type() string {
	return "device"
}

// MarshalJSON wraps the Portable config with its type so it can be rebuilt.
func (p Port) MarshalJSON() ([]byte, error) {
	type PortAlias Port

	wrapper := struct {
		PortAlias
		Config json.RawMessage `json:"config"`
	}{
		PortAlias: (PortAlias)(p),
	}

	if p.Config != nil {
		configWithType := struct {
			Type string `json:"type"`
			Data any    `json:"data"`
		}{
			Type: p.Config.Type(),
			Data: p.Config,
		}

		configBytes, err := json.Marshal(configWithType)
		if err != nil {
			return nil, errors.Wrap(err, "Port", "MarshalJSON", "config marshaling")
		}
		wrapper.Config = configBytes
	}

	return json.Marshal(wrapper)
}

// UnmarshalJSON rebuilds the Portable config from its type field.
func (p *Port) UnmarshalJSON(data []byte) error {
	type PortAlias Port

	temp := struct {
		*PortAlias
		Config json.RawMessage `json:"config"`
	}{
		PortAlias: (*PortAlias)(p),
	}

	if err := json.Unmarshal(data, &temp); err != nil {
		return errors.WrapInvalid(err, "Port", "UnmarshalJSON", "port unmarshaling")
	}
	if len(temp.Config) == 0 || string(temp.Config) == "null" {
		p.Config = nil
		return nil
	}

	var configWrapper struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(temp.Config, &configWrapper); err != nil {
		return errors.Wrap(err, "Port", "UnmarshalJSON", "config wrapper unmarshaling")
	}

	var (
		cfg Portable
		err error
	)
	switch configWrapper.Type {
	case "nats":
		var c NATSPort
		err = json.Unmarshal(configWrapper.Data, &c)
		cfg = c
	case "jetstream":
		var c JetStreamPort
		err = json.Unmarshal(configWrapper.Data, &c)
		cfg = c
	case "file":
		var c FilePort
		err = json.Unmarshal(configWrapper.Data, &c)
		cfg = c
	case "device":
		var c DevicePort
		err = json.Unmarshal(configWrapper.Data, &c)
		cfg = c
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown config type: %s", configWrapper.Type),
			"Port", "UnmarshalJSON", "config type validation")
	}
	if err != nil {
		return errors.Wrap(err, "Port", "UnmarshalJSON", configWrapper.Type+" config unmarshaling")
	}

	p.Config = cfg
	return nil
}
