package component

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/types"
)

type fakeComponent struct {
	name    string
	device  string
	subject string
}

func (f *fakeComponent) Meta() Metadata {
	return Metadata{Name: f.name, Type: "input", Description: "fake", Version: "0.0.1"}
}

func (f *fakeComponent) InputPorts() []Port {
	if f.device == "" {
		return nil
	}
	return []Port{{Name: "dtc", Direction: DirectionInput, Required: true, Config: DevicePort{Device: f.device}}}
}

func (f *fakeComponent) OutputPorts() []Port {
	return []Port{{Name: "out", Direction: DirectionOutput, Config: NATSPort{Subject: f.subject}}}
}

func (f *fakeComponent) ConfigSchema() ConfigSchema { return fakeSchema }
func (f *fakeComponent) Health() HealthStatus       { return HealthStatus{Healthy: true} }
func (f *fakeComponent) DataFlow() FlowMetrics      { return FlowMetrics{} }

type fakeConfig struct {
	Device  string `json:"device" schema:"required,type:string,description:Device name"`
	Subject string `json:"subject" schema:"type:string,default:daq.out"`
	Blocks  int    `json:"blocks" schema:"type:int,min:1,max:10000,default:2500"`
}

var fakeSchema = GenerateConfigSchema(reflect.TypeOf(fakeConfig{}))

func fakeFactory(raw json.RawMessage, _ Dependencies) (Discoverable, error) {
	cfg := fakeConfig{Subject: "daq.out"}
	if err := SafeUnmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &fakeComponent{name: "fake", device: cfg.Device, subject: cfg.Subject}, nil
}

func newFakeRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.RegisterWithConfig(RegistrationConfig{
		Name:     "fake",
		Factory:  fakeFactory,
		Schema:   fakeSchema,
		Type:     "input",
		Protocol: "dtc",
		Version:  "0.0.1",
	}))
	return r
}

func inputConfig(raw string) types.ComponentConfig {
	return types.ComponentConfig{
		Type:    types.ComponentTypeInput,
		Name:    "fake",
		Enabled: true,
		Config:  json.RawMessage(raw),
	}
}

func TestRegistry_RegisterFactory(t *testing.T) {
	r := newFakeRegistry(t)

	err := r.RegisterWithConfig(RegistrationConfig{Name: "fake", Factory: fakeFactory, Type: "input"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.Error(t, r.RegisterWithConfig(RegistrationConfig{Name: "", Factory: fakeFactory, Type: "input"}))
	assert.Error(t, r.RegisterWithConfig(RegistrationConfig{Name: "nofactory", Type: "input"}))
	assert.Error(t, r.RegisterWithConfig(RegistrationConfig{Name: "notype", Factory: fakeFactory}))

	assert.Equal(t, []string{"fake"}, r.ListComponentTypes())
}

func TestRegistry_CreateComponent(t *testing.T) {
	r := newFakeRegistry(t)

	comp, err := r.CreateComponent("vst-0", inputConfig(`{"device":"dtc0","blocks":10}`), Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "fake", comp.Meta().Name)
	assert.Same(t, comp, r.Component("vst-0"))
	assert.Len(t, r.ListComponents(), 1)
}

func TestRegistry_CreateComponentRejects(t *testing.T) {
	tests := []struct {
		name     string
		instance string
		config   types.ComponentConfig
	}{
		{"bad instance name", "vst 0", inputConfig(`{"device":"dtc0"}`)},
		{"unknown factory", "vst-0", types.ComponentConfig{Type: "input", Name: "nope"}},
		{"type mismatch", "vst-0", types.ComponentConfig{Type: "output", Name: "fake"}},
		{"malformed json", "vst-0", inputConfig(`{"device":`)},
		{"control character", "vst-0", inputConfig(`{"device":"dtc\u0001"}`)},
		{"missing required field", "vst-0", inputConfig(`{"blocks":10}`)},
		{"below minimum", "vst-0", inputConfig(`{"device":"dtc0","blocks":0}`)},
		{"wrong type", "vst-0", inputConfig(`{"device":"dtc0","blocks":"many"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRegistry(t)
			_, err := r.CreateComponent(tt.instance, tt.config, Dependencies{})
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "expected invalid classification: %v", err)
			assert.Empty(t, r.ListComponents())
		})
	}
}

func TestRegistry_ExclusiveDevice(t *testing.T) {
	r := newFakeRegistry(t)

	_, err := r.CreateComponent("vst-0", inputConfig(`{"device":"dtc0"}`), Dependencies{})
	require.NoError(t, err)

	_, err = r.CreateComponent("vst-1", inputConfig(`{"device":"dtc0"}`), Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dtc:dtc0")

	_, err = r.CreateComponent("vst-2", inputConfig(`{"device":"dtc1"}`), Dependencies{})
	require.NoError(t, err)

	r.UnregisterInstance("vst-0")
	_, err = r.CreateComponent("vst-3", inputConfig(`{"device":"dtc0"}`), Dependencies{})
	assert.NoError(t, err)
}

func TestRegistry_DuplicateInstance(t *testing.T) {
	r := newFakeRegistry(t)
	_, err := r.CreateComponent("vst-0", inputConfig(`{"device":"dtc0"}`), Dependencies{})
	require.NoError(t, err)

	_, err = r.CreateComponent("vst-0", inputConfig(`{"device":"dtc1"}`), Dependencies{})
	assert.Error(t, err)
}

func TestRegistry_GetComponentSchema(t *testing.T) {
	r := newFakeRegistry(t)

	schema, err := r.GetComponentSchema("fake")
	require.NoError(t, err)
	assert.Equal(t, []string{"device"}, schema.Required)
	assert.Equal(t, 2500, schema.Properties["blocks"].Default)

	_, err = r.GetComponentSchema("missing")
	assert.Error(t, err)
}

func TestRegistry_ConcurrentCreate(t *testing.T) {
	r := newFakeRegistry(t)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw := fmt.Sprintf(`{"device":"dtc%d"}`, i)
			_, err := r.CreateComponent(fmt.Sprintf("vst-%d", i), inputConfig(raw), Dependencies{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.ListComponents(), 16)
}

func TestDependencies_Logger(t *testing.T) {
	var deps Dependencies
	assert.NotNil(t, deps.GetLogger())
	assert.NotNil(t, deps.GetLoggerWithComponent("tracker-vst"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}
