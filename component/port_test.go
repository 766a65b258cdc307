package component

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPort_JSONRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		config Portable
	}{
		{"nats", NATSPort{Subject: "daq.tracker.fragments"}},
		{"jetstream", JetStreamPort{StreamName: "TRACKER", Subjects: []string{"daq.tracker.>"}, Storage: "file"}},
		{"file", FilePort{Path: "/tmp/TrackerVST.bin", Exclusive: true}},
		{"device", DevicePort{Device: "dtc0", SimMode: "tracker"}},
		{"no config", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Port{Name: tt.name, Direction: DirectionOutput, Required: true, Config: tt.config}

			data, err := json.Marshal(in)
			require.NoError(t, err)

			var out Port
			require.NoError(t, json.Unmarshal(data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestPort_UnmarshalUnknownType(t *testing.T) {
	var p Port
	err := json.Unmarshal([]byte(`{"name":"x","config":{"type":"websocket","data":{}}}`), &p)
	assert.Error(t, err)
}

func TestPort_Exclusivity(t *testing.T) {
	assert.True(t, DevicePort{Device: "dtc0"}.IsExclusive())
	assert.False(t, NATSPort{Subject: "a"}.IsExclusive())
	assert.False(t, JetStreamPort{StreamName: "S"}.IsExclusive())
	assert.True(t, FilePort{Path: "/x", Exclusive: true}.IsExclusive())

	assert.Equal(t, "dtc:dtc0", DevicePort{Device: "dtc0"}.ResourceID())
	assert.Equal(t, "jetstream:daq.>", JetStreamPort{Subjects: []string{"daq.>"}}.ResourceID())
	assert.Equal(t, "jetstream:unknown", JetStreamPort{}.ResourceID())
}
