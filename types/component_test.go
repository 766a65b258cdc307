package types_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trkdaq/errors"
	"github.com/c360/trkdaq/types"
)

func TestComponentConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  types.ComponentConfig
		wantErr bool
	}{
		{
			name: "valid input component",
			config: types.ComponentConfig{
				Type:    types.ComponentTypeInput,
				Name:    "tracker-vst",
				Enabled: true,
				Config:  json.RawMessage(`{"board_id": 1}`),
			},
		},
		{
			name:   "valid output component without config",
			config: types.ComponentConfig{Type: types.ComponentTypeOutput, Name: "rawfile"},
		},
		{
			name:    "empty type",
			config:  types.ComponentConfig{Name: "tracker-vst", Enabled: true},
			wantErr: true,
		},
		{
			name:    "empty name",
			config:  types.ComponentConfig{Type: types.ComponentTypeInput, Enabled: true},
			wantErr: true,
		},
		{
			name:    "unknown component type",
			config:  types.ComponentConfig{Type: types.ComponentType("storage"), Name: "kv"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "expected invalid classification: %v", err)
		})
	}
}

func TestComponentConfig_JSON(t *testing.T) {
	raw := `{"type":"input","name":"tracker-vst","enabled":true,"config":{"block_count_max":10}}`

	var cfg types.ComponentConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))

	assert.Equal(t, types.ComponentTypeInput, cfg.Type)
	assert.Equal(t, "tracker-vst", cfg.Name)
	assert.True(t, cfg.Enabled)
	assert.JSONEq(t, `{"block_count_max":10}`, string(cfg.Config))
	assert.Equal(t, "input", cfg.Type.String())
}
