package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobConfig(t *testing.T) {
	raw := `{
		"inputs": {"top": "G04*%", "outline": "G04 outline*%"},
		"outputs": [{"file": "top.gcode", "type": "gcode", "paths": ["isolate"]}],
		"debug": true,
		"rp2g": {"output": "zip"},
		"tools": {"mill": {"diameter": 0.2}}
	}`

	cfg, err := ParseJobConfig([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "G04*%", cfg.Inputs["top"])
	require.Len(t, cfg.Outputs, 1)
	assert.Equal(t, "top.gcode", cfg.Outputs[0].File)
	assert.Equal(t, "gcode", cfg.Outputs[0].Extra["type"])
	assert.NotContains(t, cfg.Outputs[0].Extra, "file")
	assert.True(t, cfg.Debug)
	assert.Equal(t, PackagingArchive, cfg.Packaging())
	assert.NotNil(t, cfg.Tools)
}

func TestParseJobConfig_ToolSettings(t *testing.T) {
	raw := `{
		"inputs": {"top": "G04*%"},
		"outputs": [{"file": "out.gcode"}],
		"export-options": {"rotate": 90, "replicate": {"x": 2, "y": 1}, "translate": [1, 2]},
		"ztavel": 3
	}`

	cfg, err := ParseJobConfig([]byte(raw))
	require.NoError(t, err)

	opts, ok := cfg.ExportOptions.(map[string]any)
	require.True(t, ok, "export-options must be kept")
	assert.Equal(t, float64(90), opts["rotate"])
	assert.Equal(t, float64(3), cfg.ZTavel)
}

func TestParseJobConfig_DefaultPackaging(t *testing.T) {
	cfg, err := ParseJobConfig([]byte(`{"inputs":{"top":"G04*%"},"outputs":[{"file":"out.gcode"}]}`))
	require.NoError(t, err)
	assert.Equal(t, PackagingPerFile, cfg.Packaging())
	assert.False(t, cfg.Debug)
}

func TestParseJobConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `G04*%`},
		{"unknown key", `{"inputs":{"top":"x"},"outputs":[{"file":"a"}],"colour":"red"}`},
		{"missing inputs", `{"outputs":[{"file":"a"}]}`},
		{"empty inputs", `{"inputs":{},"outputs":[{"file":"a"}]}`},
		{"missing outputs", `{"inputs":{"top":"x"}}`},
		{"output without file", `{"inputs":{"top":"x"},"outputs":[{"type":"gcode"}]}`},
		{"output file not a string", `{"inputs":{"top":"x"},"outputs":[{"file":3}]}`},
		{"output not an object", `{"inputs":{"top":"x"},"outputs":["a.gcode"]}`},
		{"bad packaging", `{"inputs":{"top":"x"},"outputs":[{"file":"a"}],"rp2g":{"output":"tar"}}`},
		{"trailing data", `{"inputs":{"top":"x"},"outputs":[{"file":"a"}]} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobConfig([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestOutput_MarshalJSON(t *testing.T) {
	o := Output{File: "a.gcode", Extra: map[string]any{"type": "hpgl"}}
	b, err := json.Marshal(o)
	require.NoError(t, err)
	assert.JSONEq(t, `{"file":"a.gcode","type":"hpgl"}`, string(b))
}
