package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidConfig is returned when a submitted job configuration does not match the schema.
var ErrInvalidConfig = errors.New("invalid job config")

// Packaging selects how the produced files are returned to the client.
type Packaging string

const (
	// PackagingPerFile returns every produced file as its own envelope entry.
	PackagingPerFile Packaging = "files"
	// PackagingArchive returns a single archive holding every produced file.
	PackagingArchive Packaging = "zip"
)

// ServerOptions holds the keys of the job configuration that only the relay server reads.
// On the wire and in the descriptor file they live under the "rp2g" key.
type ServerOptions struct {
	Output Packaging `json:"output,omitempty" yaml:"output,omitempty"`
}

// JobConfig is the job description submitted by a client.
// Inputs, Outputs, Debug and Server are interpreted by the server; the remaining fields are
// settings of the conversion tool and are passed through to the descriptor file untouched.
type JobConfig struct {
	Inputs  map[string]string `json:"inputs" yaml:"inputs"`
	Outputs []Output          `json:"outputs" yaml:"outputs"`
	Debug   bool              `json:"debug,omitempty" yaml:"debug,omitempty"`
	Server  *ServerOptions    `json:"rp2g,omitempty" yaml:"rp2g,omitempty"`

	Tools         any `json:"tools,omitempty" yaml:"tools,omitempty"`
	Jobs          any `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	Bounds        any `json:"bounds,omitempty" yaml:"bounds,omitempty"`
	Margin        any `json:"margin,omitempty" yaml:"margin,omitempty"`
	PPMM          any `json:"ppmm,omitempty" yaml:"ppmm,omitempty"`
	ZSafe         any `json:"zsafe,omitempty" yaml:"zsafe,omitempty"`
	ZTravel       any `json:"ztravel,omitempty" yaml:"ztravel,omitempty"`
	ExportOptions any `json:"export-options,omitempty" yaml:"export-options,omitempty"`
	// ZTavel is the spelling the HPGL output of the tool reads its travel height from.
	ZTavel any `json:"ztavel,omitempty" yaml:"ztavel,omitempty"`
}

// Output describes one file the conversion tool is asked to produce.
// File is the only key the server reads; every other key is kept in Extra.
type Output struct {
	File  string         `json:"file" yaml:"file"`
	Extra map[string]any `json:"-" yaml:",inline"`
}

// UnmarshalJSON decodes an output descriptor, keeping unknown keys in Extra.
func (o *Output) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: outputs[] must be an object: %v", ErrInvalidConfig, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: outputs[] must be an object", ErrInvalidConfig)
	}
	file, ok := raw["file"].(string)
	if !ok || file == "" {
		return fmt.Errorf("%w: outputs[].file must be a non-empty string", ErrInvalidConfig)
	}
	delete(raw, "file")

	o.File = file
	o.Extra = nil
	if len(raw) > 0 {
		o.Extra = raw
	}
	return nil
}

// MarshalJSON encodes the output descriptor with its extra keys flattened.
func (o Output) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(o.Extra)+1)
	for k, v := range o.Extra {
		m[k] = v
	}
	m["file"] = o.File
	return json.Marshal(m)
}

// Packaging returns the requested packaging mode, defaulting to PackagingPerFile.
func (c *JobConfig) Packaging() Packaging {
	if c.Server == nil || c.Server.Output == "" {
		return PackagingPerFile
	}
	return c.Server.Output
}

// Validate checks the fields the server depends on.
func (c *JobConfig) Validate() error {
	if len(c.Inputs) == 0 {
		return fmt.Errorf("%w: inputs must hold at least one layer", ErrInvalidConfig)
	}
	if len(c.Outputs) == 0 {
		return fmt.Errorf("%w: outputs must hold at least one entry", ErrInvalidConfig)
	}
	for i, o := range c.Outputs {
		if o.File == "" {
			return fmt.Errorf("%w: outputs[%d].file is required", ErrInvalidConfig, i)
		}
	}
	switch c.Packaging() {
	case PackagingPerFile, PackagingArchive:
	default:
		return fmt.Errorf("%w: rp2g.output %q is not one of %q, %q",
			ErrInvalidConfig, c.Packaging(), PackagingPerFile, PackagingArchive)
	}
	return nil
}

// ParseJobConfig decodes a JSON job configuration and validates it.
// Unknown top-level keys and trailing data are rejected.
func ParseJobConfig(data []byte) (*JobConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg JobConfig
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after job config", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
