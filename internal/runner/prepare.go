package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/dontdude/rp2g/internal/domain"
)

const (
	// DescriptorName is the job descriptor file handed to the conversion tool.
	DescriptorName = "config.p2g"
	// DebugDirName is the directory the tool writes debug artifacts to.
	DebugDirName = "p2g-debug-out"
)

// validOutputName matches output names that are safe to use as a plain file name.
var validOutputName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._ -]*$`)

// InputFileName returns the on-disk name of the n-th input layer.
func InputFileName(n int) string {
	return fmt.Sprintf("input_%d.gbr", n)
}

// FallbackOutputName returns the replacement for the n-th rejected output name.
func FallbackOutputName(n int) string {
	return fmt.Sprintf("output_%d.gcode", n)
}

// MaterializeInputs writes every input layer to its own file in dir and rewrites
// cfg.Inputs to map layer names to those files. Layers are numbered in sorted name order.
// A layer that cannot be written is logged and dropped; the others are kept.
func MaterializeInputs(dir string, cfg *domain.JobConfig, log domain.Sink) {
	layers := make([]string, 0, len(cfg.Inputs))
	for layer := range cfg.Inputs {
		layers = append(layers, layer)
	}
	sort.Strings(layers)

	files := make(map[string]string, len(layers))
	for n, layer := range layers {
		file := InputFileName(n)
		domain.Logf(log, "Write %s layer to %s...", layer, file)
		if err := os.WriteFile(filepath.Join(dir, file), []byte(cfg.Inputs[layer]), 0o600); err != nil {
			domain.Logf(log, "Warning: error %v exporting layer %s, discarding.", err, layer)
			continue
		}
		files[layer] = file
	}
	cfg.Inputs = files
}

// SanitizeOutputs replaces every output file name that is not a plain file name with
// a numbered fallback and returns the number of substitutions.
func SanitizeOutputs(cfg *domain.JobConfig, log domain.Sink) int {
	log.Log("Sanitizing output file names...")
	counter := 0
	for i := range cfg.Outputs {
		o := &cfg.Outputs[i]
		if validOutputName.MatchString(o.File) {
			continue
		}
		file := FallbackOutputName(counter)
		counter++
		domain.Logf(log, "  %s => %s", o.File, file)
		o.File = file
	}
	return counter
}

// WriteDescriptor atomically writes cfg as YAML to path.
func WriteDescriptor(path string, cfg *domain.JobConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding job descriptor: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing job descriptor: %w", err)
	}
	return nil
}
