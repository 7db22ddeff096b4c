// Package pack collects the files a finished job produced and packages them for the client.
package pack

import (
	"os"
	"path/filepath"

	"github.com/dontdude/rp2g/internal/domain"
	"github.com/dontdude/rp2g/internal/runner"
)

// DebugPrefix is prepended to the name of every debug artifact.
const DebugPrefix = "debug-"

// Entry maps the name a file is delivered under to its path inside the working directory.
type Entry struct {
	Name string
	// Path is relative to the working directory.
	Path string
}

// List is an ordered packing list. Names are unique.
type List []Entry

// BuildList returns the files to deliver for a job prepared in dir: the descriptor,
// then every declared output, then the debug artifacts if debug output was requested.
func BuildList(dir string, cfg *domain.JobConfig, log domain.Sink) List {
	list := List{{Name: runner.DescriptorName, Path: runner.DescriptorName}}
	seen := map[string]bool{runner.DescriptorName: true}
	add := func(name, path string) {
		if seen[name] {
			return
		}
		seen[name] = true
		list = append(list, Entry{Name: name, Path: path})
	}

	for _, o := range cfg.Outputs {
		add(o.File, o.File)
	}

	if cfg.Debug {
		entries, err := os.ReadDir(filepath.Join(dir, runner.DebugDirName))
		if err != nil {
			domain.Logf(log, "Debug output unavailable: %v", err)
			return list
		}
		// ReadDir sorts by file name.
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			add(DebugPrefix+e.Name(), filepath.Join(runner.DebugDirName, e.Name()))
		}
	}
	return list
}
